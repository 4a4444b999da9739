/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"testing"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
	"github.com/homystack/nio/internal/config"
)

func reconcilerWithScanInterval(d time.Duration) *MachineReconciler {
	return &MachineReconciler{Config: &config.Config{HardwareScanInterval: d}}
}

func TestDueForHardwareScan_NoAnnotation(t *testing.T) {
	r := reconcilerWithScanInterval(5 * time.Minute)
	machine := &niov1alpha1.Machine{}

	if !r.dueForHardwareScan(machine) {
		t.Fatal("expected a scan with no prior annotation")
	}
}

func TestDueForHardwareScan_Stale(t *testing.T) {
	r := reconcilerWithScanInterval(5 * time.Minute)
	machine := &niov1alpha1.Machine{
		ObjectMeta: metav1.ObjectMeta{
			Annotations: map[string]string{
				lastHardwareScanAnnotation: time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339),
			},
		},
	}

	if !r.dueForHardwareScan(machine) {
		t.Fatal("expected a scan once the interval has elapsed")
	}
}

func TestDueForHardwareScan_Recent(t *testing.T) {
	r := reconcilerWithScanInterval(5 * time.Minute)
	machine := &niov1alpha1.Machine{
		ObjectMeta: metav1.ObjectMeta{
			Annotations: map[string]string{
				lastHardwareScanAnnotation: time.Now().Add(-1 * time.Minute).UTC().Format(time.RFC3339),
			},
		},
	}

	if r.dueForHardwareScan(machine) {
		t.Fatal("did not expect a scan within the interval")
	}
}

func TestDueForHardwareScan_MalformedAnnotation(t *testing.T) {
	r := reconcilerWithScanInterval(5 * time.Minute)
	machine := &niov1alpha1.Machine{
		ObjectMeta: metav1.ObjectMeta{
			Annotations: map[string]string{
				lastHardwareScanAnnotation: "not-a-timestamp",
			},
		},
	}

	if !r.dueForHardwareScan(machine) {
		t.Fatal("expected a scan when the stored timestamp can't be parsed")
	}
}
