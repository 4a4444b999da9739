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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
	"github.com/homystack/nio/internal/workdir"
)

// ────────────────────────────────────────────────────────────────────────────
// Pure-function unit tests
// ────────────────────────────────────────────────────────────────────────────

var _ = Describe("MachineReconciler.dueForHardwareScan", func() {
	It("scans when there is no prior annotation", func() {
		r := reconcilerWithScanInterval(5 * time.Minute)
		Expect(r.dueForHardwareScan(&niov1alpha1.Machine{})).To(BeTrue())
	})

	It("skips scanning within the interval", func() {
		r := reconcilerWithScanInterval(5 * time.Minute)
		machine := &niov1alpha1.Machine{
			ObjectMeta: metav1.ObjectMeta{
				Annotations: map[string]string{
					lastHardwareScanAnnotation: time.Now().Add(-30 * time.Second).UTC().Format(time.RFC3339),
				},
			},
		}
		Expect(r.dueForHardwareScan(machine)).To(BeFalse())
	})
})

var _ = DescribeTable("flakeTarget",
	func(ref workdir.FlakeRef, expected string) {
		Expect(flakeTarget("/workdir/checkout", ref)).To(Equal(expected))
	},
	Entry("no attr", workdir.FlakeRef{}, "/workdir/checkout"),
	Entry("with attr", workdir.FlakeRef{Attr: "hostname1"}, "/workdir/checkout#hostname1"),
)

var _ = Describe("validateSpec", func() {
	It("rejects a missing machineRef name", func() {
		spec := niov1alpha1.NixosConfigurationSpec{GitRepo: "https://example.com/o/r.git", Flake: "#host"}
		Expect(validateSpec(spec)).To(HaveOccurred())
	})

	It("accepts a well-formed spec", func() {
		spec := niov1alpha1.NixosConfigurationSpec{
			MachineRef: niov1alpha1.MachineRef{Name: "web1"},
			GitRepo:    "https://example.com/o/r.git",
			Flake:      "#host",
		}
		Expect(validateSpec(spec)).NotTo(HaveOccurred())
	})
})
