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
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
	"github.com/homystack/nio/internal/config"
	"github.com/homystack/nio/internal/events"
	"github.com/homystack/nio/internal/facts"
	"github.com/homystack/nio/internal/knownhosts"
	"github.com/homystack/nio/internal/metrics"
	"github.com/homystack/nio/internal/sshsession"
)

// lastHardwareScanAnnotation records when the hardware scanner last ran
// successfully, so Reconcile can space scans out by
// Config.HardwareScanInterval without a separate kopf-style timer.
const lastHardwareScanAnnotation = "nio.homystack.com/last-hardware-scan"

// remoteHardwareScannerScript is uploaded to Config.RemoteScannerPath and
// executed over the probe SSH session. It prints `key=value` lines
// consumed by internal/facts.Parse.
const remoteHardwareScannerScript = `#!/bin/sh
set -e
echo "hostname=$(hostname)"
echo "cpu.count=$(nproc 2>/dev/null || echo unknown)"
echo "system.kernel=$(uname -r)"
mounts=$(df -P 2>/dev/null | awk 'NR>1 && $1 ~ /^\/dev\// {print $1}' | paste -sd, -)
if [ -n "$mounts" ]; then
  echo "storage.filesystems=$mounts"
fi
dns=$(awk '/^nameserver/ {print $2}' /etc/resolv.conf 2>/dev/null | paste -sd, -)
if [ -n "$dns" ]; then
  echo "network.dns_servers=$dns"
fi
`

// MachineReconciler probes Machine reachability and periodically scans
// hardware over the same SSH session.
type MachineReconciler struct {
	client.Client
	Scheme     *runtime.Scheme
	Recorder   record.EventRecorder
	Config     *config.Config
	KnownHosts *knownhosts.Store
}

//+kubebuilder:rbac:groups=nio.homystack.com,resources=machines,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=nio.homystack.com,resources=machines/status,verbs=get;update;patch
//+kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch

// Reconcile checks whether a Machine is reachable over SSH and, on a
// slower cadence, scans it for hardware facts.
func (r *MachineReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	machine := &niov1alpha1.Machine{}
	if err := r.Get(ctx, req.NamespacedName, machine); err != nil {
		if errors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	bus := events.New(r.Recorder)
	secrets := newSecretAdapter(r.Client)
	requeueAfter := r.Config.DiscoveryInterval

	session, err := sshsession.Dial(ctx, machine, secrets, r.KnownHosts, bus, sshsession.Config{
		KeyDir:      r.Config.SSHKeyDir,
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		logger.V(1).Info("machine unreachable", "machine", machine.Name, "error", err.Error())
		metrics.RecordSSHConnection(machine.Namespace, machine.Name, false, 0)
		return r.patchDiscoverable(ctx, machine, false, requeueAfter)
	}
	defer session.Close()

	start := time.Now()
	if err := sshsession.Probe(session); err != nil {
		logger.V(1).Info("machine probe failed", "machine", machine.Name, "error", err.Error())
		metrics.RecordSSHConnection(machine.Namespace, machine.Name, false, time.Since(start).Seconds())
		return r.patchDiscoverable(ctx, machine, false, requeueAfter)
	}
	metrics.RecordSSHConnection(machine.Namespace, machine.Name, true, time.Since(start).Seconds())

	if r.dueForHardwareScan(machine) {
		if hwFacts, err := r.scanHardware(ctx, session); err != nil {
			logger.Info("hardware scan failed", "machine", machine.Name, "error", err.Error())
		} else {
			if err := r.recordHardwareFacts(ctx, machine, hwFacts); err != nil {
				logger.Error(err, "failed to record hardware facts", "machine", machine.Name)
			}
		}
	}

	return r.patchDiscoverable(ctx, machine, true, requeueAfter)
}

func (r *MachineReconciler) dueForHardwareScan(machine *niov1alpha1.Machine) bool {
	last, ok := machine.Annotations[lastHardwareScanAnnotation]
	if !ok {
		return true
	}
	lastTime, err := time.Parse(time.RFC3339, last)
	if err != nil {
		return true
	}
	return time.Since(lastTime) >= r.Config.HardwareScanInterval
}

func (r *MachineReconciler) scanHardware(ctx context.Context, session *sshsession.Session) (map[string]any, error) {
	sftpClient, err := sftp.NewClient(session.Client)
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	remotePath := r.Config.RemoteScannerPath
	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, err
	}
	if _, err := remoteFile.Write([]byte(remoteHardwareScannerScript)); err != nil {
		remoteFile.Close()
		return nil, err
	}
	if err := remoteFile.Close(); err != nil {
		return nil, err
	}
	if err := sftpClient.Chmod(remotePath, 0o700); err != nil {
		return nil, err
	}

	sshSess, err := session.Client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sshSess.Close()

	var stdout bytes.Buffer
	sshSess.Stdout = &stdout
	if err := sshSess.Run(remotePath); err != nil {
		return nil, err
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	return facts.Parse(lines), nil
}

func (r *MachineReconciler) recordHardwareFacts(ctx context.Context, machine *niov1alpha1.Machine, hwFacts map[string]any) error {
	raw, err := json.Marshal(hwFacts)
	if err != nil {
		return err
	}

	patch := client.MergeFrom(machine.DeepCopy())
	machine.Status.HardwareFacts = &runtime.RawExtension{Raw: raw}
	if machine.Annotations == nil {
		machine.Annotations = map[string]string{}
	}
	machine.Annotations[lastHardwareScanAnnotation] = time.Now().UTC().Format(time.RFC3339)

	if err := r.Patch(ctx, machine, patch); err != nil {
		return err
	}
	return r.Status().Patch(ctx, machine, patch)
}

func (r *MachineReconciler) patchDiscoverable(ctx context.Context, machine *niov1alpha1.Machine, discoverable bool, requeueAfter time.Duration) (ctrl.Result, error) {
	if machine.Status.Discoverable != discoverable {
		patch := client.MergeFrom(machine.DeepCopy())
		machine.Status.Discoverable = discoverable
		if err := r.Status().Patch(ctx, machine, patch); err != nil {
			return ctrl.Result{}, err
		}
	}
	return ctrl.Result{RequeueAfter: requeueAfter}, nil
}

// SetupWithManager wires the reconciler into the manager, watching only
// Machine objects — hardware scan cadence is self-regulated inside
// Reconcile rather than via a second watch.
func (r *MachineReconciler) SetupWithManager(mgr ctrl.Manager) error {
	r.Recorder = mgr.GetEventRecorderFor("machine-controller")
	return ctrl.NewControllerManagedBy(mgr).
		For(&niov1alpha1.Machine{}).
		Complete(r)
}
