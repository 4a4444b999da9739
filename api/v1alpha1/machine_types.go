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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// SecretKeyRef points at a key inside a Secret, optionally in a different namespace.
type SecretKeyRef struct {
	// Name is the Secret's name.
	Name string `json:"name"`

	// Namespace overrides the default (the owning resource's namespace).
	//+optional
	Namespace string `json:"namespace,omitempty"`

	// Key is the data key to read. Defaults depend on the field this ref is used from.
	//+optional
	Key string `json:"key,omitempty"`
}

// MachineSpec defines the desired identity and credentials of a managed host.
type MachineSpec struct {
	// Hostname is the DNS name or IP address used to reach the machine over SSH.
	Hostname string `json:"hostname"`

	// IPAddress is an optional explicit address, used when Hostname is not directly routable.
	//+optional
	IPAddress string `json:"ipAddress,omitempty"`

	// SSHUser is the remote user SSH sessions authenticate as.
	//+kubebuilder:default="root"
	SSHUser string `json:"sshUser,omitempty"`

	// SSHKeySecretRef names a Secret holding an `ssh-privatekey` entry.
	//+optional
	SSHKeySecretRef *SecretKeyRef `json:"sshKeySecretRef,omitempty"`

	// SSHPasswordSecretRef names a Secret holding a password entry (key defaults to "password").
	//+optional
	SSHPasswordSecretRef *SecretKeyRef `json:"sshPasswordSecretRef,omitempty"`

	// MACAddress is recorded for PXE/bootstrap correlation; not used by the reconciler itself.
	//+optional
	MACAddress string `json:"macAddress,omitempty"`
}

// MachineStatus is owned exclusively by the Machine reconciler.
type MachineStatus struct {
	// Discoverable reflects the most recent SSH reachability probe.
	//+optional
	Discoverable bool `json:"discoverable,omitempty"`

	// HasConfiguration is true while some NixosConfiguration has successfully applied to this machine.
	//+optional
	HasConfiguration bool `json:"hasConfiguration,omitempty"`

	// AppliedConfiguration names the NixosConfiguration last applied, if any.
	//+optional
	AppliedConfiguration string `json:"appliedConfiguration,omitempty"`

	// AppliedCommit is the Git commit hash of the last successfully applied configuration.
	//+optional
	AppliedCommit string `json:"appliedCommit,omitempty"`

	// LastAppliedTime records when AppliedCommit was last advanced.
	//+optional
	LastAppliedTime *metav1.Time `json:"lastAppliedTime,omitempty"`

	// HardwareFacts holds the most recent parsed hardware-scan output. The
	// document is nested (grouped by the scanner's key prefixes) and some
	// leaves are string arrays, so it is carried as opaque JSON rather than
	// a flat map.
	//+optional
	//+kubebuilder:pruning:PreserveUnknownFields
	HardwareFacts *runtime.RawExtension `json:"hardwareFacts,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="Hostname",type=string,JSONPath=`.spec.hostname`
//+kubebuilder:printcolumn:name="Discoverable",type=boolean,JSONPath=`.status.discoverable`
//+kubebuilder:printcolumn:name="HasConfig",type=boolean,JSONPath=`.status.hasConfiguration`
//+kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// Machine is the Schema for the machines API.
type Machine struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   MachineSpec   `json:"spec,omitempty"`
	Status MachineStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// MachineList contains a list of Machine.
type MachineList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Machine `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Machine{}, &MachineList{})
}
