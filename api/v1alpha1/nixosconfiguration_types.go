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
)

// AdditionalFileValueType selects where an additional file's content comes from.
// +kubebuilder:validation:Enum=Inline;SecretRef;NixosFacter
type AdditionalFileValueType string

const (
	AdditionalFileInline     AdditionalFileValueType = "Inline"
	AdditionalFileSecretRef  AdditionalFileValueType = "SecretRef"
	AdditionalFileNixosFacter AdditionalFileValueType = "NixosFacter"
)

// AdditionalFile describes one extra file to materialize into the checkout
// before the flake is evaluated.
type AdditionalFile struct {
	// Path is relative to the checkout (or ConfigurationSubdir, if set).
	Path string `json:"path"`

	// ValueType selects which of Inline/SecretRef/NixosFacter supplies the content.
	ValueType AdditionalFileValueType `json:"valueType"`

	// Inline holds literal file content. Required when ValueType=Inline.
	//+optional
	Inline string `json:"inline,omitempty"`

	// SecretRef names a Secret whose first key (sorted) becomes the file content.
	// Required when ValueType=SecretRef.
	//+optional
	SecretRef *SecretKeyRef `json:"secretRef,omitempty"`
}

// MachineRef names the Machine this configuration targets, in the same namespace.
type MachineRef struct {
	// Name of the target Machine.
	Name string `json:"name"`
}

// NixosConfigurationSpec declares intent to apply a flake-defined system to a Machine.
type NixosConfigurationSpec struct {
	// MachineRef points at the target Machine, in the same namespace.
	MachineRef MachineRef `json:"machineRef"`

	// GitRepo is the URL of the repository holding the flake.
	GitRepo string `json:"gitRepo"`

	// Flake is the flake attribute path applied on update, e.g. "#hostname"
	// or "github:owner/repo/ref#hostname".
	Flake string `json:"flake"`

	// ConfigurationSubdir is a subdirectory of the checkout the flake and
	// additional files are rooted at.
	//+optional
	ConfigurationSubdir string `json:"configurationSubdir,omitempty"`

	// OnRemoveFlake, if set, is applied via nixos-rebuild switch when this
	// resource is deleted, before the resource is released.
	//+optional
	OnRemoveFlake string `json:"onRemoveFlake,omitempty"`

	// FullInstall requests an initial bare-metal install via nixos-anywhere.
	// Latched by Status.FullDiskInstallCompleted so it only ever runs once.
	//+optional
	FullInstall bool `json:"fullInstall,omitempty"`

	// CredentialsRef names a Secret with `ssh-privatekey` or `token`, used
	// for Git authentication (as opposed to the Machine's SSH credentials).
	//+optional
	CredentialsRef *SecretKeyRef `json:"credentialsRef,omitempty"`

	// AdditionalFiles lists extra files to materialize before applying.
	//+optional
	AdditionalFiles []AdditionalFile `json:"additionalFiles,omitempty"`
}

// NixosConfigurationStatus is owned exclusively by the Configuration reconciler.
type NixosConfigurationStatus struct {
	// AppliedCommit is the Git commit hash of the last successful apply.
	//+optional
	AppliedCommit string `json:"appliedCommit,omitempty"`

	// LastAppliedTime records when AppliedCommit was last advanced.
	//+optional
	LastAppliedTime *metav1.Time `json:"lastAppliedTime,omitempty"`

	// TargetMachine echoes the resolved Machine name at the time of the last apply.
	//+optional
	TargetMachine string `json:"targetMachine,omitempty"`

	// ConfigurationHash is the post-injection checkout directory hash.
	//+optional
	ConfigurationHash string `json:"configurationHash,omitempty"`

	// AdditionalFilesHash is the canonical hash of the AdditionalFiles spec.
	//+optional
	AdditionalFilesHash string `json:"additionalFilesHash,omitempty"`

	// FullDiskInstallCompleted is a monotone latch: once true, nixos-anywhere
	// is never invoked again for this configuration.
	//+optional
	FullDiskInstallCompleted bool `json:"fullDiskInstallCompleted,omitempty"`

	// Conditions represent the latest observations of the reconcile outcome.
	//+optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="Machine",type=string,JSONPath=`.spec.machineRef.name`
//+kubebuilder:printcolumn:name="Commit",type=string,JSONPath=`.status.appliedCommit`
//+kubebuilder:printcolumn:name="FullInstall",type=boolean,JSONPath=`.status.fullDiskInstallCompleted`
//+kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// NixosConfiguration is the Schema for the nixosconfigurations API.
type NixosConfiguration struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   NixosConfigurationSpec   `json:"spec,omitempty"`
	Status NixosConfigurationStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// NixosConfigurationList contains a list of NixosConfiguration.
type NixosConfigurationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []NixosConfiguration `json:"items"`
}

func init() {
	SchemeBuilder.Register(&NixosConfiguration{}, &NixosConfigurationList{})
}

// ConditionApplied is the standard condition type this controller writes.
const ConditionApplied = "Applied"

// Condition reasons used across the reconciler.
const (
	ReasonSuccess            = "Success"
	ReasonRemoved            = "Removed"
	ReasonMissingCredentials = "MissingCredentials"
	ReasonValidationError    = "ValidationError"
	ReasonBuildFailed        = "BuildFailed"
	ReasonTimeout            = "Timeout"
)

// Finalizer is attached so deletion can run the onRemoveFlake apply before release.
const Finalizer = "nio.homystack.com/release"
