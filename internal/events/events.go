// Package events is the Event Bus (C13): it maps the three severities the
// reconcilers care about onto Kubernetes Events attached to the resource
// that triggered them. It is a thin, nil-safe wrapper over
// client-go's record.EventRecorder, matching the teacher's own
// recordEvent helper.
package events

import (
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
)

// Reasons used across the reconcilers, matching spec §6.
const (
	ReasonMissingSSHKey         = "MissingSSHKey"
	ReasonMissingPassword       = "MissingPassword"
	ReasonSecretNotFound        = "SecretNotFound"
	ReasonConfigurationApplied  = "ConfigurationApplied"
	ReasonMachineNotDiscoverable = "MachineNotDiscoverable"
	ReasonBuildFailed           = "BuildFailed"
	ReasonInvalidAdditionalFile = "InvalidAdditionalFile"
)

// Bus emits events against an owning resource. A nil Recorder makes every
// method a safe no-op, so unit tests that construct reconcilers without a
// full manager don't need to stub anything out.
type Bus struct {
	Recorder record.EventRecorder
}

// New wraps recorder (which may be nil) in a Bus.
func New(recorder record.EventRecorder) *Bus {
	return &Bus{Recorder: recorder}
}

// Warn records a Warning event — used for missing/malformed credentials.
func (b *Bus) Warn(obj runtime.Object, reason, messageFmt string, args ...any) {
	if b == nil || b.Recorder == nil {
		return
	}
	b.Recorder.Eventf(obj, "Warning", reason, messageFmt, args...)
}

// Info records a Normal event — used when a configuration is successfully
// applied.
func (b *Bus) Info(obj runtime.Object, reason, messageFmt string, args ...any) {
	if b == nil || b.Recorder == nil {
		return
	}
	b.Recorder.Eventf(obj, "Normal", reason, messageFmt, args...)
}

// Error records a Warning event for a failure, mirroring kopf.exception's
// severity (Kubernetes has no distinct "exception" event type).
func (b *Bus) Error(obj runtime.Object, reason, messageFmt string, args ...any) {
	if b == nil || b.Recorder == nil {
		return
	}
	b.Recorder.Eventf(obj, "Warning", reason, messageFmt, args...)
}
