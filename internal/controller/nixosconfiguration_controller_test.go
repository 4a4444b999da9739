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

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
	"github.com/homystack/nio/internal/errs"
	"github.com/homystack/nio/internal/workdir"
)

func TestValidateSpec_RequiresMachineRef(t *testing.T) {
	spec := niov1alpha1.NixosConfigurationSpec{
		GitRepo: "https://example.com/o/r.git",
		Flake:   "#host",
	}
	if err := validateSpec(spec); err == nil {
		t.Fatal("expected an error for a missing machineRef.name")
	}
}

func TestValidateSpec_RejectsDangerousGitURL(t *testing.T) {
	spec := niov1alpha1.NixosConfigurationSpec{
		MachineRef: niov1alpha1.MachineRef{Name: "web1"},
		GitRepo:    "https://example.com/$(whoami)",
		Flake:      "#host",
	}
	if err := validateSpec(spec); err == nil {
		t.Fatal("expected an error for a git URL containing command substitution")
	}
}

func TestValidateSpec_RejectsDangerousAdditionalFilePath(t *testing.T) {
	spec := niov1alpha1.NixosConfigurationSpec{
		MachineRef: niov1alpha1.MachineRef{Name: "web1"},
		GitRepo:    "https://example.com/o/r.git",
		Flake:      "#host",
		AdditionalFiles: []niov1alpha1.AdditionalFile{
			{Path: "etc/foo;rm -rf /", ValueType: niov1alpha1.AdditionalFileInline, Inline: "x"},
		},
	}
	if err := validateSpec(spec); err == nil {
		t.Fatal("expected an error for a path containing a shell metacharacter")
	}
}

func TestValidateSpec_Accepts(t *testing.T) {
	spec := niov1alpha1.NixosConfigurationSpec{
		MachineRef: niov1alpha1.MachineRef{Name: "web1"},
		GitRepo:    "https://example.com/o/r.git",
		Flake:      "#host",
		AdditionalFiles: []niov1alpha1.AdditionalFile{
			{Path: "etc/nixos/extra.nix", ValueType: niov1alpha1.AdditionalFileInline, Inline: "{ }"},
		},
	}
	if err := validateSpec(spec); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestFlakeTarget_NoAttr(t *testing.T) {
	got := flakeTarget("/tmp/checkout", workdir.FlakeRef{})
	if got != "/tmp/checkout" {
		t.Fatalf("expected bare checkout path, got %q", got)
	}
}

func TestFlakeTarget_WithAttr(t *testing.T) {
	got := flakeTarget("/tmp/checkout", workdir.FlakeRef{Attr: "web1"})
	if got != "/tmp/checkout#web1" {
		t.Fatalf("expected checkout path with attr suffix, got %q", got)
	}
}

func TestApplyFailureReason_Timeout(t *testing.T) {
	err := &errs.TimeoutError{Command: "nixos-rebuild", Timeout: "1h0m0s"}
	if got := applyFailureReason(err); got != niov1alpha1.ReasonTimeout {
		t.Fatalf("expected %q, got %q", niov1alpha1.ReasonTimeout, got)
	}
}

func TestApplyFailureReason_CommandFailure(t *testing.T) {
	err := &errs.ExternalCommandFailure{Command: "nixos-rebuild", ExitCode: 1, StderrTail: "boom"}
	if got := applyFailureReason(err); got != niov1alpha1.ReasonBuildFailed {
		t.Fatalf("expected %q, got %q", niov1alpha1.ReasonBuildFailed, got)
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", &errs.TimeoutError{Command: "c", Timeout: "1s"}, "timeout"},
		{"command failure", &errs.ExternalCommandFailure{Command: "c", ExitCode: 1}, "command_failure"},
		{"other", errsGeneric(), "error"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := errorKind(c.err); got != c.want {
				t.Fatalf("errorKind() = %q, want %q", got, c.want)
			}
		})
	}
}

func errsGeneric() error {
	return &errs.ValidationError{Field: "x", Reason: "y"}
}

func TestToAdditionalFileSpecs(t *testing.T) {
	files := []niov1alpha1.AdditionalFile{
		{Path: "a", ValueType: niov1alpha1.AdditionalFileInline, Inline: "content"},
		{Path: "b", ValueType: niov1alpha1.AdditionalFileSecretRef, SecretRef: &niov1alpha1.SecretKeyRef{Name: "s"}},
	}
	specs := toAdditionalFileSpecs(files)
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].Inline != "content" {
		t.Fatalf("expected inline content to carry over, got %q", specs[0].Inline)
	}
	if specs[1].SecretRef == nil {
		t.Fatal("expected secretRef to carry over")
	}
}
