// Package artifacts is the Artifact Materializer (C6): it writes a
// NixosConfiguration's additionalFiles into a checkout before the flake is
// evaluated, stages them in the Git index as a best-effort courtesy, and
// reports the post-injection directory hash used for change detection.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
	"github.com/homystack/nio/internal/events"
	"github.com/homystack/nio/internal/workdir"
)

// SecretGetter reads a Secret's data in a given namespace.
type SecretGetter interface {
	GetSecretData(ctx context.Context, namespace, name string) (map[string][]byte, error)
}

// NixosFacts generates the document materialized for AdditionalFileNixosFacter
// entries: machine identity plus any facts recorded by the hardware scanner.
func NixosFacts(machine *niov1alpha1.Machine) map[string]any {
	facts := map[string]any{
		"machine-id": orUnknown(machine.Spec.Hostname),
		"hostname":   orUnknown(machine.Spec.Hostname),
		"ip-address": orUnknown(machine.Spec.IPAddress),
	}

	if machine.Status.HardwareFacts != nil && len(machine.Status.HardwareFacts.Raw) > 0 {
		var extra map[string]any
		if err := json.Unmarshal(machine.Status.HardwareFacts.Raw, &extra); err == nil {
			for k, v := range extra {
				facts[k] = v
			}
		}
	}

	return facts
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Inject materializes spec.AdditionalFiles under repoPath (rooted at
// ConfigurationSubdir, if set), then returns the SHA-256 directory hash of
// that root. owner is the resource events are attributed to.
func Inject(ctx context.Context, repoPath string, spec niov1alpha1.NixosConfigurationSpec, namespace string, machine *niov1alpha1.Machine, secrets SecretGetter, bus *events.Bus, owner niov1alpha1.NixosConfiguration) (string, error) {
	basePath := repoPath
	if spec.ConfigurationSubdir != "" {
		basePath = filepath.Join(repoPath, spec.ConfigurationSubdir)
	}

	if len(spec.AdditionalFiles) == 0 {
		return workdir.DirectoryHash(basePath)
	}

	var injected []string
	for _, file := range spec.AdditionalFiles {
		path := filepath.Join(basePath, file.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("creating directory for %s: %w", file.Path, err)
		}

		switch file.ValueType {
		case niov1alpha1.AdditionalFileInline:
			if err := os.WriteFile(path, []byte(file.Inline), 0o644); err != nil {
				return "", fmt.Errorf("writing inline file %s: %w", file.Path, err)
			}
			injected = append(injected, path)

		case niov1alpha1.AdditionalFileSecretRef:
			if file.SecretRef == nil || file.SecretRef.Name == "" {
				bus.Warn(&owner, events.ReasonInvalidAdditionalFile, "missing secret name for additional file %s", file.Path)
				continue
			}
			ns := file.SecretRef.Namespace
			if ns == "" {
				ns = namespace
			}
			data, err := secrets.GetSecretData(ctx, ns, file.SecretRef.Name)
			if err != nil {
				bus.Warn(&owner, events.ReasonSecretNotFound, "failed to inject secret file %s from %s: %v", file.Path, file.SecretRef.Name, err)
				continue
			}
			content, ok := firstKeySorted(data)
			if !ok {
				bus.Warn(&owner, events.ReasonSecretNotFound, "secret %s is empty for additional file %s", file.SecretRef.Name, file.Path)
				continue
			}
			if err := os.WriteFile(path, content, 0o644); err != nil {
				return "", fmt.Errorf("writing secret-backed file %s: %w", file.Path, err)
			}
			injected = append(injected, path)

		case niov1alpha1.AdditionalFileNixosFacter:
			if machine == nil {
				bus.Warn(&owner, events.ReasonInvalidAdditionalFile, "cannot generate NixosFacter for %s: no machine", file.Path)
				continue
			}
			content, err := json.MarshalIndent(NixosFacts(machine), "", "  ")
			if err != nil {
				return "", fmt.Errorf("encoding nixos facts for %s: %w", file.Path, err)
			}
			if err := os.WriteFile(path, content, 0o644); err != nil {
				return "", fmt.Errorf("writing facts file %s: %w", file.Path, err)
			}
			injected = append(injected, path)
		}
	}

	if len(injected) > 0 {
		stageIntentToAdd(repoPath, injected)
	}

	return workdir.DirectoryHash(basePath)
}

// firstKeySorted returns the value for the lexicographically first key in
// data, matching the Python implementation's next(iter(secret_data.keys()))
// over dict insertion order — Kubernetes Secret.data round-trips as a
// sorted map by the time it reaches client-go, so sorting here reproduces
// the same choice deterministically.
func firstKeySorted(data map[string][]byte) ([]byte, bool) {
	var firstKey string
	found := false
	for k := range data {
		if !found || k < firstKey {
			firstKey = k
			found = true
		}
	}
	if !found {
		return nil, false
	}
	return data[firstKey], true
}

// stageIntentToAdd marks freshly injected files as tracked in the Git
// index without committing them, so a later `git diff`/status inside the
// checkout doesn't show them as untracked. go-git has no --intent-to-add
// flag; a plain Add achieves the same practical effect (the files become
// visible to the index). Failures here are ignored without being logged and
// are never fatal — the directory hash this package returns doesn't depend
// on Git's index at all.
func stageIntentToAdd(repoPath string, files []string) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return
	}
	wt, err := repo.Worktree()
	if err != nil {
		return
	}
	for _, f := range files {
		rel, err := filepath.Rel(repoPath, f)
		if err != nil {
			continue
		}
		_, _ = wt.Add(rel)
	}
}
