package sshsession

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
	"github.com/homystack/nio/internal/events"
)

type fakeSecrets struct {
	data map[string]map[string][]byte // namespace/name -> data
	err  error
}

func (f *fakeSecrets) GetSecretData(_ context.Context, namespace, name string) (map[string][]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.data[namespace+"/"+name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func TestSSHUserDefaultsToRoot(t *testing.T) {
	if got := sshUser(""); got != "root" {
		t.Fatalf("sshUser(\"\") = %q, want root", got)
	}
	if got := sshUser("deploy"); got != "deploy" {
		t.Fatalf("sshUser(\"deploy\") = %q, want deploy", got)
	}
}

func TestWriteKeyFilePermissions(t *testing.T) {
	dir := t.TempDir()
	path, err := writeKeyFile(dir, []byte("fake-key-material"))
	if err != nil {
		t.Fatalf("writeKeyFile: %v", err)
	}
	defer os.Remove(path)

	if filepath.Dir(path) != dir {
		t.Fatalf("key file %q not written under %q", path, dir)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o400 && mode != 0o600 {
		t.Fatalf("unexpected key file mode: %v", mode)
	}
}

func TestResolveKeyAuthMissingKeyField(t *testing.T) {
	machine := &niov1alpha1.Machine{
		Spec: niov1alpha1.MachineSpec{
			Hostname: "host-a",
			SSHKeySecretRef: &niov1alpha1.SecretKeyRef{
				Name: "creds",
			},
		},
	}
	machine.Namespace = "default"

	secrets := &fakeSecrets{data: map[string]map[string][]byte{
		"default/creds": {"some-other-field": []byte("x")},
	}}
	bus := events.New(nil)

	keyFile, auth, ok := resolveKeyAuth(context.Background(), machine, secrets, bus, t.TempDir())
	if ok || auth != nil || keyFile != "" {
		t.Fatalf("expected resolveKeyAuth to fail when ssh-privatekey is absent")
	}
}

func TestResolveKeyAuthSecretNotFound(t *testing.T) {
	machine := &niov1alpha1.Machine{
		Spec: niov1alpha1.MachineSpec{
			Hostname:        "host-a",
			SSHKeySecretRef: &niov1alpha1.SecretKeyRef{Name: "missing"},
		},
	}
	machine.Namespace = "default"

	secrets := &fakeSecrets{data: map[string]map[string][]byte{}}
	bus := events.New(nil)

	_, _, ok := resolveKeyAuth(context.Background(), machine, secrets, bus, t.TempDir())
	if ok {
		t.Fatal("expected resolveKeyAuth to fail when secret is missing")
	}
}

func TestResolvePasswordAuthDefaultKey(t *testing.T) {
	machine := &niov1alpha1.Machine{
		Spec: niov1alpha1.MachineSpec{
			Hostname:             "host-a",
			SSHPasswordSecretRef: &niov1alpha1.SecretKeyRef{Name: "creds"},
		},
	}
	machine.Namespace = "default"

	secrets := &fakeSecrets{data: map[string]map[string][]byte{
		"default/creds": {"password": []byte("hunter2")},
	}}
	bus := events.New(nil)

	auth, ok := resolvePasswordAuth(context.Background(), machine, secrets, bus)
	if !ok || auth == nil {
		t.Fatal("expected password auth to resolve")
	}
}

func TestResolvePasswordAuthCustomKey(t *testing.T) {
	machine := &niov1alpha1.Machine{
		Spec: niov1alpha1.MachineSpec{
			Hostname:             "host-a",
			SSHPasswordSecretRef: &niov1alpha1.SecretKeyRef{Name: "creds", Key: "pw"},
		},
	}
	machine.Namespace = "default"

	secrets := &fakeSecrets{data: map[string]map[string][]byte{
		"default/creds": {"pw": []byte("hunter2")},
	}}
	bus := events.New(nil)

	_, ok := resolvePasswordAuth(context.Background(), machine, secrets, bus)
	if !ok {
		t.Fatal("expected password auth to resolve via custom key")
	}
}

func TestSessionCloseRemovesKeyFile(t *testing.T) {
	dir := t.TempDir()
	path, err := writeKeyFile(dir, []byte("fake-key-material"))
	if err != nil {
		t.Fatalf("writeKeyFile: %v", err)
	}

	s := &Session{keyFile: path}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected key file to be removed, stat err = %v", err)
	}
}
