// Package sshsession is the SSH Session Factory (C4): given a Machine spec
// it resolves credentials in priority order (key, then password, then
// none), opens an authenticated session verified against the shared
// Known-Hosts Store, and hands back a handle whose Close deletes any
// temporary key file it wrote — on every exit path, per invariant I5.
package sshsession

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
	"github.com/homystack/nio/internal/events"
	"github.com/homystack/nio/internal/knownhosts"
)

// SecretGetter reads a Secret's data in a given namespace. Implemented by
// the K8s API Adapter (C1); kept as an interface here so leaf packages
// don't import controller-runtime's client directly.
type SecretGetter interface {
	GetSecretData(ctx context.Context, namespace, name string) (map[string][]byte, error)
}

// Config carries the knobs the factory needs that aren't part of the
// Machine spec itself.
type Config struct {
	// KeyDir is where temporary private-key files are written. Prefer a
	// tmpfs-backed directory (e.g. /dev/shm/...) so keys never touch a
	// persistent disk; falls back to os.TempDir() if KeyDir can't be
	// created.
	KeyDir string
	// DialTimeout bounds the TCP+handshake phase of Dial.
	DialTimeout time.Duration
}

// Session wraps an open *ssh.Client plus the temporary key file (if any)
// that authenticated it.
type Session struct {
	Client  *ssh.Client
	keyFile string
}

// Close closes the SSH connection and removes the temporary key file, if
// one was written. It is safe to call multiple times.
func (s *Session) Close() error {
	var err error
	if s.Client != nil {
		err = s.Client.Close()
		s.Client = nil
	}
	if s.keyFile != "" {
		_ = os.Remove(s.keyFile)
		s.keyFile = ""
	}
	return err
}

const defaultSSHPort = 22

// Dial resolves credentials for machine in priority order and opens an
// authenticated, TOFU-verified SSH session to it. Credential events are
// attributed to machine; bus may be nil, in which case no events are
// emitted.
func Dial(ctx context.Context, machine *niov1alpha1.Machine, secrets SecretGetter, store *knownhosts.Store, bus *events.Bus, cfg Config) (*Session, error) {
	spec := machine.Spec

	sshConfig := &ssh.ClientConfig{
		User:            sshUser(spec.SSHUser),
		HostKeyCallback: store.HostKeyCallback(),
		Timeout:         cfg.DialTimeout,
	}

	keyFile, authMethod, hasCredentials := resolveKeyAuth(ctx, machine, secrets, bus, cfg.KeyDir)
	if hasCredentials {
		sshConfig.Auth = []ssh.AuthMethod{authMethod}
	} else if passwordAuth, ok := resolvePasswordAuth(ctx, machine, secrets, bus); ok {
		sshConfig.Auth = []ssh.AuthMethod{passwordAuth}
		hasCredentials = true
	}
	_ = hasCredentials // connection without authentication is a valid tier

	host := machine.Spec.Hostname
	if machine.Spec.IPAddress != "" {
		host = machine.Spec.IPAddress
	}
	addr := fmt.Sprintf("%s:%d", host, defaultSSHPort)

	client, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		if keyFile != "" {
			_ = os.Remove(keyFile)
		}
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	return &Session{Client: client, keyFile: keyFile}, nil
}

func sshUser(user string) string {
	if user == "" {
		return "root"
	}
	return user
}

// resolveKeyAuth attempts the sshKeySecretRef credential tier. It returns
// the temporary key file path (caller owns its deletion), an AuthMethod,
// and whether the tier produced usable credentials.
func resolveKeyAuth(ctx context.Context, machine *niov1alpha1.Machine, secrets SecretGetter, bus *events.Bus, keyDir string) (string, ssh.AuthMethod, bool) {
	ref := machine.Spec.SSHKeySecretRef
	if ref == nil {
		return "", nil, false
	}

	namespace := ref.Namespace
	if namespace == "" {
		namespace = machine.Namespace
	}

	data, err := secrets.GetSecretData(ctx, namespace, ref.Name)
	if err != nil {
		bus.Warn(machine, events.ReasonSecretNotFound, "failed to get SSH key from secret %s: %v", ref.Name, err)
		return "", nil, false
	}

	keyBytes, ok := data["ssh-privatekey"]
	if !ok || len(keyBytes) == 0 {
		bus.Warn(machine, events.ReasonMissingSSHKey, "secret %s exists but doesn't contain 'ssh-privatekey'", ref.Name)
		return "", nil, false
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		bus.Warn(machine, events.ReasonMissingSSHKey, "secret %s contains an unparsable ssh-privatekey: %v", ref.Name, err)
		return "", nil, false
	}

	keyFile, err := writeKeyFile(keyDir, keyBytes)
	if err != nil {
		bus.Warn(machine, events.ReasonMissingSSHKey, "failed to stage SSH key from secret %s: %v", ref.Name, err)
		return "", nil, false
	}

	return keyFile, ssh.PublicKeys(signer), true
}

// resolvePasswordAuth attempts the sshPasswordSecretRef credential tier.
func resolvePasswordAuth(ctx context.Context, machine *niov1alpha1.Machine, secrets SecretGetter, bus *events.Bus) (ssh.AuthMethod, bool) {
	ref := machine.Spec.SSHPasswordSecretRef
	if ref == nil {
		return nil, false
	}

	namespace := ref.Namespace
	if namespace == "" {
		namespace = machine.Namespace
	}

	data, err := secrets.GetSecretData(ctx, namespace, ref.Name)
	if err != nil {
		bus.Warn(machine, events.ReasonSecretNotFound, "failed to get password from secret %s: %v", ref.Name, err)
		return nil, false
	}

	key := ref.Key
	if key == "" {
		key = "password"
	}

	password, ok := data[key]
	if !ok || len(password) == 0 {
		bus.Warn(machine, events.ReasonMissingPassword, "secret %s exists but doesn't contain %q", ref.Name, key)
		return nil, false
	}

	return ssh.Password(string(password)), true
}

// writeKeyFile stages key material in keyDir (creating it if needed),
// falling back to the OS temp directory. Mode 0400 is applied where the
// platform allows owner-read-only files; otherwise 0600.
func writeKeyFile(keyDir string, key []byte) (string, error) {
	dir := keyDir
	if dir == "" {
		dir = os.TempDir()
	} else if err := os.MkdirAll(dir, 0o700); err != nil {
		dir = os.TempDir()
	}

	f, err := os.CreateTemp(dir, "ssh_key_*")
	if err != nil {
		return "", fmt.Errorf("creating temp key file: %w", err)
	}

	content := strings.TrimRight(string(key), "\n") + "\n"
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing temp key file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing temp key file: %w", err)
	}

	if err := os.Chmod(f.Name(), 0o400); err != nil {
		_ = os.Chmod(f.Name(), 0o600)
	}

	return f.Name(), nil
}

// KeyFilePath exposes the temporary identity file path (empty if the
// session authenticated without a key), so callers composing
// NIX_SSHOPTS/-i arguments for the External Runner can reuse it instead of
// re-fetching the secret.
func (s *Session) KeyFilePath() string {
	return s.keyFile
}

// Probe runs a lightweight reachability check over the session: an
// `echo sentinel` round trip, matching the Machine discovery timer.
func Probe(session *Session) error {
	sess, err := session.Client.NewSession()
	if err != nil {
		return fmt.Errorf("opening probe session: %w", err)
	}
	defer sess.Close()

	out, err := sess.Output(`echo "machine_available"`)
	if err != nil {
		return fmt.Errorf("probe command failed: %w", err)
	}
	if strings.TrimSpace(string(out)) != "machine_available" {
		return fmt.Errorf("unexpected probe output: %q", out)
	}
	return nil
}

// StageKeyFromSecret writes the "ssh-privatekey" entry of data to a
// temporary file in keyDir, for callers (like the External Runner's
// nixos-rebuild/nixos-anywhere invocations) that need an identity file
// path rather than an ssh.AuthMethod. The caller owns deleting the
// returned path.
func StageKeyFromSecret(keyDir string, data map[string][]byte) (string, error) {
	key, ok := data["ssh-privatekey"]
	if !ok || len(key) == 0 {
		return "", fmt.Errorf("secret has no ssh-privatekey entry")
	}
	return writeKeyFile(keyDir, key)
}

// PathJoinKeyDir is a small helper so callers that need to precompute a
// candidate key-dir path (e.g. for config validation) don't reach for
// path/filepath directly.
func PathJoinKeyDir(base, name string) string {
	return filepath.Join(base, name)
}
