// Package knownhosts implements the Trust-On-First-Use (TOFU) SSH host-key
// store (C3): a single, disk-backed known_hosts file shared by every SSH
// session the controller opens. The first successful connection to a host
// pins its key; every later connection is verified strictly against what
// was pinned.
package knownhosts

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

// Store is a process-wide, mutex-guarded known_hosts file. One Store is
// constructed at startup (from Config.KnownHostsPath) and threaded into
// every reconciler that opens SSH sessions.
type Store struct {
	mu   sync.Mutex
	path string
}

// New creates the known_hosts file (and its parent directory) with
// owner-only permissions if it does not already exist.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	_ = f.Close()
	return &Store{path: path}, nil
}

// Path returns the absolute path SSH sessions should use for strict
// host-key verification.
func (s *Store) Path() string {
	return s.path
}

// hostToken returns the literal text trust_on_first_use/add/clear search
// for: "host" for the default SSH port, "[host]:port" otherwise.
func hostToken(host string, port int) string {
	if port == 0 || port == 22 {
		return host
	}
	return fmt.Sprintf("[%s]:%d", host, port)
}

// TrustOnFirstUse reports whether host has no pinned key yet. When true,
// the caller's SSH session should accept whatever key the host presents
// and record it via AddHostKey; when false, the session must verify
// strictly against the stored entries.
func (s *Store) TrustOnFirstUse(host string, port int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("reading known_hosts: %w", err)
	}

	token := hostToken(host, port)
	text := string(content)
	if strings.Contains(text, host) || strings.Contains(text, token) {
		return false, nil
	}
	return true, nil
}

// AddHostKey appends a host's key to the store. The write is idempotent: a
// byte-identical line already present is not duplicated.
func (s *Store) AddHostKey(host, keyType, base64Key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := fmt.Sprintf("%s %s %s\n", host, keyType, base64Key)

	if content, err := os.ReadFile(s.path); err == nil {
		if strings.Contains(string(content), entry) {
			return nil
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading known_hosts: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening known_hosts for append: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("appending host key: %w", err)
	}
	return nil
}

// ClearHost removes every entry for host, e.g. after a reinstall rotates
// its host key.
func (s *Store) ClearHost(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening known_hosts: %w", err)
	}

	var kept []string
	prefix := host + " "
	bracketed := fmt.Sprintf("[%s]:", host)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) || strings.HasPrefix(line, bracketed) {
			continue
		}
		kept = append(kept, line)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning known_hosts: %w", err)
	}

	out := strings.Join(kept, "\n")
	if len(kept) > 0 {
		out += "\n"
	}
	return os.WriteFile(s.path, []byte(out), 0o600)
}

// HostKeyCallback returns an ssh.HostKeyCallback that implements the TOFU
// policy end to end for a single dial: unknown hosts are accepted and
// pinned, known hosts are verified strictly via the golang.org/x/crypto
// knownhosts backend.
func (s *Store) HostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, portStr, splitErr := net.SplitHostPort(hostname)
		port := 22
		if splitErr == nil {
			if p, err := strconv.Atoi(portStr); err == nil {
				port = p
			}
		} else {
			host = hostname
		}

		first, err := s.TrustOnFirstUse(host, port)
		if err != nil {
			return fmt.Errorf("TOFU lookup failed: %w", err)
		}
		if first {
			return s.AddHostKey(hostToken(host, port), key.Type(), base64.StdEncoding.EncodeToString(key.Marshal()))
		}

		strict, err := xknownhosts.New(s.path)
		if err != nil {
			return fmt.Errorf("loading known_hosts for strict verification: %w", err)
		}
		return strict(hostname, remote, key)
	}
}
