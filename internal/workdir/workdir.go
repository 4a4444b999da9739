// Package workdir implements the content-addressed checkout layout (C7):
// deterministic paths, directory hashing for change detection, flake
// reference parsing, and peer garbage collection.
package workdir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Path returns the predictable, content-addressed checkout directory for a
// configuration: <base>/<namespace>/<name>/<repoName>@<commitHash>.
func Path(base, namespace, name, repoName, commitHash string) string {
	return filepath.Join(base, namespace, name, fmt.Sprintf("%s@%s", repoName, commitHash))
}

// FlakeRef is the parsed form of a `spec.flake` reference.
type FlakeRef struct {
	RepoName   string
	RepoURL    string
	CommitHash string // a 40-hex commit, Floating, "local" for `.#attr`, or "unknown"
	Attr       string // the `#attr` suffix, if present
}

// Floating is the sentinel CommitHash used when a flake reference names a
// branch or tag rather than a pinned commit, so the caller knows to resolve
// RemoteCommitHash before computing a workdir path.
const Floating = "floating"

var commitHashPattern = regexp.MustCompile(`^[a-f0-9]{40}$`)

// ParseFlakeReference parses `github:owner/repo[/ref]#attr` and local
// `.#attr` flake references.
func ParseFlakeReference(flakeRef string) FlakeRef {
	source, attr, _ := strings.Cut(flakeRef, "#")

	if strings.HasPrefix(flakeRef, ".") {
		return FlakeRef{RepoName: "local", RepoURL: ".", CommitHash: "local", Attr: attr}
	}

	if rest, ok := strings.CutPrefix(source, "github:"); ok {
		parts := strings.Split(rest, "/")
		if len(parts) < 2 {
			return FlakeRef{RepoName: "unknown", RepoURL: source, CommitHash: "unknown", Attr: attr}
		}
		owner, repo := parts[0], parts[1]
		repoName := owner + "/" + repo

		commitHash := Floating
		if len(parts) > 2 && commitHashPattern.MatchString(parts[2]) {
			commitHash = parts[2]
		}

		return FlakeRef{
			RepoName:   repoName,
			RepoURL:    fmt.Sprintf("https://github.com/%s/%s.git", owner, repo),
			CommitHash: commitHash,
			Attr:       attr,
		}
	}

	return FlakeRef{RepoName: "unknown", RepoURL: source, CommitHash: "unknown", Attr: attr}
}

var (
	schemeOrDotGit = regexp.MustCompile(`^https?://`)
	dotGitSuffix   = regexp.MustCompile(`\.git$`)
)

// ExtractRepoName derives an "owner/repo"-style name from a Git URL, used
// to build the content-addressed workdir path when the spec's GitRepo
// isn't a flake reference with one already embedded.
func ExtractRepoName(gitURL string) string {
	clean := schemeOrDotGit.ReplaceAllString(gitURL, "")
	clean = dotGitSuffix.ReplaceAllString(clean, "")

	// scp-like syntax (git@host:owner/repo) — keep only the path portion.
	if idx := strings.Index(clean, ":"); idx >= 0 && !strings.Contains(clean[:idx], "/") {
		clean = clean[idx+1:]
	}

	parts := strings.Split(strings.Trim(clean, "/"), "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return clean
}

// DirectoryHash computes a deterministic SHA-256 over a directory's
// contents: a sorted walk, hashing each file's path (relative to dir) and
// bytes. Unreadable files are skipped rather than failing the hash, mirroring
// the tolerance the original implementation had for permission-denied
// leftovers in a checkout.
func DirectoryHash(dir string) (string, error) {
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("stating %s: %w", dir, err)
	}

	h := sha256.New()

	var walk func(path string) error
	walk = func(path string) error {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			full := filepath.Join(path, entry.Name())
			if entry.IsDir() {
				if err := walk(full); err != nil {
					return err
				}
				continue
			}
			hashFile(h, dir, full)
		}
		return nil
	}

	if err := walk(dir); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(h io.Writer, base, path string) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return
	}
	io.WriteString(h, rel)

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	buf := make([]byte, 8192)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
	}
}

// additionalFileDigest is the canonical shape hashed per AdditionalFiles
// entry. json.Marshal emits these struct fields in declaration order; only
// map values nested inside (such as the NixOS facts) have their keys sorted.
type additionalFileDigest struct {
	Path        string `json:"path"`
	ValueType   string `json:"valueType"`
	Inline      string `json:"inline,omitempty"`
	SecretRef   any    `json:"secretRef,omitempty"`
	NixosFacter any    `json:"nixosFacter,omitempty"`
}

// AdditionalFileSpec is the subset of api/v1alpha1.AdditionalFile that
// feeds the hash, kept decoupled from the CRD types so this package has no
// Kubernetes API dependency.
type AdditionalFileSpec struct {
	Path      string
	ValueType string
	Inline    string
	SecretRef any
}

// AdditionalFilesHash computes the canonical hash of a NixosConfiguration's
// additionalFiles spec. nixosFacts, when non-nil, is embedded for any entry
// with ValueType "NixosFacter" — mirroring how the original implementation
// folds in machine-derived facts so a facts change is also detected.
func AdditionalFilesHash(files []AdditionalFileSpec, nixosFacts map[string]any) (string, error) {
	if len(files) == 0 {
		return "", nil
	}

	digests := make([]additionalFileDigest, 0, len(files))
	for _, f := range files {
		d := additionalFileDigest{Path: f.Path, ValueType: f.ValueType}
		switch f.ValueType {
		case "Inline":
			d.Inline = f.Inline
		case "SecretRef":
			d.SecretRef = f.SecretRef
		case "NixosFacter":
			if nixosFacts != nil {
				d.NixosFacter = nixosFacts
			}
		}
		digests = append(digests, d)
	}

	encoded, err := json.Marshal(digests)
	if err != nil {
		return "", fmt.Errorf("encoding additionalFiles digest: %w", err)
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// GCPeer removes every sibling of keepPath under parent, used to drop
// superseded checkouts (different repoName@commitHash) of the same
// configuration while leaving keepPath itself untouched. olderThan, if
// non-zero, restricts removal to siblings whose mtime predates it.
func GCPeer(keepPath string, olderThan time.Duration) error {
	parent := filepath.Dir(keepPath)
	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", parent, err)
	}

	keepName := filepath.Base(keepPath)
	var cutoff time.Time
	if olderThan > 0 {
		cutoff = time.Now().Add(-olderThan)
	}

	for _, entry := range entries {
		if entry.Name() == keepName {
			continue
		}
		full := filepath.Join(parent, entry.Name())
		if olderThan > 0 {
			info, err := entry.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
		}
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("removing stale peer %s: %w", full, err)
		}
	}
	return nil
}
