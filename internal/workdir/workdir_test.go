package workdir

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPath(t *testing.T) {
	got := Path("/tmp/nixos-config", "default", "web1", "acme/infra", "abc123")
	want := "/tmp/nixos-config/default/web1/acme/infra@abc123"
	if got != want {
		t.Fatalf("Path() = %q, want %q", got, want)
	}
}

func TestParseFlakeReferenceGithubPinned(t *testing.T) {
	ref := ParseFlakeReference("github:acme/infra/da39a3ee5e6b4b0d3255bfef95601890afd80709#host1")
	if ref.RepoName != "acme/infra" {
		t.Fatalf("RepoName = %q", ref.RepoName)
	}
	if ref.CommitHash != "da39a3ee5e6b4b0d3255bfef95601890afd80709" {
		t.Fatalf("CommitHash = %q", ref.CommitHash)
	}
	if ref.Attr != "host1" {
		t.Fatalf("Attr = %q", ref.Attr)
	}
}

func TestParseFlakeReferenceGithubFloating(t *testing.T) {
	ref := ParseFlakeReference("github:acme/infra/main#host1")
	if ref.CommitHash != Floating {
		t.Fatalf("expected floating commit hash for a branch ref, got %q", ref.CommitHash)
	}
	if ref.RepoURL != "https://github.com/acme/infra.git" {
		t.Fatalf("RepoURL = %q", ref.RepoURL)
	}
}

func TestParseFlakeReferenceGithubDefault(t *testing.T) {
	ref := ParseFlakeReference("github:acme/infra#host1")
	if ref.CommitHash != Floating {
		t.Fatalf("expected floating when no ref segment present, got %q", ref.CommitHash)
	}
}

func TestParseFlakeReferenceLocal(t *testing.T) {
	ref := ParseFlakeReference(".#host1")
	if ref.RepoName != "local" || ref.CommitHash != "local" {
		t.Fatalf("unexpected local flake parse: %+v", ref)
	}
}

func TestExtractRepoName(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/infra.git": "acme/infra",
		"https://github.com/acme/infra":     "acme/infra",
		"git@github.com:acme/infra.git":     "acme/infra",
	}
	for url, want := range cases {
		if got := ExtractRepoName(url); got != want {
			t.Errorf("ExtractRepoName(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestDirectoryHashDeterministic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.nix"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.nix"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	h1, err := DirectoryHash(dir)
	if err != nil {
		t.Fatalf("DirectoryHash: %v", err)
	}
	h2, err := DirectoryHash(dir)
	if err != nil {
		t.Fatalf("DirectoryHash (2nd): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %q vs %q", h1, h2)
	}
	if h1 == "" {
		t.Fatal("expected non-empty hash for non-empty directory")
	}
}

func TestDirectoryHashMissingDir(t *testing.T) {
	h, err := DirectoryHash(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != "" {
		t.Fatalf("expected empty hash for missing directory, got %q", h)
	}
}

func TestAdditionalFilesHashEmpty(t *testing.T) {
	h, err := AdditionalFilesHash(nil, nil)
	if err != nil {
		t.Fatalf("AdditionalFilesHash: %v", err)
	}
	if h != "" {
		t.Fatalf("expected empty hash for no files, got %q", h)
	}
}

func TestAdditionalFilesHashStableAndSensitive(t *testing.T) {
	files := []AdditionalFileSpec{
		{Path: "a.conf", ValueType: "Inline", Inline: "hello"},
	}
	h1, err := AdditionalFilesHash(files, nil)
	if err != nil {
		t.Fatalf("AdditionalFilesHash: %v", err)
	}
	h2, err := AdditionalFilesHash(files, nil)
	if err != nil {
		t.Fatalf("AdditionalFilesHash: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected stable hash across calls")
	}

	changed := []AdditionalFileSpec{
		{Path: "a.conf", ValueType: "Inline", Inline: "goodbye"},
	}
	h3, err := AdditionalFilesHash(changed, nil)
	if err != nil {
		t.Fatalf("AdditionalFilesHash: %v", err)
	}
	if h1 == h3 {
		t.Fatal("expected hash to change when inline content changes")
	}
}

func TestGCPeerKeepsCurrentRemovesSiblings(t *testing.T) {
	base := t.TempDir()
	current := filepath.Join(base, "infra@commit2")
	stale := filepath.Join(base, "infra@commit1")

	if err := os.MkdirAll(current, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := GCPeer(current, 0); err != nil {
		t.Fatalf("GCPeer: %v", err)
	}

	if _, err := os.Stat(current); err != nil {
		t.Fatalf("expected current workdir to survive: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale peer to be removed, stat err = %v", err)
	}
}

func TestGCPeerRespectsAgeCutoff(t *testing.T) {
	base := t.TempDir()
	current := filepath.Join(base, "infra@commit2")
	fresh := filepath.Join(base, "infra@commit1")

	if err := os.MkdirAll(current, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(fresh, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := GCPeer(current, 24*time.Hour); err != nil {
		t.Fatalf("GCPeer: %v", err)
	}

	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh peer to survive age-gated GC: %v", err)
	}
}
