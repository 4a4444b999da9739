package gitfetch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type noopSecrets struct{}

func (noopSecrets) GetSecretData(context.Context, string, string) (map[string][]byte, error) {
	return nil, nil
}

func newLocalRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "flake.nix"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if _, err := wt.Add("flake.nix"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com"},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	return dir
}

func TestCloneReusesExistingCheckout(t *testing.T) {
	repoDir := newLocalRepo(t)

	target := t.TempDir()
	path, commit1, err := Clone(context.Background(), "file://"+repoDir, target, "", nil, "default", noopSecrets{})
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if path != target {
		t.Fatalf("expected path %q, got %q", target, path)
	}

	_, commit2, err := Clone(context.Background(), "file://"+repoDir, target, "", nil, "default", noopSecrets{})
	if err != nil {
		t.Fatalf("second Clone: %v", err)
	}
	if commit1 != commit2 {
		t.Fatalf("expected reused checkout to report the same commit, got %q vs %q", commit1, commit2)
	}
}

func TestClonePinnedCommitCheckedOutOnReuse(t *testing.T) {
	repoDir := newLocalRepo(t)

	target := t.TempDir()
	_, commit1, err := Clone(context.Background(), "file://"+repoDir, target, "", nil, "default", noopSecrets{})
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	_, commit2, err := Clone(context.Background(), "file://"+repoDir, target, commit1, nil, "default", noopSecrets{})
	if err != nil {
		t.Fatalf("pinned Clone: %v", err)
	}
	if commit2 != commit1 {
		t.Fatalf("expected pinned clone to land on %q, got %q", commit1, commit2)
	}
}

func TestResolveAuthNilRef(t *testing.T) {
	auth, err := resolveAuth(context.Background(), "https://example.com/repo.git", nil, "default", noopSecrets{})
	if err != nil {
		t.Fatalf("resolveAuth: %v", err)
	}
	if auth != nil {
		t.Fatal("expected nil auth for nil CredentialsRef")
	}
}
