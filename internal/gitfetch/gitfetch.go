// Package gitfetch is the Git Fetcher (C5): it resolves a remote commit
// hash and clones (or reuses) a checkout at a content-addressed path,
// using go-git instead of shelling out to git(1).
package gitfetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gogitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	crypto_ssh "golang.org/x/crypto/ssh"

	niov1alpha1 "github.com/homystack/nio/api/v1alpha1"
	"github.com/homystack/nio/internal/errs"
)

// classifyTransient marks a failure from a remote Git operation as
// retryable when it looks network-ish: a dial timeout, connection refusal,
// or a go-git transport-layer error talking to the remote. Authentication
// and authorization failures are left alone since retrying them with the
// same credentials just fails again.
func classifyTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, transport.ErrAuthenticationRequired) ||
		errors.Is(err, transport.ErrAuthorizationFailed) ||
		errors.Is(err, transport.ErrInvalidAuthMethod) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, transport.ErrEmptyRemoteRepository) ||
		errors.Is(err, transport.ErrRepositoryNotFound) ||
		errors.Is(err, context.DeadlineExceeded) {
		return &errs.TransientIOError{Op: op, Err: err}
	}
	return err
}

// SecretGetter reads a Secret's data in a given namespace.
type SecretGetter interface {
	GetSecretData(ctx context.Context, namespace, name string) (map[string][]byte, error)
}

// resolveAuth builds a go-git transport.AuthMethod from a NixosConfiguration's
// CredentialsRef. A nil ref (or one that resolves to nothing) means the
// repository is fetched unauthenticated, which is valid for public repos.
func resolveAuth(ctx context.Context, url string, ref *niov1alpha1.SecretKeyRef, namespace string, secrets SecretGetter) (transport.AuthMethod, error) {
	if ref == nil {
		return nil, nil
	}

	ns := ref.Namespace
	if ns == "" {
		ns = namespace
	}

	data, err := secrets.GetSecretData(ctx, ns, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("reading git credentials secret %s: %w", ref.Name, err)
	}

	if key, ok := data["ssh-privatekey"]; ok && len(key) > 0 {
		signer, err := crypto_ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh-privatekey in secret %s: %w", ref.Name, err)
		}
		auth := &gogitssh.PublicKeys{User: "git", Signer: signer}
		auth.HostKeyCallback = crypto_ssh.InsecureIgnoreHostKey()
		return auth, nil
	}

	if token, ok := data["token"]; ok && len(token) > 0 {
		return &gogithttp.BasicAuth{Username: "git", Password: string(token)}, nil
	}

	return nil, fmt.Errorf("credentials secret %s has neither ssh-privatekey nor token", ref.Name)
}

// RemoteCommitHash resolves the commit HEAD currently points at on the
// remote's default branch, equivalent to `git ls-remote`.
func RemoteCommitHash(ctx context.Context, url string, credRef *niov1alpha1.SecretKeyRef, namespace string, secrets SecretGetter) (string, error) {
	auth, err := resolveAuth(ctx, url, credRef, namespace, secrets)
	if err != nil {
		return "", err
	}

	remote := git.NewRemote(nil, &config.RemoteConfig{Name: "origin", URLs: []string{url}})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return "", classifyTransient(fmt.Sprintf("listing remote refs for %s", url), err)
	}

	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD {
			target := ref.Target()
			for _, candidate := range refs {
				if candidate.Name() == target {
					return candidate.Hash().String(), nil
				}
			}
		}
	}
	for _, ref := range refs {
		if ref.Name() == "refs/heads/main" || ref.Name() == "refs/heads/master" {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoDefaultBranch, url)
}

// Clone checks out url at targetPath, landing on commitHash if one is
// given. If targetPath already contains a checkout at the expected commit
// (the content-addressed reuse path), it is returned unchanged rather than
// re-cloned; if it exists at some other commit, it is moved onto commitHash
// in place via CheckoutCommit rather than re-cloned from scratch. An empty
// commitHash means "whatever the default branch tip is": the caller has no
// commit to pin, and a shallow single-branch clone is made. Returns the path
// and the commit hash actually checked out.
func Clone(ctx context.Context, url, targetPath, commitHash string, credRef *niov1alpha1.SecretKeyRef, namespace string, secrets SecretGetter) (string, string, error) {
	if existing, err := git.PlainOpen(targetPath); err == nil {
		if head, err := existing.Head(); err == nil {
			if commitHash == "" || head.Hash().String() == commitHash {
				return targetPath, head.Hash().String(), nil
			}
			if err := CheckoutCommit(targetPath, commitHash); err == nil {
				return targetPath, commitHash, nil
			}
		}
	}

	auth, err := resolveAuth(ctx, url, credRef, namespace, secrets)
	if err != nil {
		return "", "", err
	}

	if err := os.RemoveAll(targetPath); err != nil {
		return "", "", fmt.Errorf("clearing stale checkout at %s: %w", targetPath, err)
	}

	cloneOpts := &git.CloneOptions{URL: url, Auth: auth}
	if commitHash == "" {
		// No pinned commit to land on: a shallow clone of the default
		// branch tip is all the caller needs.
		cloneOpts.SingleBranch = true
		cloneOpts.Depth = 1
	}

	repo, err := git.PlainCloneContext(ctx, targetPath, false, cloneOpts)
	if err != nil {
		return "", "", classifyTransient(fmt.Sprintf("cloning %s", url), err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", "", fmt.Errorf("reading HEAD of freshly cloned %s: %w", url, err)
	}

	if commitHash != "" && head.Hash().String() != commitHash {
		if err := CheckoutCommit(targetPath, commitHash); err != nil {
			return "", "", fmt.Errorf("checking out pinned commit %s of %s: %w", commitHash, url, err)
		}
		return targetPath, commitHash, nil
	}

	return targetPath, head.Hash().String(), nil
}

// CheckoutCommit hard-resets an existing checkout to commit. Clone calls
// this itself when a checkout's HEAD doesn't already match the requested
// commit hash.
func CheckoutCommit(repoPath, commit string) error {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return fmt.Errorf("opening checkout at %s: %w", repoPath, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree at %s: %w", repoPath, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{
		Hash:  plumbing.NewHash(commit),
		Force: true,
	}); err != nil {
		return fmt.Errorf("checking out %s at %s: %w", commit, repoPath, err)
	}
	return nil
}

// ErrNoDefaultBranch is returned when RemoteCommitHash cannot find HEAD, main, or master.
var ErrNoDefaultBranch = errors.New("no default branch found")
