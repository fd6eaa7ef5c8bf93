package gitacq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/apex/log"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/memory"
	perrors "github.com/jmgilman/go/errors"
	"github.com/jmgilman/go/exec"

	"repopulse/internal/faults"
)

// CloneRequest describes one clone.
type CloneRequest struct {
	URL string
	Dir string
	Ref string
	// Depth > 0 requests a shallow clone.
	Depth int
	// Reference borrows objects from a local store.
	Reference string
	// Mirror creates a bare mirror.
	Mirror bool
}

// Remote is the git transport used by the planner.
type Remote interface {
	// Head resolves ref (or the default branch) on the remote without
	// transferring objects.
	Head(ctx context.Context, url, ref string) (string, error)
	Clone(ctx context.Context, req CloneRequest) error
	// Update fetches into an existing clone and hard-resets it to want.
	Update(ctx context.Context, dir, want string, depth int) error
	LocalHead(dir string) (string, error)
}

// GitRemote uses go-git for everything it supports and the git CLI for
// --reference clones.
type GitRemote struct {
	Auth transport.AuthMethod
	// Token, when set, is passed to the git CLI as an HTTP authorization header.
	Token string
	exec  *exec.Command
}

func NewGitRemote(auth transport.AuthMethod, token string) *GitRemote {
	return &GitRemote{Auth: auth, Token: token, exec: exec.New(exec.WithInheritEnv(), exec.WithDisableColors())}
}

func (g *GitRemote) Head(ctx context.Context, url, ref string) (string, error) {
	rem := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{Name: "origin", URLs: []string{url}})
	refs, err := rem.ListContext(ctx, &gogit.ListOptions{Auth: g.Auth})
	if err != nil {
		return "", classify(err, "ls-remote "+url)
	}

	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, r := range refs {
		byName[r.Name()] = r
	}

	candidates := []plumbing.ReferenceName{plumbing.HEAD}
	if ref != "" {
		candidates = []plumbing.ReferenceName{
			plumbing.NewBranchReferenceName(ref),
			plumbing.NewTagReferenceName(ref),
			plumbing.ReferenceName(ref),
		}
	}
	for _, name := range candidates {
		r, ok := byName[name]
		if !ok {
			continue
		}
		// Follow symbolic refs (HEAD -> refs/heads/main).
		for hops := 0; r != nil && r.Type() == plumbing.SymbolicReference && hops < 5; hops++ {
			r = byName[r.Target()]
		}
		if r != nil && !r.Hash().IsZero() {
			return r.Hash().String(), nil
		}
	}
	return "", faults.Permanent(perrors.CodeNotFound, fmt.Sprintf("ref %q not found on %s", ref, url))
}

func (g *GitRemote) Clone(ctx context.Context, req CloneRequest) error {
	if req.Reference != "" {
		return g.cloneWithReference(ctx, req)
	}
	opts := &gogit.CloneOptions{
		URL:    req.URL,
		Auth:   g.Auth,
		Mirror: req.Mirror,
	}
	if req.Depth > 0 {
		opts.Depth = req.Depth
		opts.SingleBranch = true
	}
	if req.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(req.Ref)
	}
	_, err := gogit.PlainCloneContext(ctx, req.Dir, req.Mirror, opts)
	if err != nil && req.Ref != "" && errors.Is(err, plumbing.ErrReferenceNotFound) {
		// Ref may be a tag.
		opts.ReferenceName = plumbing.NewTagReferenceName(req.Ref)
		_, err = gogit.PlainCloneContext(ctx, req.Dir, req.Mirror, opts)
	}
	return classify(err, "clone "+req.URL)
}

// referenceClone builds the git arguments and extra environment for a
// --reference clone. The token travels in GIT_CONFIG_* variables so it never
// shows up in the process list.
func (g *GitRemote) referenceClone(req CloneRequest) ([]string, map[string]string) {
	args := []string{"clone", "--quiet", "--reference", req.Reference}
	if req.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(req.Depth))
	}
	if req.Ref != "" {
		args = append(args, "--branch", req.Ref)
	}
	args = append(args, req.URL, req.Dir)

	env := map[string]string{}
	if g.Token != "" {
		env["GIT_CONFIG_COUNT"] = "1"
		env["GIT_CONFIG_KEY_0"] = "http.extraHeader"
		env["GIT_CONFIG_VALUE_0"] = "Authorization: Bearer " + g.Token
	}
	return args, env
}

// go-git cannot clone with alternates, so --reference goes through git.
func (g *GitRemote) cloneWithReference(ctx context.Context, req CloneRequest) error {
	args, env := g.referenceClone(req)
	git := exec.NewWrapper(g.exec.Clone(), "git")
	git.WithEnv(env)
	res, err := git.WithContext(ctx).Run(args...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stderr := ""
		if res != nil {
			stderr = strings.TrimSpace(res.Stderr)
		}
		log.WithFields(log.Fields{"url": req.URL, "stderr": stderr}).Debug("git clone --reference failed")
		return faults.Transient(err, "git clone --reference "+req.URL)
	}
	return nil
}

func (g *GitRemote) Update(ctx context.Context, dir, want string, depth int) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return classify(err, "open "+dir)
	}
	opts := &gogit.FetchOptions{RemoteName: "origin", Auth: g.Auth, Force: true}
	if depth > 0 {
		opts.Depth = depth
	}
	if err := repo.FetchContext(ctx, opts); err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return classify(err, "fetch "+dir)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return classify(err, "worktree "+dir)
	}
	if err := wt.Reset(&gogit.ResetOptions{Commit: plumbing.NewHash(want), Mode: gogit.HardReset}); err != nil {
		return classify(err, "reset "+dir)
	}
	return nil
}

func (g *GitRemote) LocalHead(dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", classify(err, "open "+dir)
	}
	head, err := repo.Head()
	if err != nil {
		return "", classify(err, "head "+dir)
	}
	return head.Hash().String(), nil
}

// classify maps go-git errors onto the fault taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, gogit.ErrRepositoryNotExists),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return fmt.Errorf("%s: %w", op, perrors.Wrap(err, perrors.CodeNotFound, "repository or ref not found"))
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%s: %w", op, perrors.Wrap(err, perrors.CodeUnauthorized, "git authentication failed"))
	}
	return faults.Transient(err, op)
}
