package gitacq

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"

	"repopulse/internal/cache"
	"repopulse/internal/telemetry"
)

const cloneNamespace = "gitacq.clone"

type Options struct {
	WorkDir           string
	ReferenceDir      string
	ShallowDepth      int
	UseReferenceRepos bool
	MaxRepoBytes      int64
}

// cloneRecord remembers where a source was materialized.
type cloneRecord struct {
	Path      string    `json:"path"`
	Head      string    `json:"head"`
	Strategy  Strategy  `json:"strategy"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Planner struct {
	opts     Options
	remote   Remote
	cache    *cache.Store
	refs     *ReferenceStores
	recorder *telemetry.Recorder
}

func NewPlanner(opts Options, remote Remote, store *cache.Store, recorder *telemetry.Recorder) *Planner {
	p := &Planner{opts: opts, remote: remote, cache: store, recorder: recorder}
	if opts.UseReferenceRepos && opts.ReferenceDir != "" {
		p.refs = NewReferenceStores(opts.ReferenceDir, remote, store)
	}
	return p
}

// Acquire makes src available on local disk.
func (p *Planner) Acquire(ctx context.Context, src Source) (Acquisition, error) {
	if p == nil {
		return Acquisition{}, fmt.Errorf("Acquire: nil planner")
	}
	if ctx == nil {
		return Acquisition{}, fmt.Errorf("Acquire: nil context")
	}
	span := p.recorder.Begin("git.acquire")
	acq, err := p.acquire(ctx, src)
	outcome := acq.Strategy.Kind.String()
	switch {
	case err != nil:
		outcome = telemetry.OutcomeFailure
	case acq.Reused:
		outcome = "reused"
	}
	span.EndWith(outcome, err)
	if err == nil {
		p.recorder.Add("git.bytes_transferred", acq.BytesTransferred)
	}
	return acq, err
}

func (p *Planner) acquire(ctx context.Context, src Source) (Acquisition, error) {
	identity := src.Identity()
	key := cache.Key(cloneNamespace, identity, src.Ref)

	var rec cloneRecord
	found, err := p.cache.GetJSON(key, &rec)
	if err != nil {
		log.WithError(err).WithField("source", identity).Debug("clone record unreadable")
		found = false
	}

	remoteHead, err := p.remote.Head(ctx, src.URL, src.Ref)
	if err != nil {
		return Acquisition{}, err
	}

	if found && exists(rec.Path) {
		acq, ok := p.reuseOrUpdate(ctx, src, rec, remoteHead)
		if ok {
			p.saveRecord(key, acq, rec.SizeBytes)
			return acq, nil
		}
	}

	var prior *cloneRecord
	if found {
		prior = &rec
	}
	dest := p.clonePath(src)
	acq, err := p.cloneFresh(ctx, src, dest, prior)
	if err != nil {
		return Acquisition{}, err
	}
	if acq.Head == "" {
		acq.Head = remoteHead
	}
	size := acq.BytesTransferred
	if acq.Strategy.shallow() && prior != nil {
		size = max(size, prior.SizeBytes)
	}
	p.saveRecord(key, acq, size)
	return acq, nil
}

// clonePath gives every ref of a source its own checkout. The default branch
// keeps the bare identity path.
func (p *Planner) clonePath(src Source) string {
	dir := src.Identity()
	if src.Ref != "" {
		dir += "@" + url.PathEscape(src.Ref)
	}
	return filepath.Join(p.opts.WorkDir, dir)
}

// reuseOrUpdate returns ok=false when the existing clone cannot be brought up
// to date and must be replaced.
func (p *Planner) reuseOrUpdate(ctx context.Context, src Source, rec cloneRecord, remoteHead string) (Acquisition, bool) {
	local, err := p.remote.LocalHead(rec.Path)
	if err == nil && local == remoteHead {
		return Acquisition{Path: rec.Path, Strategy: rec.Strategy, Reused: true, Head: local}, true
	}

	before := objectsSize(rec.Path)
	if err := p.remote.Update(ctx, rec.Path, remoteHead, rec.Strategy.Depth); err != nil {
		log.WithError(err).WithField("path", rec.Path).Warn("updating clone failed, recloning")
		return Acquisition{}, false
	}
	return Acquisition{
		Path:             rec.Path,
		Strategy:         rec.Strategy,
		BytesTransferred: max(objectsSize(rec.Path)-before, 0),
		Head:             remoteHead,
	}, true
}

func (p *Planner) chooseStrategy(ctx context.Context, src Source, prior *cloneRecord) (Strategy, func()) {
	var s Strategy
	release := func() {}

	shallow := p.opts.ShallowDepth > 0 &&
		(src.RecentOnly || (prior != nil && p.opts.MaxRepoBytes > 0 && prior.SizeBytes > p.opts.MaxRepoBytes))
	if shallow {
		s.Kind = Shallow
		s.Depth = p.opts.ShallowDepth
	}

	if p.refs != nil {
		path, rel, err := p.refs.Acquire(ctx, src.canonicalURL())
		if err != nil {
			log.WithError(err).WithField("source", src.CanonicalIdentity()).Warn("reference store unavailable")
		} else {
			release = rel
			s.ReferencePath = path
			if shallow {
				s.Kind = ShallowReference
			} else {
				s.Kind = Reference
			}
		}
	}
	return s, release
}

func (p *Planner) cloneFresh(ctx context.Context, src Source, dest string, prior *cloneRecord) (Acquisition, error) {
	strategy, release := p.chooseStrategy(ctx, src, prior)
	defer release()

	bytes, err := p.cloneInto(ctx, src, dest, strategy)
	if err == nil {
		return Acquisition{Path: dest, Strategy: strategy, BytesTransferred: bytes}, nil
	}
	if strategy.Kind == Full || ctx.Err() != nil {
		return Acquisition{}, err
	}

	log.WithError(err).WithFields(log.Fields{
		"source":   src.Identity(),
		"strategy": strategy.Kind.String(),
	}).Warn("clone failed, falling back to full clone")

	full := Strategy{Kind: Full}
	bytes, err = p.cloneInto(ctx, src, dest, full)
	if err != nil {
		return Acquisition{}, err
	}
	return Acquisition{Path: dest, Strategy: full, BytesTransferred: bytes, Fallback: true}, nil
}

// cloneInto clones into a sibling temp dir and renames it over dest.
func (p *Planner) cloneInto(ctx context.Context, src Source, dest string, s Strategy) (int64, error) {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return 0, fmt.Errorf("create work dir: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".tmp-clone-")
	if err != nil {
		return 0, fmt.Errorf("create clone temp dir: %w", err)
	}

	req := CloneRequest{URL: src.URL, Dir: tmp, Ref: src.Ref}
	if s.shallow() {
		req.Depth = s.Depth
	}
	if s.reference() {
		req.Reference = s.ReferencePath
	}
	if err := p.remote.Clone(ctx, req); err != nil {
		_ = os.RemoveAll(tmp)
		return 0, err
	}

	if err := os.RemoveAll(dest); err != nil {
		_ = os.RemoveAll(tmp)
		return 0, fmt.Errorf("clear clone path: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.RemoveAll(tmp)
		return 0, fmt.Errorf("install clone: %w", err)
	}
	return objectsSize(dest), nil
}

func (p *Planner) saveRecord(key string, acq Acquisition, size int64) {
	head := acq.Head
	if head == "" {
		if h, err := p.remote.LocalHead(acq.Path); err == nil {
			head = h
		}
	}
	rec := cloneRecord{Path: acq.Path, Head: head, Strategy: acq.Strategy, SizeBytes: size, UpdatedAt: time.Now()}
	if err := p.cache.SetJSON(key, rec, 0); err != nil {
		log.WithError(err).WithField("path", acq.Path).Debug("clone record not cached")
	}
}
