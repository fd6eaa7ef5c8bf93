package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io/fs"
	"net/http"
	"path/filepath"
	"time"

	"github.com/apex/log"

	"repopulse/internal/fetcher"
	"repopulse/internal/gitacq"
	"repopulse/internal/memory"
	"repopulse/internal/telemetry"
)

// Acquirer materializes a source on local disk.
type Acquirer interface {
	Acquire(ctx context.Context, src gitacq.Source) (gitacq.Acquisition, error)
}

// Requester issues an outbound request and waits for its response.
type Requester interface {
	Do(ctx context.Context, req fetcher.Request) (fetcher.Response, error)
}

// RepoMetadata is the subset of hosting metadata the analysis keeps.
type RepoMetadata struct {
	FullName      string    `json:"full_name"`
	DefaultBranch string    `json:"default_branch"`
	Stars         int       `json:"stargazers_count"`
	SizeKB        int64     `json:"size"`
	PushedAt      time.Time `json:"pushed_at"`
	Cached        bool      `json:"-"`
}

// Analysis is the value a successful item produces.
type Analysis struct {
	Source        string        `json:"source"`
	Path          string        `json:"path"`
	Head          string        `json:"head"`
	Strategy      string        `json:"strategy"`
	Reused        bool          `json:"reused"`
	Fallback      bool          `json:"fallback"`
	Files         int           `json:"files"`
	Bytes         int64         `json:"bytes"`
	StreamedFiles int           `json:"streamed_files"`
	Digest        string        `json:"digest"`
	Metadata      *RepoMetadata `json:"metadata,omitempty"`
}

// Analyzer acquires a repository, digests its working tree and fetches its
// hosting metadata through the batcher.
type Analyzer struct {
	Acquirer  Acquirer
	Requester Requester
	Governor  *memory.Governor
	Recorder  *telemetry.Recorder
	// Target names the API host metadata requests are budgeted against.
	Target string
}

// Analyze is a WorkFunc.
func (a *Analyzer) Analyze(ctx context.Context, item WorkItem) (any, error) {
	if a == nil || a.Acquirer == nil {
		return nil, fmt.Errorf("Analyze: analyzer not configured")
	}
	acq, err := a.Acquirer.Acquire(ctx, item.Source)
	if err != nil {
		return nil, fmt.Errorf("git.acquire: %w", err)
	}
	res := &Analysis{
		Source:   SourceLabel(item.Source),
		Path:     acq.Path,
		Head:     acq.Head,
		Strategy: acq.Strategy.Kind.String(),
		Reused:   acq.Reused,
		Fallback: acq.Fallback,
	}

	span := a.Recorder.Begin("analysis.walk")
	err = a.walk(ctx, acq.Path, res)
	span.End(err)
	if err != nil {
		return nil, fmt.Errorf("analysis.walk: %w", err)
	}

	if owner, name, ok := githubRepo(item.Source); ok && a.Requester != nil {
		md, err := a.fetchMetadata(ctx, owner, name)
		if err != nil {
			return nil, fmt.Errorf("api.fetch %s/%s: %w", owner, name, err)
		}
		res.Metadata = md
	}
	return res, nil
}

func (a *Analyzer) walk(ctx context.Context, root string, res *Analysis) error {
	digest := sha256.New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		digest.Write([]byte(filepath.ToSlash(rel)))
		digest.Write([]byte{0})

		n, streamed, err := a.digestFile(ctx, path, info.Size(), digest)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		res.Files++
		res.Bytes += n
		if streamed {
			res.StreamedFiles++
		}
		return nil
	})
	if err != nil {
		return err
	}
	res.Digest = hex.EncodeToString(digest.Sum(nil))
	return nil
}

// digestFile loads small files whole and streams large ones in fixed chunks.
func (a *Analyzer) digestFile(ctx context.Context, path string, size int64, h hash.Hash) (int64, bool, error) {
	src := memory.File(path)
	if !a.Governor.ShouldStream(size) {
		data, err := a.Governor.Load(src)
		if err == nil {
			h.Write(data)
			return int64(len(data)), false, nil
		}
		if !errors.Is(err, memory.ErrTooLarge) {
			return 0, false, err
		}
		// The file grew past the threshold since it was stat'ed.
	}

	var n int64
	for chunk, err := range a.Governor.Stream(src).Chunks() {
		if err != nil {
			return n, true, err
		}
		if err := ctx.Err(); err != nil {
			return n, true, err
		}
		h.Write(chunk)
		n += int64(len(chunk))
	}
	return n, true, nil
}

func (a *Analyzer) fetchMetadata(ctx context.Context, owner, name string) (*RepoMetadata, error) {
	resp, err := a.Requester.Do(ctx, fetcher.Request{
		Target: a.Target,
		Method: http.MethodGet,
		Path:   "repos/" + owner + "/" + name,
	})
	AddRetries(ctx, resp.Retries)
	if err != nil {
		return nil, err
	}
	var md RepoMetadata
	if err := json.Unmarshal(resp.Body, &md); err != nil {
		return nil, fmt.Errorf("decode repository metadata: %w", err)
	}
	md.Cached = resp.Cached
	log.WithFields(log.Fields{
		"repo":   md.FullName,
		"cached": resp.Cached,
	}).Debug("fetched repository metadata")
	return &md, nil
}
