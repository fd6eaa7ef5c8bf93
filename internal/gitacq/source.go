// Package gitacq materializes repositories on local disk, choosing the
// cheapest way to get there: reuse an unchanged clone, update a stale one, or
// clone fresh with a shallow and/or reference strategy.
package gitacq

import (
	"net/url"
	"strings"
)

// Source identifies a repository to acquire.
type Source struct {
	URL string
	// Canonical is the upstream a fork shares objects with. Empty means URL.
	Canonical string
	// Ref is a branch or tag. Empty means the remote default branch.
	Ref string
	// RecentOnly requests just recent history.
	RecentOnly bool
}

// Identity is the normalized URL.
func (s Source) Identity() string { return Normalize(s.URL) }

// CanonicalIdentity is the normalized upstream, or the identity itself.
func (s Source) CanonicalIdentity() string {
	if strings.TrimSpace(s.Canonical) == "" {
		return s.Identity()
	}
	return Normalize(s.Canonical)
}

func (s Source) canonicalURL() string {
	if strings.TrimSpace(s.Canonical) == "" {
		return s.URL
	}
	return s.Canonical
}

type StrategyKind int

const (
	Full StrategyKind = iota
	Shallow
	Reference
	ShallowReference
)

func (k StrategyKind) String() string {
	switch k {
	case Shallow:
		return "shallow"
	case Reference:
		return "reference"
	case ShallowReference:
		return "shallow_reference"
	default:
		return "full"
	}
}

func (k StrategyKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *StrategyKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "shallow":
		*k = Shallow
	case "reference":
		*k = Reference
	case "shallow_reference":
		*k = ShallowReference
	default:
		*k = Full
	}
	return nil
}

type Strategy struct {
	Kind          StrategyKind `json:"kind"`
	Depth         int          `json:"depth,omitempty"`
	ReferencePath string       `json:"reference_path,omitempty"`
}

func (s Strategy) shallow() bool { return s.Kind == Shallow || s.Kind == ShallowReference }

func (s Strategy) reference() bool { return s.Kind == Reference || s.Kind == ShallowReference }

// Acquisition describes a materialized repository.
type Acquisition struct {
	Path             string
	Strategy         Strategy
	BytesTransferred int64
	Reused           bool
	// Fallback is set when the chosen strategy failed and a full clone was used.
	Fallback bool
	Head     string
}

// Normalize maps a repository URL onto a filesystem-safe identity:
//   - https://user@github.com/my/repo.git → github.com/my/repo
//   - git@github.com:my/repo → github.com/my/repo
//   - ssh://git@host/org/repo → host/org/repo
func Normalize(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	raw = strings.TrimSuffix(strings.TrimSuffix(raw, "/"), ".git")

	if strings.Contains(raw, "@") && strings.Contains(raw, ":") && !strings.Contains(raw, "://") {
		parts := strings.SplitN(raw, "@", 2)
		hostPath := strings.Replace(parts[1], ":", "/", 1)
		return strings.Trim(hostPath, "/")
	}

	if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
		return strings.TrimSuffix(parsed.Host+parsed.Path, "/")
	}

	return strings.TrimPrefix(strings.TrimSuffix(raw, "/"), "file://")
}
