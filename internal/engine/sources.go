package engine

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"repopulse/internal/gitacq"
)

// ParseSource turns a command-line selector into a Source.
//
// Accepted forms:
// - owner/repo (GitHub)
// - github.com/owner/repo, https://github.com/owner/repo[.git|/tree/main]
// - git@github.com:owner/repo.git
// - any other URL (https, ssh, git, file) or scp-style remote, used as-is
// - an existing local directory
//
// A trailing "#ref" selects a branch or tag.
func ParseSource(sel string) (gitacq.Source, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return gitacq.Source{}, fmt.Errorf("empty repository selector")
	}
	var ref string
	if i := strings.LastIndex(sel, "#"); i >= 0 {
		sel, ref = strings.TrimSpace(sel[:i]), strings.TrimSpace(sel[i+1:])
		if sel == "" || ref == "" {
			return gitacq.Source{}, fmt.Errorf("invalid repository selector %q; expected <repo>#<ref>", sel+"#"+ref)
		}
	}

	repoURL, err := normalizeRepoSelector(sel)
	if err != nil {
		return gitacq.Source{}, err
	}
	return gitacq.Source{URL: repoURL, Ref: ref}, nil
}

func normalizeRepoSelector(sel string) (string, error) {
	if strings.HasPrefix(sel, "github.com/") || strings.HasPrefix(sel, "www.github.com/") {
		sel = "https://" + sel
	}

	if rest, ok := strings.CutPrefix(sel, "git@github.com:"); ok {
		owner, name, err := splitOwnerRepo(strings.Trim(rest, "/"), sel)
		if err != nil {
			return "", err
		}
		return githubURL(owner, name), nil
	}

	if strings.Contains(sel, "://") {
		u, err := url.Parse(sel)
		if err != nil {
			return "", fmt.Errorf("invalid repository selector %q: %w", sel, err)
		}
		host := strings.ToLower(u.Hostname())
		if host == "www.github.com" {
			host = "github.com"
		}
		if host == "github.com" && (u.Scheme == "https" || u.Scheme == "http") {
			parts := strings.Split(strings.Trim(u.Path, "/"), "/")
			if len(parts) < 2 {
				return "", fmt.Errorf("invalid repository selector %q; expected owner/name", sel)
			}
			owner, name, err := splitOwnerRepo(parts[0]+"/"+parts[1], sel)
			if err != nil {
				return "", err
			}
			return githubURL(owner, name), nil
		}
		if u.Scheme != "file" && u.Host == "" {
			return "", fmt.Errorf("invalid repository selector %q; missing host", sel)
		}
		return sel, nil
	}

	// scp-style remote on another host.
	if at := strings.Index(sel, "@"); at > 0 && strings.Contains(sel[at:], ":") {
		return sel, nil
	}

	if filepath.IsAbs(sel) || strings.HasPrefix(sel, ".") {
		info, err := os.Stat(sel)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("invalid repository selector %q; not a directory", sel)
		}
		abs, err := filepath.Abs(sel)
		if err != nil {
			return "", err
		}
		return abs, nil
	}

	owner, name, err := splitOwnerRepo(sel, sel)
	if err != nil {
		return "", err
	}
	return githubURL(owner, name), nil
}

func splitOwnerRepo(path, sel string) (owner string, name string, err error) {
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid repository selector %q; expected owner/name", sel)
	}
	owner, name = parts[0], strings.TrimSuffix(parts[1], ".git")
	if owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository selector %q; expected owner/name", sel)
	}
	return owner, name, nil
}

func githubURL(owner, name string) string {
	return "https://github.com/" + owner + "/" + name + ".git"
}

// githubRepo reports the owner and name of a github.com source.
func githubRepo(src gitacq.Source) (owner, name string, ok bool) {
	rest, found := strings.CutPrefix(src.Identity(), "github.com/")
	if !found {
		return "", "", false
	}
	owner, name, err := splitOwnerRepo(rest, rest)
	if err != nil {
		return "", "", false
	}
	return owner, name, true
}

// SourceLabel is the short display name of a source: owner/repo for GitHub,
// the normalized identity otherwise, plus any ref.
func SourceLabel(src gitacq.Source) string {
	label := src.Identity()
	if owner, name, ok := githubRepo(src); ok {
		label = owner + "/" + name
	}
	if src.Ref != "" {
		label += "#" + src.Ref
	}
	return label
}

// ReadSourcesFile reads one selector per line. A second whitespace-separated
// field names the upstream the repository shares objects with. Blank lines
// and lines starting with # are ignored.
func ReadSourcesFile(path string) ([]gitacq.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open repos file: %w", err)
	}
	defer f.Close()

	var out []gitacq.Source
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 2 {
			return nil, fmt.Errorf("%s:%d: expected <repo> [<upstream>], got %d fields", path, lineNo, len(fields))
		}
		src, err := ParseSource(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if len(fields) == 2 {
			upstream, err := ParseSource(fields[1])
			if err != nil {
				return nil, fmt.Errorf("%s:%d: upstream: %w", path, lineNo, err)
			}
			src.Canonical = upstream.URL
		}
		out = append(out, src)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read repos file: %w", err)
	}
	return out, nil
}

// ResolveSources parses selectors and the optional repos file, dropping
// duplicates while keeping first-seen order.
func ResolveSources(selectors []string, reposFile string, recentOnly bool) ([]gitacq.Source, error) {
	var out []gitacq.Source
	if strings.TrimSpace(reposFile) != "" {
		fromFile, err := ReadSourcesFile(reposFile)
		if err != nil {
			return nil, err
		}
		out = append(out, fromFile...)
	}
	for _, sel := range selectors {
		src, err := ParseSource(sel)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	for i := range out {
		out[i].RecentOnly = recentOnly
	}
	return dedupeSources(out), nil
}

func dedupeSources(in []gitacq.Source) []gitacq.Source {
	if len(in) <= 1 {
		return in
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]gitacq.Source, 0, len(in))
	for _, s := range in {
		key := s.Identity() + "#" + s.Ref
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
