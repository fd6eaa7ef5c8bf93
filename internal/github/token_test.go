package github

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// installGH puts a shell-script gh stub first on PATH.
func installGH(t *testing.T, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test uses a shell script gh stub")
	}
	tmp := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmp, "gh"), []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("WriteFile gh stub failed: %v", err)
	}
	t.Setenv("PATH", tmp)
}

func TestResolveAuthToken_Precedence(t *testing.T) {
	tests := []struct {
		name     string
		provided string
		env      string
		ghEnv    string
		gh       string
		wantTok  string
		wantSrc  AuthTokenSource
	}{
		{name: "explicit beats env and gh", provided: " explicit ", env: "env-token", gh: "echo gh-token\n", wantTok: "explicit", wantSrc: AuthTokenSourceExplicit},
		{name: "env beats gh", env: " env-token\n", gh: "echo gh-token\n", wantTok: "env-token", wantSrc: AuthTokenSourceEnv},
		{name: "GH_TOKEN when GITHUB_TOKEN empty", ghEnv: "gh-env-token", gh: "echo gh-token\n", wantTok: "gh-env-token", wantSrc: AuthTokenSourceGHEnv},
		{name: "GITHUB_TOKEN beats GH_TOKEN", env: "env-token", ghEnv: "gh-env-token", wantTok: "env-token", wantSrc: AuthTokenSourceEnv},
		{name: "gh when env empty", gh: "echo gh-token\n", wantTok: "gh-token", wantSrc: AuthTokenSourceGitHubCL},
		{name: "gh runs without a pager", gh: "echo \"$GH_PAGER-token\"\n", wantTok: "cat-token", wantSrc: AuthTokenSourceGitHubCL},
		{name: "gh logged out", gh: "echo 'not logged in' >&2\nexit 1\n"},
		{name: "gh prints nothing", gh: "exit 0\n"},
		{name: "no gh installed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GITHUB_TOKEN", tt.env)
			t.Setenv("GH_TOKEN", tt.ghEnv)
			if tt.gh != "" {
				installGH(t, tt.gh)
			} else {
				t.Setenv("PATH", t.TempDir())
			}

			tok, src, err := ResolveAuthToken(context.Background(), tt.provided)
			if err != nil {
				t.Fatalf("ResolveAuthToken error: %v", err)
			}
			if tok != tt.wantTok {
				t.Fatalf("Expected token %q, got %q", tt.wantTok, tok)
			}
			if src != tt.wantSrc {
				t.Fatalf("Expected source %q, got %q", tt.wantSrc, src)
			}
		})
	}
}

func TestResolveAuthToken_RejectsMultilineGHOutput(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GH_TOKEN", "")
	installGH(t, "printf 'line1\\nline2\\n'\n")

	if _, _, err := ResolveAuthToken(context.Background(), ""); err == nil {
		t.Fatalf("Expected error for token containing whitespace")
	}
}

func TestResolveAuthToken_CancelledContext(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GH_TOKEN", "")
	installGH(t, "echo gh-token\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := ResolveAuthToken(ctx, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}
