package definition

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Syncer keeps the dashboards directory in sync with a git remote, so
// dashboards can be managed as code and rolled out by pushing. It shells out
// to the git CLI; the first sync clones, later ones fast-forward to the
// remote branch.
type Syncer struct {
	dir    string
	remote string
	branch string // empty uses the remote default branch
}

// NewSyncer creates a syncer for the given directory and remote.
func NewSyncer(dir, remote, branch string) *Syncer {
	return &Syncer{dir: dir, remote: remote, branch: branch}
}

// Sync brings the directory up to date with the remote: clone when the
// directory is not a repository yet, fetch and fast-forward otherwise.
// local modifications are discarded; the remote is the source of truth.
func (s *Syncer) Sync(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(s.dir, ".git")); os.IsNotExist(err) {
		return s.clone(ctx)
	}

	if _, err := s.run(ctx, "fetch", "origin"); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	target := "origin/HEAD"
	if s.branch != "" {
		target = "origin/" + s.branch
	}
	if _, err := s.run(ctx, "reset", "--hard", target); err != nil {
		return fmt.Errorf("reset to %s: %w", target, err)
	}
	return nil
}

// Head returns the current commit hash of the synced directory.
func (s *Syncer) Head(ctx context.Context) (string, error) {
	out, err := s.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("get HEAD: %w", err)
	}
	return out, nil
}

// Run syncs on the given interval until the context is canceled, invoking
// onSync after every sync that moved HEAD. A failed sync is logged and
// retried next tick.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, onSync func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last, _ := s.Head(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				log.Printf("[WARN] dashboards git sync: %v", err)
				continue
			}
			head, err := s.Head(ctx)
			if err != nil || head == last {
				continue
			}
			last = head
			if onSync != nil {
				onSync()
			}
		}
	}
}

// clone creates the directory from the remote.
func (s *Syncer) clone(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.dir), 0o750); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	args := []string{"clone", "--depth", "1"}
	if s.branch != "" {
		args = append(args, "--branch", s.branch)
	}
	args = append(args, s.remote, s.dir)

	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("git clone: %s", msg)
		}
		return fmt.Errorf("git clone: %w", err)
	}
	return nil
}

// run executes a git command in the synced directory and returns trimmed
// output. on failure the combined output goes into the error for
// diagnostics.
func (s *Syncer) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return "", fmt.Errorf("git %s: %s", args[0], msg)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}
