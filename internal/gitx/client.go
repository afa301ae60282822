package gitx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Client handles git interactions for workspace history. All operations are
// plain `git` invocations; there is no libgit dependency.
type Client struct{}

// NewClient creates a new git client.
func NewClient() *Client {
	return &Client{}
}

// maskingWriter wraps an io.Writer and masks credentials embedded in URLs so
// tokens never reach logs.
type maskingWriter struct {
	w io.Writer
}

var (
	reGitHubPAT = regexp.MustCompile(`https://[^@:]+@github\.com`)
	reBasicAuth = regexp.MustCompile(`https://[^:/]+:[^@/]+@`)
)

func (mw *maskingWriter) Write(p []byte) (n int, err error) {
	s := string(p)
	s = reGitHubPAT.ReplaceAllString(s, "https://[REDACTED]@github.com")
	s = reBasicAuth.ReplaceAllString(s, "https://[REDACTED]@")
	_, err = mw.w.Write([]byte(s))
	return len(p), err
}

// run executes git in dir and returns stdout. Auto-maintenance is disabled so
// frequent snapshot commits stay deterministic and never spawn background
// helper processes.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	base := []string{
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	if dir != "" {
		base = append([]string{"-C", dir}, base...)
	}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	// Enforce no prompting
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_ASKPASS=/bin/true")

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &maskingWriter{w: &outBuf}
	cmd.Stderr = &maskingWriter{w: &errBuf}

	if err := cmd.Run(); err != nil {
		return outBuf.String(), fmt.Errorf("git %s failed: %w\nstderr: %s", args[0], err, strings.TrimSpace(errBuf.String()))
	}
	return outBuf.String(), nil
}

// Init initializes a repository in dir with a deterministic default branch.
func (c *Client) Init(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "init", "--initial-branch", "main")
	return err
}

// IsRepo reports whether dir is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context, dir string) bool {
	out, err := c.run(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Config sets a repository-local configuration value.
func (c *Client) Config(ctx context.Context, dir, key, value string) error {
	_, err := c.run(ctx, dir, "config", key, value)
	return err
}

// Clone clones a repository into dest. Optional branch selects the checkout.
func (c *Client) Clone(ctx context.Context, url, dest, branch string) error {
	// Clone can take a while
	cloneCtx, cancel := context.WithTimeout(ctx, 15*time.Minute)
	defer cancel()
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dest)
	_, err := c.run(cloneCtx, "", args...)
	return err
}

// Checkout switches dir to the given ref.
func (c *Client) Checkout(ctx context.Context, dir, ref string) error {
	_, err := c.run(ctx, dir, "checkout", ref)
	return err
}

// CheckoutNewBranch creates and switches to a new branch.
func (c *Client) CheckoutNewBranch(ctx context.Context, dir, branch string) error {
	_, err := c.run(ctx, dir, "checkout", "-B", branch)
	return err
}

// HeadSHA returns the current HEAD commit sha, or "" for a repo with no
// commits yet.
func (c *Client) HeadSHA(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "unknown revision") || strings.Contains(err.Error(), "ambiguous argument") {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AddAll stages every change including deletions.
func (c *Client) AddAll(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "add", "-A")
	return err
}

// IsClean reports whether the index and work tree have no pending changes.
func (c *Client) IsClean(ctx context.Context, dir string) (bool, error) {
	out, err := c.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// Commit records staged changes. Committer identity falls back to a local
// config write when the host has none, so fresh workspaces commit cleanly.
func (c *Client) Commit(ctx context.Context, dir, message string) error {
	_, err := c.run(ctx, dir, "commit", "-m", message)
	if err != nil && (strings.Contains(err.Error(), "Author identity unknown") ||
		strings.Contains(err.Error(), "Please tell me who you are") ||
		strings.Contains(err.Error(), "unable to auto-detect email address")) {
		if cfgErr := c.Config(ctx, dir, "user.email", "agentgate@example.com"); cfgErr != nil {
			return err
		}
		if cfgErr := c.Config(ctx, dir, "user.name", "agentgate"); cfgErr != nil {
			return err
		}
		_, err = c.run(ctx, dir, "commit", "-m", message)
	}
	return err
}

// DiffStat summarizes the change between two commits.
type DiffStat struct {
	FilesChanged int
	Insertions   int
	Deletions    int
}

// Numstat computes a DiffStat between two shas. Binary files count as changed
// with zero line counts.
func (c *Client) Numstat(ctx context.Context, dir, before, after string) (DiffStat, error) {
	var stat DiffStat
	out, err := c.run(ctx, dir, "diff", "--numstat", before, after)
	if err != nil {
		return stat, err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		stat.FilesChanged++
		if ins, convErr := strconv.Atoi(fields[0]); convErr == nil {
			stat.Insertions += ins
		}
		if del, convErr := strconv.Atoi(fields[1]); convErr == nil {
			stat.Deletions += del
		}
	}
	return stat, nil
}

// ShowStat summarizes the change introduced by a single commit. Used for the
// first commit of a fresh workspace where there is no parent to diff against.
func (c *Client) ShowStat(ctx context.Context, dir, sha string) (DiffStat, error) {
	var stat DiffStat
	out, err := c.run(ctx, dir, "show", "--numstat", "--format=", sha)
	if err != nil {
		return stat, err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		stat.FilesChanged++
		if ins, convErr := strconv.Atoi(fields[0]); convErr == nil {
			stat.Insertions += ins
		}
		if del, convErr := strconv.Atoi(fields[1]); convErr == nil {
			stat.Deletions += del
		}
	}
	return stat, nil
}

// Diff returns the unified diff text between two shas.
func (c *Client) Diff(ctx context.Context, dir, before, after string) (string, error) {
	return c.run(ctx, dir, "diff", before, after)
}

// LsFiles lists tracked files relative to the repository root.
func (c *Client) LsFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := c.run(ctx, dir, "ls-files")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
