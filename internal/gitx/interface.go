package gitx

import "context"

// IClient is the subset of git operations the snapshot and workspace layers
// depend on. Kept as an interface for mocking in tests.
type IClient interface {
	Init(ctx context.Context, dir string) error
	IsRepo(ctx context.Context, dir string) bool
	Config(ctx context.Context, dir, key, value string) error
	Clone(ctx context.Context, url, dest, branch string) error
	Checkout(ctx context.Context, dir, ref string) error
	CheckoutNewBranch(ctx context.Context, dir, branch string) error
	HeadSHA(ctx context.Context, dir string) (string, error)
	AddAll(ctx context.Context, dir string) error
	IsClean(ctx context.Context, dir string) (bool, error)
	Commit(ctx context.Context, dir, message string) error
	Numstat(ctx context.Context, dir, before, after string) (DiffStat, error)
	ShowStat(ctx context.Context, dir, sha string) (DiffStat, error)
	Diff(ctx context.Context, dir, before, after string) (string, error)
	LsFiles(ctx context.Context, dir string) ([]string, error)
}

var _ IClient = (*Client)(nil)
