package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/otiai10/copy"
	"github.com/rs/xid"

	"github.com/testground/faultline/pkg/logging"
)

// LocalConfig configures a LocalClient.
type LocalConfig struct {
	// Root is the directory acting as durable storage.
	Root string `toml:"root"`
}

// LocalClient is a Client whose remote namespace is a directory on the local
// filesystem. Pushes are staged next to the target and swapped in with
// renames, so readers see either the previous or the new tree.
type LocalClient struct {
	root  string
	locks KeyedLocker
	tlog  transferLog
}

var _ Client = (*LocalClient)(nil)

// NewLocalClient returns a LocalClient rooted at root, creating it if needed.
func NewLocalClient(cfg LocalConfig) (*LocalClient, error) {
	if cfg.Root == "" {
		return nil, errors.New("local storage root must be set")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", root, err)
	}
	return &LocalClient{root: root}, nil
}

// Root returns the directory backing the remote namespace.
func (c *LocalClient) Root() string {
	return c.root
}

func (c *LocalClient) SetLogDir(dir string) error {
	return c.tlog.setDir(dir)
}

// resolve maps a remote path to its location under the root. Remote paths
// that would escape the root are refused.
func (c *LocalClient) resolve(op, remote string) (string, string, error) {
	rel := path.Clean(strings.TrimPrefix(filepath.ToSlash(remote), "/"))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", "", newTransportError(op, remote, KindPermissionDenied,
			fmt.Errorf("remote path escapes storage root"))
	}
	return rel, filepath.Join(c.root, filepath.FromSlash(rel)), nil
}

func (c *LocalClient) Push(ctx context.Context, localPath, remotePath string) (err error) {
	const op = "push"
	start := time.Now()
	key, target, err := c.resolve(op, remotePath)
	if err != nil {
		return err
	}
	defer func() { c.tlog.record(op, localPath, target, start, treeSize(localPath), err) }()

	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("push source %s: %w", localPath, err)
	}

	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return contextError(ctx, op, remotePath)
	}
	defer unlock()

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return classifyFSError(op, remotePath, err)
	}

	id := xid.New().String()
	staging := filepath.Join(parent, "."+filepath.Base(target)+".staging-"+id)
	defer os.RemoveAll(staging)

	if err := copy.Copy(localPath, staging); err != nil {
		return classifyFSError(op, remotePath, err)
	}
	// Nothing has been published yet; a cancelled push leaves the previous
	// tree in place.
	if err := contextError(ctx, op, remotePath); err != nil {
		return err
	}

	return c.swap(op, remotePath, staging, target, id)
}

// swap publishes staging at target, replacing whatever was there.
func (c *LocalClient) swap(op, remote, staging, target, id string) error {
	trash := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".trash-"+id)

	hadPrevious := true
	if err := os.Rename(target, trash); err != nil {
		if !os.IsNotExist(err) {
			return classifyFSError(op, remote, err)
		}
		hadPrevious = false
	}

	if err := os.Rename(staging, target); err != nil {
		if hadPrevious {
			if rerr := os.Rename(trash, target); rerr != nil {
				logging.S().Errorw("failed to restore previous target", "target", target, "err", rerr)
			}
		}
		return classifyFSError(op, remote, err)
	}

	if hadPrevious {
		if err := os.RemoveAll(trash); err != nil {
			logging.S().Warnw("failed to remove replaced target", "path", trash, "err", err)
		}
	}
	return nil
}

func (c *LocalClient) Pull(ctx context.Context, remotePath, localPath string) (err error) {
	const op = "pull"
	start := time.Now()
	key, target, err := c.resolve(op, remotePath)
	if err != nil {
		return err
	}
	size := int64(-1)
	defer func() { c.tlog.record(op, target, localPath, start, size, err) }()

	parent := filepath.Dir(filepath.Clean(localPath))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("pull destination %s: %w", localPath, err)
	}
	snapshot := filepath.Join(parent, "."+filepath.Base(localPath)+".pull-"+xid.New().String())
	defer os.RemoveAll(snapshot)

	if err := c.snapshot(ctx, op, key, remotePath, target, snapshot); err != nil {
		return err
	}
	size = treeSize(snapshot)

	if err := contextError(ctx, op, remotePath); err != nil {
		return err
	}
	if err := copy.Copy(snapshot, localPath); err != nil {
		return fmt.Errorf("pull into %s: %w", localPath, err)
	}
	return nil
}

// snapshot copies the target to dst while holding the target lock.
func (c *LocalClient) snapshot(ctx context.Context, op, key, remote, target, dst string) error {
	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return contextError(ctx, op, remote)
	}
	defer unlock()

	if _, err := os.Stat(target); err != nil {
		return classifyFSError(op, remote, err)
	}
	if err := copy.Copy(target, dst); err != nil {
		return classifyFSError(op, remote, err)
	}
	return nil
}

func (c *LocalClient) Delete(ctx context.Context, remotePath string) (err error) {
	const op = "delete"
	start := time.Now()
	key, target, err := c.resolve(op, remotePath)
	if err != nil {
		return err
	}
	defer func() { c.tlog.record(op, "", target, start, -1, err) }()

	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return contextError(ctx, op, remotePath)
	}
	defer unlock()

	trash := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".trash-"+xid.New().String())
	if err := os.Rename(target, trash); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return classifyFSError(op, remotePath, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		logging.S().Warnw("failed to remove deleted target", "path", trash, "err", err)
	}
	return nil
}

func classifyFSError(op, remote string, err error) error {
	switch {
	case os.IsPermission(err):
		return newTransportError(op, remote, KindPermissionDenied, err)
	case os.IsNotExist(err):
		return newTransportError(op, remote, KindRemoteUnavailable, err)
	default:
		return newTransportError(op, remote, KindPartialTransfer, err)
	}
}
