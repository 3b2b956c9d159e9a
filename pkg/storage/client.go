// Package storage implements the push/pull/delete primitives used to make
// trial checkpoints durable.
//
// A Client mirrors a local file tree into a named remote target and back.
// Three backends exist:
//
//   - LocalClient treats a local directory as the durable remote. It is the
//     simulated remote used when exercising recovery on a single machine.
//   - CommandClient runs configurable mirror-copy and delete command
//     templates, e.g. rsync or a cloud CLI.
//   - S3Client stores each push as an immutable generation and publishes it
//     through a pointer object.
//
// All backends serialize operations per remote target, run operations on
// disjoint targets in parallel, and never expose a partially written push to
// a pull.
package storage

import (
	"context"
	"sync"
)

// Client is a handle to one durable storage backend. It is safe for
// concurrent use and shared by all trials of a process.
type Client interface {
	// Push mirrors localPath into remotePath. Afterwards the visible remote
	// content is exactly the local content.
	Push(ctx context.Context, localPath, remotePath string) error

	// Pull copies the content of remotePath into localPath. Local files that
	// do not exist remotely are kept.
	Pull(ctx context.Context, remotePath, localPath string) error

	// Delete removes everything under remotePath. Deleting an absent target
	// succeeds.
	Delete(ctx context.Context, remotePath string) error

	// SetLogDir sets where transfer diagnostics for this instance are written.
	SetLogDir(path string) error
}

// Factory constructs a Client. Factories are invoked lazily, the first time a
// trial needs durable storage.
type Factory func() (Client, error)

// Shared returns a Factory that hands out a single Client built by f. A
// failed construction is not cached; the next call tries again.
func Shared(f Factory) Factory {
	var (
		mu     sync.Mutex
		client Client
	)
	return func() (Client, error) {
		mu.Lock()
		defer mu.Unlock()

		if client != nil {
			return client, nil
		}
		c, err := f()
		if err != nil {
			return nil, err
		}
		client = c
		return c, nil
	}
}
