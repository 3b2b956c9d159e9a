// Package syncer keeps the local directory of a trial in sync with its remote
// target in durable storage.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/testground/faultline/pkg/logging"
	"github.com/testground/faultline/pkg/storage"
)

// ErrNoRemoteTarget is returned by transfers on a NodeSyncer without a
// storage client.
var ErrNoRemoteTarget = errors.New("no remote target provisioned")

// RemotePath derives the remote target of localPath for a trial. The local
// path is cleaned and made absolute; its root marker (the leading separator,
// and the volume name on Windows) is dropped and the remainder is joined under
// root and the path-escaped trial id.
//
// Distinct (trialID, localPath) pairs always map to distinct remote paths.
func RemotePath(root, trialID, localPath string) (string, error) {
	if trialID == "" || trialID == "." || trialID == ".." {
		return "", fmt.Errorf("invalid trial id %q", trialID)
	}

	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve local path %s: %w", localPath, err)
	}

	vol := filepath.VolumeName(abs)
	rest := strings.TrimLeft(filepath.ToSlash(abs[len(vol):]), "/")
	if vol != "" {
		// keep volumes apart: C:\a and D:\a must not collide.
		rest = path.Join(url.PathEscape(strings.TrimSuffix(vol, ":")), rest)
	}

	return path.Join(root, url.PathEscape(trialID), rest), nil
}

// NodeSyncer moves the content of one local directory to and from its remote
// target. It remembers the revision of the last transferred content and
// skips transfers while the local content is unchanged. Calls are serialized.
type NodeSyncer struct {
	mu sync.Mutex

	client     storage.Client
	trialID    string
	localPath  string
	remotePath string

	// synced is the revision of the content last pushed or pulled.
	synced    string
	transfers int

	log *zap.SugaredLogger
}

// New returns a NodeSyncer for localPath of the given trial. client may be
// nil, in which case the syncer has no remote target and transfers fail with
// ErrNoRemoteTarget.
func New(client storage.Client, root, trialID, localPath string) (*NodeSyncer, error) {
	remote, err := RemotePath(root, trialID, localPath)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return nil, err
	}
	return &NodeSyncer{
		client:     client,
		trialID:    trialID,
		localPath:  abs,
		remotePath: remote,
		log:        logging.S().With("trial", trialID, "local", abs, "remote", remote),
	}, nil
}

// HasRemoteTarget reports whether a client and a remote path have been
// provisioned.
func (s *NodeSyncer) HasRemoteTarget() bool {
	return s.client != nil && s.remotePath != ""
}

func (s *NodeSyncer) LocalPath() string {
	return s.localPath
}

func (s *NodeSyncer) RemotePath() string {
	return s.remotePath
}

// SyncedRevision returns the revision of the content last transferred, or
// the empty string if nothing has been transferred yet.
func (s *NodeSyncer) SyncedRevision() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// Transfers returns the number of transfers actually performed.
func (s *NodeSyncer) Transfers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfers
}

// SyncUp pushes the local directory to the remote target, unless its content
// is unchanged since the last transfer.
func (s *NodeSyncer) SyncUp(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.HasRemoteTarget() {
		return ErrNoRemoteTarget
	}

	rev, err := Revision(s.localPath)
	if err != nil {
		return err
	}
	if rev != "" && rev == s.synced {
		s.log.Debugw("local content unchanged; skipping push", "revision", short(rev))
		return nil
	}

	if err := s.client.Push(ctx, s.localPath, s.remotePath); err != nil {
		return err
	}
	s.transfers++
	s.synced = rev
	s.log.Debugw("pushed", "revision", short(rev))
	return nil
}

// SyncDown pulls the remote target into the local directory, unless the local
// content is unchanged since the last transfer.
func (s *NodeSyncer) SyncDown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.HasRemoteTarget() {
		return ErrNoRemoteTarget
	}

	rev, err := Revision(s.localPath)
	if err != nil {
		return err
	}
	if rev != "" && rev == s.synced {
		s.log.Debugw("local content unchanged; skipping pull", "revision", short(rev))
		return nil
	}

	if err := s.client.Pull(ctx, s.remotePath, s.localPath); err != nil {
		return err
	}
	s.transfers++

	if rev, err = Revision(s.localPath); err != nil {
		// the pull succeeded; the next transfer will not be skipped.
		s.synced = ""
		return nil
	}
	s.synced = rev
	s.log.Debugw("pulled", "revision", short(rev))
	return nil
}

// Delete removes the remote target and forgets the synced revision.
func (s *NodeSyncer) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.HasRemoteTarget() {
		return ErrNoRemoteTarget
	}
	if err := s.client.Delete(ctx, s.remotePath); err != nil {
		return err
	}
	s.synced = ""
	return nil
}

func short(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
