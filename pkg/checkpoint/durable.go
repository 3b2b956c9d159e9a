package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/testground/faultline/pkg/logging"
	"github.com/testground/faultline/pkg/storage"
	"github.com/testground/faultline/pkg/syncer"
)

// PersistenceMode selects whether checkpoints are made durable.
type PersistenceMode int

const (
	// ModeLocal keeps checkpoints on the local filesystem only.
	ModeLocal PersistenceMode = iota
	// ModeDurable pushes every checkpoint to durable storage.
	ModeDurable
)

func (m PersistenceMode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeDurable:
		return "durable"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "local" or "durable".
func ParseMode(s string) (PersistenceMode, error) {
	switch s {
	case "local":
		return ModeLocal, nil
	case "durable":
		return ModeDurable, nil
	}
	return 0, fmt.Errorf("unknown persistence mode: %q", s)
}

// DurablePersistFailed is the warning attached to a checkpoint that was
// saved locally but could not be made durable.
type DurablePersistFailed struct {
	TrialID string
	Step    int64
	Err     error
}

func (w *DurablePersistFailed) Error() string {
	return fmt.Sprintf("checkpoint %s/%d kept locally only: %v", w.TrialID, w.Step, w.Err)
}

func (w *DurablePersistFailed) Unwrap() error {
	return w.Err
}

// Descriptor identifies a saved checkpoint.
type Descriptor struct {
	TrialID string `json:"trial_id"`
	Step    int64  `json:"step"`
	// Dir is the local step directory and Path the record inside it.
	Dir  string `json:"dir"`
	Path string `json:"path"`
	// RemotePath is the remote target of the step directory, if the trial
	// has one.
	RemotePath string `json:"remote_path,omitempty"`
	// Revision is the content revision of Dir at save time.
	Revision string    `json:"revision"`
	Durable  bool      `json:"durable"`
	Created  time.Time `json:"created"`

	// Warning is set when the checkpoint could not be made durable.
	Warning *DurablePersistFailed `json:"-"`
}

// Options configures a Durable.
type Options struct {
	Mode PersistenceMode
	// Factory constructs the storage client on first use. Required in
	// ModeDurable.
	Factory storage.Factory
	// CheckpointRoot is the local checkpoint root.
	CheckpointRoot string
	// RemoteRoot is the namespace root trial remote paths are derived under.
	RemoteRoot string
	TrialID    string
}

// Durable decorates a Trainable with checkpoint placement, record
// validation and, in ModeDurable, synchronization with durable storage.
type Durable struct {
	base Trainable
	opts Options

	trialDir string
	log      *zap.SugaredLogger

	mu     sync.Mutex
	syncer *syncer.NodeSyncer
}

func NewDurable(base Trainable, opts Options) (*Durable, error) {
	if opts.TrialID == "" {
		return nil, errors.New("trial id must be set")
	}
	if opts.CheckpointRoot == "" {
		return nil, errors.New("checkpoint root must be set")
	}
	if opts.Mode == ModeDurable && opts.Factory == nil {
		return nil, errors.New("durable mode requires a storage factory")
	}
	root, err := filepath.Abs(opts.CheckpointRoot)
	if err != nil {
		return nil, err
	}
	return &Durable{
		base:     base,
		opts:     opts,
		trialDir: filepath.Join(root, url.PathEscape(opts.TrialID)),
		log:      logging.S().With("trial", opts.TrialID, "mode", opts.Mode.String()),
	}, nil
}

func (d *Durable) TrialID() string {
	return d.opts.TrialID
}

// TrialDir is the local directory holding all checkpoints of the trial.
func (d *Durable) TrialDir() string {
	return d.trialDir
}

// StepDir is the local directory of the checkpoint for step.
func (d *Durable) StepDir(step int64) string {
	return filepath.Join(d.trialDir, strconv.FormatInt(step, 10))
}

func (d *Durable) Setup(cfg Config) error {
	return d.base.Setup(cfg)
}

func (d *Durable) Step() (Result, error) {
	return d.base.Step()
}

// nodeSyncer returns the syncer of the trial directory, constructing the
// storage client on first use. A failed construction is retried on the next
// call.
func (d *Durable) nodeSyncer() (*syncer.NodeSyncer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.syncer != nil {
		return d.syncer, nil
	}

	client, err := d.opts.Factory()
	if err != nil {
		if !errors.Is(err, storage.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
		}
		return nil, err
	}
	s, err := syncer.New(client, d.opts.RemoteRoot, d.opts.TrialID, d.trialDir)
	if err != nil {
		return nil, err
	}
	d.syncer = s
	return s, nil
}

// SaveCheckpoint saves the state of the base trainable as the checkpoint of
// step. In ModeDurable the trial directory is then pushed to durable
// storage; if that fails the checkpoint is kept locally, the returned
// descriptor carries a warning and no error is returned. Errors writing the
// local checkpoint are returned.
func (d *Durable) SaveCheckpoint(ctx context.Context, step int64) (*Descriptor, error) {
	if step < 0 {
		return nil, fmt.Errorf("invalid step %d", step)
	}
	if err := os.MkdirAll(d.trialDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trial dir: %w", err)
	}

	state, err := d.captureState()
	if err != nil {
		return nil, err
	}

	dir := d.StepDir(step)
	p, err := WriteRecord(dir, Record{
		Version: RecordVersion,
		TrialID: d.opts.TrialID,
		Step:    step,
		State:   state,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write checkpoint %d: %w", step, err)
	}

	rev, err := syncer.Revision(dir)
	if err != nil {
		return nil, err
	}

	desc := &Descriptor{
		TrialID:  d.opts.TrialID,
		Step:     step,
		Dir:      dir,
		Path:     p,
		Revision: rev,
		Created:  time.Now(),
	}

	if d.opts.Mode != ModeDurable {
		return desc, nil
	}

	if err := d.persist(ctx, desc); err != nil {
		desc.Warning = &DurablePersistFailed{TrialID: d.opts.TrialID, Step: step, Err: err}
		d.log.Warnw("checkpoint kept locally only", "step", step, "err", err)
		return desc, nil
	}
	desc.Durable = true
	return desc, nil
}

func (d *Durable) persist(ctx context.Context, desc *Descriptor) error {
	s, err := d.nodeSyncer()
	if err != nil {
		return err
	}
	desc.RemotePath = path.Join(s.RemotePath(), strconv.FormatInt(desc.Step, 10))
	return s.SyncUp(ctx)
}

// captureState has the base trainable save into a scratch directory and
// returns the saved bytes.
func (d *Durable) captureState() ([]byte, error) {
	scratch, err := ioutil.TempDir("", "faultline-save-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	p, err := d.base.SaveCheckpoint(scratch)
	if err != nil {
		return nil, fmt.Errorf("trainable failed to save: %w", err)
	}
	b, err := ioutil.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read saved state: %w", err)
	}
	return b, nil
}

// LoadCheckpoint restores the checkpoint described by desc into the base
// trainable. In ModeDurable, the trial directory is pulled first if the
// local step directory is missing or differs from the one saved.
//
// Pull failures are returned as is; an invalid record yields a
// *CorruptionError.
func (d *Durable) LoadCheckpoint(ctx context.Context, desc *Descriptor) error {
	if desc == nil {
		return errors.New("nil checkpoint descriptor")
	}
	if desc.TrialID != d.opts.TrialID {
		return fmt.Errorf("checkpoint of trial %s cannot be loaded into trial %s", desc.TrialID, d.opts.TrialID)
	}

	dir := d.StepDir(desc.Step)
	rev, err := syncer.Revision(dir)
	if err != nil {
		return err
	}

	if rev == "" || rev != desc.Revision {
		if d.opts.Mode == ModeDurable {
			s, err := d.nodeSyncer()
			if err != nil {
				return err
			}
			d.log.Infow("restoring checkpoint from durable storage", "step", desc.Step)
			if err := s.SyncDown(ctx); err != nil {
				return fmt.Errorf("failed to restore checkpoint %d: %w", desc.Step, err)
			}
		} else if rev == "" {
			return fmt.Errorf("checkpoint %d: %w", desc.Step, os.ErrNotExist)
		}
	}

	p := filepath.Join(dir, RecordFile)
	rec, err := ReadRecord(p)
	if err != nil {
		return err
	}
	if rec.TrialID != desc.TrialID || rec.Step != desc.Step {
		return &CorruptionError{
			Path:   p,
			Reason: fmt.Sprintf("record is for %s/%d, expected %s/%d", rec.TrialID, rec.Step, desc.TrialID, desc.Step),
		}
	}

	return d.restoreState(rec.State)
}

func (d *Durable) restoreState(state []byte) error {
	scratch, err := ioutil.TempDir("", "faultline-load-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	p := filepath.Join(scratch, RecordFile)
	if err := ioutil.WriteFile(p, state, 0o644); err != nil {
		return err
	}
	return d.base.LoadCheckpoint(p)
}

// Discard removes the trial's checkpoints locally and, in ModeDurable, from
// durable storage.
func (d *Durable) Discard(ctx context.Context) error {
	if d.opts.Mode == ModeDurable {
		s, err := d.nodeSyncer()
		if err != nil {
			return err
		}
		if err := s.Delete(ctx); err != nil {
			return err
		}
	}
	return os.RemoveAll(d.trialDir)
}
