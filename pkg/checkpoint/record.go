package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
)

const (
	// RecordVersion is the only record version this package reads and
	// writes.
	RecordVersion = 1

	// RecordFile is the name of the record inside a step directory.
	RecordFile = "checkpoint"
)

// ErrCorrupt is matched by every CorruptionError.
var ErrCorrupt = errors.New("checkpoint corrupt")

// CorruptionError is returned when a persisted checkpoint fails validation.
type CorruptionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt checkpoint %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt checkpoint %s: %s", e.Path, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupt
}

// Record is the persisted form of a checkpoint.
type Record struct {
	Version int    `json:"version"`
	TrialID string `json:"trial_id"`
	Step    int64  `json:"step"`
	// State is opaque to this package.
	State []byte `json:"state"`
}

// WriteRecord writes r into dir/checkpoint, replacing any previous record
// atomically, and returns the path of the record.
func WriteRecord(dir string, r Record) (string, error) {
	if r.Version == 0 {
		r.Version = RecordVersion
	}
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint dir %s: %w", dir, err)
	}

	tmp, err := ioutil.TempFile(dir, "."+RecordFile+"-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", err
	}

	path := filepath.Join(dir, RecordFile)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// ReadRecord reads and validates the record at path. Validation failures
// are reported as *CorruptionError; a missing file is reported as is.
func ReadRecord(path string) (*Record, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, &CorruptionError{Path: path, Reason: "malformed record", Err: err}
	}
	if err := r.validate(); err != nil {
		return nil, &CorruptionError{Path: path, Reason: err.Error()}
	}
	return &r, nil
}

func (r *Record) validate() error {
	switch {
	case r.Version != RecordVersion:
		return fmt.Errorf("unsupported version %d", r.Version)
	case r.TrialID == "":
		return errors.New("missing trial id")
	case r.Step < 0:
		return fmt.Errorf("negative step %d", r.Step)
	case r.State == nil:
		return errors.New("missing state")
	}
	return nil
}
