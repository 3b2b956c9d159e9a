package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/testground/faultline/pkg/logging"
)

const transferLogFile = "transfers.log"

// transferLog records one line per transfer into the client's log directory.
// It is owned by a single client instance.
type transferLog struct {
	mu     sync.RWMutex
	dir    string
	logger *zap.Logger
}

func (t *transferLog) setDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("log dir must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	l, err := logging.NewFileLogger(filepath.Join(abs, transferLogFile))
	if err != nil {
		return err
	}

	t.mu.Lock()
	old := t.logger
	t.dir, t.logger = abs, l
	t.mu.Unlock()

	if old != nil {
		_ = old.Sync()
	}
	return nil
}

func (t *transferLog) logDir() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dir
}

func (t *transferLog) record(op, source, target string, start time.Time, size int64, err error, fields ...zap.Field) {
	elapsed := time.Since(start)
	fields = append(fields,
		zap.String("op", op),
		zap.String("source", source),
		zap.String("target", target),
		zap.Duration("elapsed", elapsed),
	)
	if size >= 0 {
		fields = append(fields, zap.String("size", humanize.Bytes(uint64(size))))
	}

	log := logging.S().With("op", op, "source", source, "target", target, "elapsed", elapsed)
	if err != nil {
		fields = append(fields, zap.Error(err))
		log.Debugw("transfer failed", "err", err)
	} else {
		log.Debugw("transfer completed")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.logger == nil {
		return
	}
	if err != nil {
		t.logger.Warn("transfer failed", fields...)
		return
	}
	t.logger.Info("transfer completed", fields...)
}

// treeSize returns the total size of the regular files under p, or -1 if it
// cannot be determined.
func treeSize(p string) int64 {
	var total int64
	err := filepath.Walk(p, func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	if err != nil {
		return -1
	}
	return total
}
