package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/testground/faultline/pkg/logging"
)

// ShutdownTimeout bounds how long a cancelled command may take to flush
// in-flight transfers and kills before the process exits.
const ShutdownTimeout = 30 * time.Second

var (
	processContext     context.Context
	processContextOnce sync.Once
)

// ProcessContext is cancelled on the first interrupt. A second interrupt, or
// a shutdown exceeding ShutdownTimeout, terminates the process.
func ProcessContext() context.Context {
	processContextOnce.Do(func() {
		var cancel context.CancelFunc
		processContext, cancel = context.WithCancel(context.Background())

		notify := make(chan os.Signal, 2)
		signal.Notify(notify, os.Interrupt, syscall.SIGHUP, syscall.SIGTERM)
		go func() {
			defer signal.Stop(notify)

			sig := <-notify
			logging.S().Infow("shutting down; waiting for in-flight transfers", "signal", sig.String())
			cancel()

			select {
			case <-time.After(ShutdownTimeout):
				logging.S().Errorw("timed out on shutdown, terminating")
			case <-notify:
				logging.S().Errorw("received another interrupt before graceful shutdown, terminating")
			}
			os.Exit(-1)
		}()
	})
	return processContext
}
