package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "transfers.log")

	l, err := NewFileLogger(path)
	require.NoError(t, err)

	l.Info("push", zap.String("target", "trial-1/ckpt"))
	_ = l.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"push"`)
	assert.Contains(t, string(b), `"target":"trial-1/ckpt"`)
	assert.NotContains(t, string(b), `"level"`)
}

func TestGlobalLoggersInitialised(t *testing.T) {
	require.NotNil(t, L())
	require.NotNil(t, S())
}
