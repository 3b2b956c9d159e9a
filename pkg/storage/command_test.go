package storage

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireRsync(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("rsync"); err != nil {
		t.Skip("rsync not available")
	}
}

func TestCommandClientLocalTemplates(t *testing.T) {
	requireRsync(t)

	c, err := NewCommandClient(DefaultCommandConfig())
	require.NoError(t, err)
	ctx := context.Background()

	remote := filepath.Join(t.TempDir(), "remote root", "trial's dir")
	src := t.TempDir()
	writeTree(t, src, map[string]string{"1/checkpoint": "a", "2/checkpoint": "b"})

	require.NoError(t, c.Push(ctx, src, remote))
	require.NoError(t, c.Push(ctx, src, remote))
	assert.Equal(t, readTree(t, src), readTree(t, remote))

	// mirror semantics.
	require.NoError(t, os.RemoveAll(filepath.Join(src, "2")))
	require.NoError(t, c.Push(ctx, src, remote))
	assert.Equal(t, map[string]string{"1/checkpoint": "a"}, readTree(t, remote))

	// only the promoted target is left in the remote parent.
	entries, err := os.ReadDir(filepath.Dir(remote))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	dst := t.TempDir()
	writeTree(t, dst, map[string]string{"local": "kept"})
	require.NoError(t, c.Pull(ctx, remote, dst))
	assert.Equal(t, map[string]string{"1/checkpoint": "a", "local": "kept"}, readTree(t, dst))

	require.NoError(t, c.Delete(ctx, remote))
	_, err = os.Stat(remote)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, c.Delete(ctx, remote))

	err = c.Pull(ctx, remote, t.TempDir())
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestCommandClientRecoversInterruptedPromote(t *testing.T) {
	requireRsync(t)

	c, err := NewCommandClient(DefaultCommandConfig())
	require.NoError(t, err)
	ctx := context.Background()

	// the target was moved aside but the staged tree never replaced it.
	remote := filepath.Join(t.TempDir(), "trial")
	writeTree(t, remote+".prev", map[string]string{"checkpoint": "good"})

	// a promote that fails again must not drop the last good copy.
	missing := filepath.Join(t.TempDir(), "gone")
	err = c.run(ctx, "push", remote, c.cfg.PromoteTemplate, missing, remote)
	require.Error(t, err)
	assert.Equal(t, map[string]string{"checkpoint": "good"}, readTree(t, remote+".prev"))

	src := t.TempDir()
	writeTree(t, src, map[string]string{"checkpoint": "next"})
	require.NoError(t, c.Push(ctx, src, remote))
	assert.Equal(t, map[string]string{"checkpoint": "next"}, readTree(t, remote))
	_, err = os.Stat(remote + ".prev")
	assert.True(t, os.IsNotExist(err))
}

func TestCommandClientWithoutPromote(t *testing.T) {
	requireRsync(t)

	cfg := DefaultCommandConfig()
	cfg.PromoteTemplate = ""
	c, err := NewCommandClient(cfg)
	require.NoError(t, err)

	remote := filepath.Join(t.TempDir(), "r")
	src := t.TempDir()
	writeTree(t, src, map[string]string{"f": "x"})

	require.NoError(t, c.Push(context.Background(), src, remote))
	assert.Equal(t, readTree(t, src), readTree(t, remote))
}

func TestCommandClientValidatesTemplates(t *testing.T) {
	cases := map[string]CommandConfig{
		"missing sync":          {DeleteTemplate: "rm -rf {target}"},
		"sync without source":   {SyncTemplate: "touch {target}", DeleteTemplate: "rm -rf {target}"},
		"missing delete":        {SyncTemplate: "cp -r {source} {target}"},
		"delete without target": {SyncTemplate: "cp -r {source} {target}", DeleteTemplate: "rm -rf /tmp/x"},
		"bad promote":           {SyncTemplate: "cp -r {source} {target}", DeleteTemplate: "rm -rf {target}", PromoteTemplate: "mv {source} /x"},
		"unknown shell":         {SyncTemplate: "cp -r {source} {target}", DeleteTemplate: "rm -rf {target}", Shell: "no-such-shell-here"},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewCommandClient(cfg)
			assert.Error(t, err)
		})
	}
}

func TestCommandClientClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		script string
		kind   Kind
	}{
		{"cannot execute", "exit 126", KindPermissionDenied},
		{"permission message", "echo 'rsync: Permission denied (13)' >&2; exit 23", KindPermissionDenied},
		{"command not found", "exit 127", KindRemoteUnavailable},
		{"connection refused", "echo 'ssh: connect to host x port 22: Connection refused' >&2; exit 255", KindRemoteUnavailable},
		{"rsync socket error", "exit 10", KindRemoteUnavailable},
		{"rsync timeout", "exit 30", KindTimeout},
		{"generic failure", "exit 23", KindPartialTransfer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := NewCommandClient(CommandConfig{
				SyncTemplate:   "true {source} {target}",
				DeleteTemplate: tc.script + " # {target}",
			})
			require.NoError(t, err)

			err = c.Delete(context.Background(), "target")
			var te *TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tc.kind, te.Kind)
			assert.Equal(t, "delete", te.Op)
		})
	}
}

func TestCommandClientTimeout(t *testing.T) {
	c, err := NewCommandClient(CommandConfig{
		SyncTemplate:   "true {source} {target}",
		DeleteTemplate: "sleep 2 # {target}",
		Timeout:        50 * time.Millisecond,
	})
	require.NoError(t, err)

	err = c.Delete(context.Background(), "target")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
}

func TestExpandTemplateQuotes(t *testing.T) {
	got := expandTemplate("cp -r {source} {target}", "/a b", "/it's")
	assert.Equal(t, `cp -r '/a b' '/it'\''s'`, got)
}
