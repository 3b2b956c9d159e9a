package checkpoint

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRecordReplacesAtomically(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "7")

	p, err := WriteRecord(dir, Record{TrialID: "t", Step: 7, State: []byte("first")})
	require.NoError(t, err)
	_, err = WriteRecord(dir, Record{TrialID: "t", Step: 7, State: []byte("second")})
	require.NoError(t, err)

	rec, err := ReadRecord(p)
	require.NoError(t, err)
	assert.Equal(t, RecordVersion, rec.Version)
	assert.Equal(t, "second", string(rec.State))

	// no temporary files are left behind.
	entries, err := ioutil.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, RecordFile, entries[0].Name())
}

func TestReadRecordMissingFile(t *testing.T) {
	_, err := ReadRecord(filepath.Join(t.TempDir(), RecordFile))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, ErrCorrupt)
}

func TestSigmoidTrainable(t *testing.T) {
	s := new(SigmoidTrainable)
	require.NoError(t, s.Setup(Config{"width": 2.0, "height": 10}))

	var last Result
	for i := 0; i < 3; i++ {
		r, err := s.Step()
		require.NoError(t, err)
		last = r
	}
	assert.EqualValues(t, 3, last["timestep"])
	assert.InDelta(t, 9.051, last["episode_reward_mean"], 0.001)

	assert.Error(t, s.Setup(Config{"width": 0.0}))
	assert.Error(t, s.Setup(Config{"height": "tall"}))

	assert.Error(t, new(SigmoidTrainable).LoadCheckpoint(filepath.Join(t.TempDir(), "absent")))
}
