package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogOrdersBySteps(t *testing.T) {
	c, err := NewMemoryCatalog()
	require.NoError(t, err)
	defer c.Close()

	for _, step := range []int64{10, 2, 100, 9} {
		require.NoError(t, c.Put(&Descriptor{TrialID: "trial_0", Step: step, Revision: "r"}))
	}
	require.NoError(t, c.Put(&Descriptor{TrialID: "trial_00", Step: 1000}))

	latest, err := c.Latest("trial_0")
	require.NoError(t, err)
	assert.EqualValues(t, 100, latest.Step)

	all, err := c.List("trial_0")
	require.NoError(t, err)
	var steps []int64
	for _, d := range all {
		steps = append(steps, d.Step)
	}
	assert.Equal(t, []int64{2, 9, 10, 100}, steps)

	got, err := c.Get("trial_0", 9)
	require.NoError(t, err)
	assert.Equal(t, "r", got.Revision)

	_, err = c.Get("trial_0", 3)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Latest("unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCatalogDeleteAndPrune(t *testing.T) {
	c, err := NewMemoryCatalog()
	require.NoError(t, err)
	defer c.Close()

	for step := int64(1); step <= 5; step++ {
		require.NoError(t, c.Put(&Descriptor{TrialID: "t", Step: step}))
	}

	require.NoError(t, c.Delete("t", 5))
	require.NoError(t, c.Delete("t", 5))

	removed, err := c.Prune("t", 2)
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	all, err := c.List("t")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.EqualValues(t, 3, all[0].Step)
	assert.EqualValues(t, 4, all[1].Step)
}

// Simulate a restart of the process owning the catalog.
func TestCatalogIsPersistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	c, err := NewCatalog(path)
	require.NoError(t, err)
	require.NoError(t, c.Put(&Descriptor{TrialID: "t", Step: 7, Durable: true}))
	require.NoError(t, c.Close())

	c, err = NewCatalog(path)
	require.NoError(t, err)
	defer c.Close()

	latest, err := c.Latest("t")
	require.NoError(t, err)
	assert.EqualValues(t, 7, latest.Step)
	assert.True(t, latest.Durable)
}

func TestCatalogReopensAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	for step := int64(1); step <= 3; step++ {
		c, err := NewCatalog(path)
		require.NoError(t, err)
		require.NoError(t, c.Put(&Descriptor{TrialID: "t", Step: step}))
		require.NoError(t, c.Close())
	}

	c, err := NewCatalog(path)
	require.NoError(t, err)
	defer c.Close()

	all, err := c.List("t")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
