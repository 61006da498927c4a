package drain

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerRefusesNewUpdatesWhileDraining(t *testing.T) {
	var draining atomic.Bool
	tr := NewTracker(draining.Load)

	done, err := tr.TryStart("repo-a")
	require.NoError(t, err)

	draining.Store(true)
	_, err = tr.TryStart("repo-b")
	assert.ErrorIs(t, err, ErrDraining)

	assert.Equal(t, 1, tr.Count())
	done()
	assert.Equal(t, 0, tr.Count())
}

func TestTrackerOneUpdatePerMaterial(t *testing.T) {
	tr := NewTracker(nil)

	done, err := tr.TryStart("repo")
	require.NoError(t, err)
	_, err = tr.TryStart("repo")
	assert.ErrorIs(t, err, ErrUpdateInProgress)

	done()
	done()
	assert.Equal(t, 0, tr.Count())

	again, err := tr.TryStart("repo")
	require.NoError(t, err)
	again()
}

func TestTrackerRunningIsSorted(t *testing.T) {
	tr := NewTracker(nil)
	for _, m := range []string{"c", "a", "b"} {
		_, err := tr.TryStart(m)
		require.NoError(t, err)
	}

	running := tr.Running()
	require.Len(t, running, 3)
	assert.Equal(t, "a", running[0].Material)
	assert.Equal(t, "c", running[2].Material)
}
