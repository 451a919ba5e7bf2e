package watcher

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receiveBatch(t *testing.T, d *debouncer) []Event {
	t.Helper()
	select {
	case batch := <-d.output:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("no batch emitted")
		return nil
	}
}

func TestDebouncer_CoalescesSamePath(t *testing.T) {
	d := newDebouncer(20*time.Millisecond, discardLogger())
	defer d.stop()

	d.add(Event{Path: "a.go", Op: OpChange})
	d.add(Event{Path: "a.go", Op: OpChange})
	d.add(Event{Path: "a.go", Op: OpChange})

	batch := receiveBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, Event{Path: "a.go", Op: OpChange}, batch[0])
}

func TestDebouncer_LastOpWins(t *testing.T) {
	d := newDebouncer(20*time.Millisecond, discardLogger())
	defer d.stop()

	d.add(Event{Path: "a.go", Op: OpChange})
	d.add(Event{Path: "a.go", Op: OpDelete})

	batch := receiveBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpDelete, batch[0].Op)
}

func TestDebouncer_BatchesDistinctPaths(t *testing.T) {
	d := newDebouncer(20*time.Millisecond, discardLogger())
	defer d.stop()

	d.add(Event{Path: "a.go", Op: OpChange})
	d.add(Event{Path: "b.go", Op: OpDelete})

	batch := receiveBatch(t, d)
	assert.ElementsMatch(t, []Event{
		{Path: "a.go", Op: OpChange},
		{Path: "b.go", Op: OpDelete},
	}, batch)
}

func TestDebouncer_QuietWindowResets(t *testing.T) {
	d := newDebouncer(60*time.Millisecond, discardLogger())
	defer d.stop()

	d.add(Event{Path: "a.go", Op: OpChange})
	time.Sleep(30 * time.Millisecond)
	d.add(Event{Path: "b.go", Op: OpChange})

	// Both events land in one batch because the second arrival reset
	// the window before the first flush fired.
	batch := receiveBatch(t, d)
	assert.Len(t, batch, 2)
}

func TestDebouncer_StopDropsLateEvents(t *testing.T) {
	d := newDebouncer(10*time.Millisecond, discardLogger())
	d.stop()

	d.add(Event{Path: "a.go", Op: OpChange})

	_, ok := <-d.output
	assert.False(t, ok)
}
