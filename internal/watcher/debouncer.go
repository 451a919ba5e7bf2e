package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// debouncer coalesces rapid events per path within a quiet window before
// emitting them as one batch. A change followed by a delete collapses to
// the delete; a delete followed by a change (file replaced) collapses to
// the change.
type debouncer struct {
	window time.Duration
	logger *slog.Logger
	output chan []Event

	mu      sync.Mutex
	pending map[string]Op
	timer   *time.Timer
	stopped bool
}

func newDebouncer(window time.Duration, logger *slog.Logger) *debouncer {
	return &debouncer{
		window:  window,
		logger:  logger,
		output:  make(chan []Event, 8),
		pending: make(map[string]Op),
	}
}

func (d *debouncer) add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	// Last operation wins; the reindex pass re-checks the filesystem
	// anyway, so a stale CHANGE for a deleted file is harmless.
	d.pending[ev.Path] = ev.Op

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Event, 0, len(d.pending))
	for path, op := range d.pending {
		batch = append(batch, Event{Path: path, Op: op})
	}
	d.pending = make(map[string]Op)

	select {
	case d.output <- batch:
	default:
		d.logger.Warn("event batch dropped, consumer too slow",
			slog.Int("batch_size", len(batch)))
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
