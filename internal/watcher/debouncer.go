package watcher

import (
	"sync"
	"time"
)

// Op is the kind of change observed for a document
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpWrite:
		return "WRITE"
	case OpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Event is a debounced change to one vault-relative path
type Event struct {
	Path string
	Op   Op
	At   time.Time
}

// Debouncer collapses bursts of changes per path into a single Event that is
// delivered once the path has been quiet for the configured delay.
type Debouncer struct {
	delay   time.Duration
	mu      sync.Mutex
	pending map[string]*pendingEvent
	out     chan Event
	done    chan struct{}
	stopped bool
}

type pendingEvent struct {
	event Event
	timer *time.Timer
}

// NewDebouncer creates a new debouncer with a quiet period of delayMs
func NewDebouncer(delayMs int) *Debouncer {
	return &Debouncer{
		delay:   time.Duration(delayMs) * time.Millisecond,
		pending: make(map[string]*pendingEvent),
		out:     make(chan Event, 100),
		done:    make(chan struct{}),
	}
}

// Events returns the channel of debounced events. It is never closed; stop
// reading once the debouncer is stopped or the caller's context ends.
func (d *Debouncer) Events() <-chan Event {
	return d.out
}

// Add records a change for path, restarting its quiet period
func (d *Debouncer) Add(path string, op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()
	p, exists := d.pending[path]
	if !exists {
		d.pending[path] = &pendingEvent{
			event: Event{Path: path, Op: op, At: now},
			timer: time.AfterFunc(d.delay, func() { d.emit(path) }),
		}
		return
	}

	p.timer.Stop()
	p.event.Op = coalesce(p.event.Op, op)
	p.event.At = now
	p.timer = time.AfterFunc(d.delay, func() { d.emit(path) })
}

// coalesce merges two consecutive operations on the same path.
// Remove then create is an in-place replacement (editor safe-save), so it
// surfaces as a write. Create then write stays a create.
func coalesce(prev, next Op) Op {
	switch {
	case next == OpRemove:
		return OpRemove
	case prev == OpRemove:
		return OpWrite
	case prev == OpCreate:
		return OpCreate
	default:
		return next
	}
}

func (d *Debouncer) emit(path string) {
	d.mu.Lock()
	p, exists := d.pending[path]
	if exists {
		delete(d.pending, path)
	}
	d.mu.Unlock()

	if !exists {
		return
	}
	select {
	case d.out <- p.event:
	case <-d.done:
	}
}

// Flush immediately emits all pending events
func (d *Debouncer) Flush() {
	d.mu.Lock()
	paths := make([]string, 0, len(d.pending))
	for path, p := range d.pending {
		p.timer.Stop()
		paths = append(paths, path)
	}
	d.mu.Unlock()

	for _, path := range paths {
		d.emit(path)
	}
}

// Stop discards pending events and unblocks any in-flight delivery
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	for _, p := range d.pending {
		p.timer.Stop()
	}
	d.pending = make(map[string]*pendingEvent)
	close(d.done)
}

// PendingCount returns the number of paths waiting for their quiet period
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
