package dispatcher

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each log subscriber.
	// Entries are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// replayBufferSize is how many recent entries a worker slot retains for
	// replay to subscribers that attach mid-run or after the worker died.
	replayBufferSize = 32
)

// LogEntry is one worker stderr line, stamped with the run it came from so
// a subscriber that watches a worker slot across restarts can tell runs
// apart.
type LogEntry struct {
	RunID string `json:"run_id"`
	Line  string `json:"line"`
}

// LogBroker fans worker stderr lines out to subscribers, keyed by worker
// index. Each worker slot keeps a short replay window, so a subscriber
// attaching late still sees the tail of the output, including the last
// lines of a worker that already died. Safe for concurrent use.
type LogBroker struct {
	mu      sync.Mutex
	workers map[int]*workerLog
}

type workerLog struct {
	subs   map[int]chan LogEntry
	nextID int
	recent []LogEntry
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		workers: make(map[int]*workerLog),
	}
}

func (b *LogBroker) slot(worker int) *workerLog {
	w, ok := b.workers[worker]
	if !ok {
		w = &workerLog{subs: make(map[int]chan LogEntry)}
		b.workers[worker] = w
	}
	return w
}

// Subscribe returns a channel that receives log entries for the given
// worker and an unsubscribe function. The replay window is delivered
// first; if the worker has already terminated the channel is closed right
// after it.
func (b *LogBroker) Subscribe(worker int) (<-chan LogEntry, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.slot(worker)

	ch := make(chan LogEntry, subscriberBufferSize)
	for _, e := range w.recent {
		ch <- e
	}
	if w.closed {
		close(ch)
		return ch, func() {}
	}

	id := w.nextID
	w.nextID++
	w.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(w.subs, id)
	}
}

// Publish records a stderr line from the given worker run and delivers it
// to all subscribers of that worker. Entries are dropped for subscribers
// whose buffers are full.
func (b *LogBroker) Publish(worker int, runID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.slot(worker)
	if w.closed {
		return
	}

	entry := LogEntry{RunID: runID, Line: line}
	w.recent = append(w.recent, entry)
	if len(w.recent) > replayBufferSize {
		w.recent = w.recent[len(w.recent)-replayBufferSize:]
	}

	for _, ch := range w.subs {
		select {
		case ch <- entry:
		default:
			// Drop for slow subscribers to avoid blocking the scanner.
		}
	}
}

// Close signals that no more lines will come from the given worker. All
// subscriber channels are closed; the replay window stays available to
// late subscribers.
func (b *LogBroker) Close(worker int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.slot(worker)
	w.closed = true
	for id, ch := range w.subs {
		close(ch)
		delete(w.subs, id)
	}
}
