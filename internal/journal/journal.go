// Package journal keeps a bounded in-memory feed of engine activity. The
// operations API serves the ring over /api/journal/recent and fans live
// entries out to websocket subscribers. Entries are observability data,
// not durable state; the executions table remains the system of record.
package journal

import (
	"sync"
	"time"
)

// Kind labels what happened.
type Kind string

const (
	KindAdmitted     Kind = "execution_admitted"
	KindDuplicate    Kind = "event_duplicate"
	KindSkipped      Kind = "execution_skipped"
	KindStarted      Kind = "execution_started"
	KindSucceeded    Kind = "execution_succeeded"
	KindFailed       Kind = "execution_failed"
	KindRetry        Kind = "retry_scheduled"
	KindDeadLettered Kind = "execution_dead_lettered"
	KindNotification Kind = "notification_reported"
)

// Entry is one journal line. Fields are omitted when empty so websocket
// clients see compact frames.
type Entry struct {
	Seq          uint64    `json:"seq"`
	Time         time.Time `json:"time"`
	Kind         Kind      `json:"kind"`
	Source       string    `json:"source,omitempty"` // timer, poll, webhook
	AutomationID string    `json:"automation_id,omitempty"`
	ExecutionID  string    `json:"execution_id,omitempty"`
	Service      string    `json:"service,omitempty"`
	Reaction     string    `json:"reaction,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// DefaultCapacity bounds the ring when the caller passes zero.
const DefaultCapacity = 256

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind loses entries rather than stalling publishers.
const subscriberBuffer = 64

// Journal is safe for concurrent publishers and subscribers.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	start   int // index of the oldest entry
	count   int
	seq     uint64
	subs    map[chan Entry]struct{}
}

// New builds a journal holding at most capacity entries.
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{
		entries: make([]Entry, capacity),
		subs:    make(map[chan Entry]struct{}),
	}
}

// Publish stamps and records an entry, then offers it to every live
// subscriber without blocking.
func (j *Journal) Publish(e Entry) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.seq++
	e.Seq = j.seq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	pos := (j.start + j.count) % len(j.entries)
	j.entries[pos] = e
	if j.count < len(j.entries) {
		j.count++
	} else {
		j.start = (j.start + 1) % len(j.entries)
	}

	for ch := range j.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; it keeps its place in the stream minus
			// this entry.
		}
	}
	j.mu.Unlock()
}

// Recent returns up to limit entries in chronological order, oldest first.
// limit <= 0 returns everything retained.
func (j *Journal) Recent(limit int) []Entry {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	n := j.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	// Take the newest n, preserving order.
	first := j.count - n
	for i := first; i < j.count; i++ {
		out = append(out, j.entries[(j.start+i)%len(j.entries)])
	}
	return out
}

// Subscribe registers a live feed. The cancel func must be called when the
// consumer goes away; it closes the channel.
func (j *Journal) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, subscriberBuffer)
	j.mu.Lock()
	j.subs[ch] = struct{}{}
	j.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			j.mu.Lock()
			delete(j.subs, ch)
			j.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount reports live subscriptions.
func (j *Journal) SubscriberCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.subs)
}
