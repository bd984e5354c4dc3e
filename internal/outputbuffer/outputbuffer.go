// Package outputbuffer implements the Output Buffer of spec §3/§2(L1): an
// append-only, cursor-indexed ring of OutputEntry values owned by a single
// Debug Session, bounded by a configured retention so a noisy debuggee
// can't grow memory without bound.
package outputbuffer

import (
	"sync"

	"github.com/mcp-funnel/funnel/internal/metrics"
)

// DefaultCapacity matches the teacher's event buffer default.
const DefaultCapacity = 1000

// EntryKind discriminates the OutputEntry union of spec §3.
type EntryKind string

const (
	KindStdio     EntryKind = "stdio"
	KindConsole   EntryKind = "console"
	KindException EntryKind = "exception"
)

// Entry is one OutputEntry: `{stdio(stream,text,offset) |
// console(level,text,args) | exception(text,details)}` tagged by Kind, with
// a monotonic Index assigned at append time.
type Entry struct {
	Index   int64
	Kind    EntryKind
	Stream  string // "stdout" | "stderr", stdio only
	Level   string // console only
	Text    string
	Args    []any  // console only
	Details string // exception only
	Offset  int64  // stdio only: byte offset within the stream
}

// Buffer is a bounded, cursor-indexed ring of Entry values.
type Buffer struct {
	sessionID string
	capacity  int

	mu            sync.RWMutex
	entries       []Entry
	startIndex    int64 // Index of entries[0], once eviction has begun
	nextIndex     int64
	droppedTotal  int64
}

// New constructs a Buffer for the given session with the given capacity
// (DefaultCapacity if cap<=0).
func New(sessionID string, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{sessionID: sessionID, capacity: capacity}
}

// Append adds an entry, assigning it the next monotonic cursor index.
// Oldest entries are evicted once retention is exceeded (spec §5
// "Backpressure": "Output Buffers are bounded by cursor; when a session's
// configured retention is exceeded, oldest entries are evicted.").
func (b *Buffer) Append(e Entry) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	e.Index = b.nextIndex
	b.nextIndex++
	b.entries = append(b.entries, e)

	if len(b.entries) > b.capacity {
		dropped := len(b.entries) - b.capacity
		b.entries = b.entries[dropped:]
		b.startIndex += int64(dropped)
		b.droppedTotal += int64(dropped)
		metrics.RecordOutputDrop(b.sessionID)
	}

	return e.Index
}

// After returns every entry with Index > sinceIndex, in order. Used for
// resumable polling ("search_console_output" et al.) — a caller that
// remembers the last Index it saw can ask for everything since.
func (b *Buffer) After(sinceIndex int64) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Index > sinceIndex {
			out = append(out, e)
		}
	}
	return out
}

// All returns every currently retained entry, in order.
func (b *Buffer) All() []Entry {
	return b.After(b.startIndex - 1)
}

// Filter returns every entry matching kind (if non-empty) whose Text
// satisfies the substr predicate (if non-nil), in order — backing
// search_console_output.
func Filter(entries []Entry, kind EntryKind, substr func(string) bool) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if kind != "" && e.Kind != kind {
			continue
		}
		if substr != nil && !substr(e.Text) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// DroppedTotal returns the total number of entries evicted over this
// buffer's lifetime.
func (b *Buffer) DroppedTotal() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.droppedTotal
}

// Len returns the number of entries currently retained.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
