// Package logguard implements the per-circuit log ring buffer (spec §4.G
// step 3, "dumping any buffered log lines for the circuit first"),
// grounded on original_source/src/logguard.rs's LogGuard, adapted from a
// single global buffer to one ring per circuit per SPEC_FULL.md's design
// decision (see DESIGN.md).
package logguard

import "time"

// Entry is one buffered daemon log line.
type Entry struct {
	Runlevel  string
	Message   string
	ArrivedAt time.Time
}

// Format renders the entry the way the daemon's own log lines read.
func (e Entry) Format() string {
	return "TOR_" + e.Runlevel + "[" + e.ArrivedAt.Format(time.RFC3339) + "]: " + e.Message
}

// ring is a fixed-capacity FIFO of log entries for a single circuit.
type ring struct {
	entries []Entry
	limit   int
}

func newRing(limit int) *ring {
	return &ring{limit: limit}
}

func (r *ring) push(e Entry) {
	r.entries = append(r.entries, e)
	if over := len(r.entries) - r.limit; over > 0 {
		r.entries = r.entries[over:]
	}
}

func (r *ring) drain() []Entry {
	out := r.entries
	r.entries = nil
	return out
}

// Buffer tracks one ring buffer per circuit ID, draining on demand (spec
// §4.G step 3).
type Buffer struct {
	limit int
	rings map[string]*ring
}

// NewBuffer creates a log-line buffer with the configured per-circuit
// capacity.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit, rings: make(map[string]*ring)}
}

// LogEvent buffers a daemon log line under circID, trimming the oldest
// entry once the per-circuit limit is exceeded.
func (b *Buffer) LogEvent(circID, runlevel, message string, arrivedAt time.Time) {
	if b.limit <= 0 {
		return
	}
	r, ok := b.rings[circID]
	if !ok {
		r = newRing(b.limit)
		b.rings[circID] = r
	}
	r.push(Entry{Runlevel: runlevel, Message: message, ArrivedAt: arrivedAt})
}

// Dump removes and returns circID's buffered entries, oldest first, for the
// caller to emit before issuing a close-circuit command.
func (b *Buffer) Dump(circID string) []Entry {
	r, ok := b.rings[circID]
	if !ok {
		return nil
	}
	entries := r.drain()
	delete(b.rings, circID)
	return entries
}

// Len reports how many entries are currently buffered for circID.
func (b *Buffer) Len(circID string) int {
	r, ok := b.rings[circID]
	if !ok {
		return 0
	}
	return len(r.entries)
}
