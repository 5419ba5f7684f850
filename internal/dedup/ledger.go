package dedup

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDuplicate marks a signal whose (instrument, nonce) was already admitted. It is benign.
var ErrDuplicate = errors.New("duplicate signal")

// Result of an admission attempt.
type Result int

const (
	Accepted Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "duplicate"
}

// Ledger admits each (instrument, nonce) at most once within its retention window.
type Ledger interface {
	Admit(ctx context.Context, instrument, nonce string, now time.Time) (Result, error)
}

// Entry is one remembered admission.
type Entry struct {
	Instrument  string
	Nonce       string
	ProcessedAt time.Time
}

type key struct {
	instrument string
	nonce      string
}

// MemoryLedger keeps admissions in a map plus an insertion-ordered queue so
// expired entries can be dropped from the front on each call.
type MemoryLedger struct {
	retention time.Duration

	mu      sync.Mutex
	entries map[key]time.Time
	queue   []Entry
	head    int
}

// NewMemoryLedger creates a ledger that forgets admissions older than retention.
func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	return &MemoryLedger{
		retention: retention,
		entries:   make(map[key]time.Time),
	}
}

// Admit records the key and reports whether it was new.
func (l *MemoryLedger) Admit(_ context.Context, instrument, nonce string, now time.Time) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictLocked(now)

	k := key{instrument, nonce}
	if _, seen := l.entries[k]; seen {
		return Duplicate, nil
	}
	l.entries[k] = now
	l.queue = append(l.queue, Entry{Instrument: instrument, Nonce: nonce, ProcessedAt: now})
	return Accepted, nil
}

// Restore seeds the ledger, typically from the signal journal after a restart.
// Entries must be oldest first.
func (l *MemoryLedger) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		k := key{e.Instrument, e.Nonce}
		if _, seen := l.entries[k]; seen {
			continue
		}
		l.entries[k] = e.ProcessedAt
		l.queue = append(l.queue, e)
	}
}

// Len returns the number of remembered admissions.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLedger) evictLocked(now time.Time) {
	cutoff := now.Add(-l.retention)
	for l.head < len(l.queue) {
		e := l.queue[l.head]
		if !e.ProcessedAt.Before(cutoff) {
			break
		}
		k := key{e.Instrument, e.Nonce}
		if at, ok := l.entries[k]; ok && at.Equal(e.ProcessedAt) {
			delete(l.entries, k)
		}
		l.queue[l.head] = Entry{}
		l.head++
	}
	if l.head > 0 && l.head*2 >= len(l.queue) {
		l.queue = append(l.queue[:0], l.queue[l.head:]...)
		l.head = 0
	}
}
