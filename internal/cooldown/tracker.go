package cooldown

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// Key identifies the cooldown scope: one rule applied to one instrument.
type Key struct {
	RuleID string
	Symbol string
}

func (k Key) hash() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(k.RuleID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(k.Symbol)
	return h.Sum64()
}

// Record holds the firing history for a key.
type Record struct {
	LastFired time.Time
	Seq       uint64
}

// Entry pairs a key with its record for snapshot/restore.
type Entry struct {
	Key    Key
	Record Record
}

type shard struct {
	mu      sync.Mutex
	records map[Key]Record
}

// Tracker answers "may this key fire now?" and records committed firings.
// It is a sharded map with per-shard locking: keys on different shards never
// contend, and reads/writes for one key are linearizable.
type Tracker struct {
	window time.Duration
	shards [shardCount]shard
}

// New constructs a tracker with the given cooldown window.
func New(window time.Duration) *Tracker {
	t := &Tracker{window: window}
	for i := range t.shards {
		t.shards[i].records = make(map[Key]Record)
	}
	return t
}

// Window reports the configured cooldown duration.
func (t *Tracker) Window() time.Duration {
	return t.window
}

func (t *Tracker) shardFor(key Key) *shard {
	return &t.shards[key.hash()%shardCount]
}

// IsEligible reports whether the key may fire at the given instant: either no
// committed firing exists, or the last one is at least a full window old.
func (t *Tracker) IsEligible(key Key, now time.Time) bool {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.LastFired.IsZero() {
		return true
	}
	return now.Sub(rec.LastFired) >= t.window
}

// Commit records a confirmed delivery at the given instant and returns the
// key's new firing sequence number. Callers must invoke this at most once per
// actually-delivered event; Commit itself is not idempotent.
func (t *Tracker) Commit(key Key, now time.Time) uint64 {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[key]
	rec.LastFired = now
	rec.Seq++
	s.records[key] = rec
	return rec.Seq
}

// Snapshot copies the full cooldown state for persistence.
func (t *Tracker) Snapshot() []Entry {
	entries := make([]Entry, 0, 256)
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for key, rec := range s.records {
			entries = append(entries, Entry{Key: key, Record: rec})
		}
		s.mu.Unlock()
	}
	return entries
}

// Restore loads persisted state. Existing records for the same key are
// overwritten; intended for use at startup before traffic flows.
func (t *Tracker) Restore(entries []Entry) {
	for _, e := range entries {
		s := t.shardFor(e.Key)
		s.mu.Lock()
		s.records[e.Key] = e.Record
		s.mu.Unlock()
	}
}

// Len reports the number of tracked keys.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}
