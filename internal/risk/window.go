package risk

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/fraudguard/internal/syncutil"
	"github.com/shopspring/decimal"
)

// RetentionWindow is the longest rule window; cached entries older than this
// are never needed for correctness and may be purged. Checks that reach
// further back (amount spike, location jump) read from the Store instead.
const RetentionWindow = VelocityUnusualWindow

// Entry is one cached transaction in a user's recent-activity window. It
// carries just enough of the transaction to answer velocity, duplicate,
// device and location questions without touching the historical store.
type Entry struct {
	TransactionID string          `json:"transactionId"`
	MerchantID    string          `json:"merchantId"`
	DeviceID      string          `json:"deviceId,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Location      *Location       `json:"location,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// RecentActivity is the time-windowed cache over a user's latest
// transactions. Implementations answer trailing-window queries in time
// proportional to the window size, not full history size.
//
// Writes happen only inside the orchestrator's per-user critical section,
// so implementations need to be safe across users but never see concurrent
// writers for the same user.
type RecentActivity interface {
	// Append adds a newly recorded transaction to the user's window and
	// purges entries older than RetentionWindow behind it.
	Append(ctx context.Context, userID string, e Entry) error

	// Recent returns the user's entries with timestamps in
	// [until-window, until], ordered by timestamp ascending.
	Recent(ctx context.Context, userID string, until time.Time, window time.Duration) ([]Entry, error)
}

// ringCapacity bounds per-user memory. A user submitting continuously for
// the full 600s retention at ~0.4 tx/s still fits.
const ringCapacity = 256

// MemoryWindow keeps per-user fixed-capacity ring buffers. Eviction is
// lazy: entries older than RetentionWindow relative to the newest appended
// entry are dropped on the next append.
type MemoryWindow struct {
	mu    sync.RWMutex
	rings map[string]*ring
	locks syncutil.ShardedMutex
}

type ring struct {
	entries []Entry // oldest first; len <= ringCapacity
}

// NewMemoryWindow creates an empty in-memory recent-activity cache.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{rings: make(map[string]*ring)}
}

func (w *MemoryWindow) Append(ctx context.Context, userID string, e Entry) error {
	unlock := w.locks.Lock(userID)
	defer unlock()

	r := w.ring(userID)
	r.entries = append(r.entries, e)

	// Lazy purge against the newest event timestamp rather than the wall
	// clock, so replayed or backdated streams evict deterministically.
	cutoff := newest(r.entries).Add(-RetentionWindow)
	kept := r.entries[:0]
	for _, ent := range r.entries {
		if !ent.Timestamp.Before(cutoff) {
			kept = append(kept, ent)
		}
	}
	r.entries = kept

	if len(r.entries) > ringCapacity {
		r.entries = r.entries[len(r.entries)-ringCapacity:]
	}
	return nil
}

func (w *MemoryWindow) Recent(ctx context.Context, userID string, until time.Time, window time.Duration) ([]Entry, error) {
	unlock := w.locks.Lock(userID)
	defer unlock()

	w.mu.RLock()
	r := w.rings[userID]
	w.mu.RUnlock()
	if r == nil {
		return nil, nil
	}

	start := until.Add(-window)
	out := make([]Entry, 0, len(r.entries))
	for _, ent := range r.entries {
		if !ent.Timestamp.Before(start) && !ent.Timestamp.After(until) {
			out = append(out, ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ring returns or creates the buffer for a user. Caller holds the user's
// shard lock; the map itself needs the struct-level mutex.
func (w *MemoryWindow) ring(userID string) *ring {
	w.mu.RLock()
	r := w.rings[userID]
	w.mu.RUnlock()
	if r != nil {
		return r
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if r = w.rings[userID]; r == nil {
		r = &ring{entries: make([]Entry, 0, 16)}
		w.rings[userID] = r
	}
	return r
}

func newest(entries []Entry) time.Time {
	var max time.Time
	for _, e := range entries {
		if e.Timestamp.After(max) {
			max = e.Timestamp
		}
	}
	return max
}
