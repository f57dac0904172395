package trust

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-agents/credence/domain"
	"github.com/halcyon-agents/credence/store"
)

const (
	// DefaultCapacity bounds the number of tracked sources before
	// least-recently-seen eviction kicks in.
	DefaultCapacity = 10_000
	// DefaultHistoryWindow bounds the positive+negative counters; beyond it
	// they rescale proportionally, which approximates recency decay.
	DefaultHistoryWindow = 1_000
	// evictFraction of capacity is dropped per eviction pass. Batching
	// amortizes the O(n log n) sort.
	evictFraction = 10
)

// SourceTracker is the authoritative, append-only map from source identity to
// historical reliability. Source type is frozen at first registration; a later
// call claiming a different type is logged and ignored, which blocks
// type-escalation attacks. All state lives behind a single mutex, so readers
// never observe a torn record.
type SourceTracker struct {
	mu      sync.Mutex
	sources map[string]*domain.SourceRecord

	capacity      int
	historyWindow int
	now           func() time.Time
	logger        *zap.Logger
}

var _ domain.SourceStore = (*SourceTracker)(nil)

func NewSourceTracker(logger *zap.Logger) *SourceTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceTracker{
		sources:       make(map[string]*domain.SourceRecord),
		capacity:      DefaultCapacity,
		historyWindow: DefaultHistoryWindow,
		now:           time.Now,
		logger:        logger,
	}
}

func (t *SourceTracker) SetCapacity(n int) {
	if n > 0 {
		t.capacity = n
	}
}

func (t *SourceTracker) SetHistoryWindow(n int) {
	if n > 0 {
		t.historyWindow = n
	}
}

// SetClock replaces the time source for deterministic tests.
func (t *SourceTracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *SourceTracker) Record(ctx context.Context, id string, typ domain.SourceType, fb domain.Feedback) (*domain.SourceRecord, error) {
	if id == "" || !domain.ValidSourceType(string(typ)) || !domain.ValidFeedback(string(fb)) {
		return nil, store.ErrInvalidInput
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	rec, ok := t.sources[id]
	if !ok {
		rec = t.register(id, typ, now)
	} else if rec.Type != typ {
		t.logger.Warn("source type mismatch ignored",
			zap.String("source_id", id),
			zap.String("registered_type", string(rec.Type)),
			zap.String("claimed_type", string(typ)))
	}

	rec.LastSeen = now
	switch fb {
	case domain.FeedbackPositive:
		rec.Positive++
	case domain.FeedbackNegative:
		rec.Negative++
	}
	rec.Reliability = domain.BayesianReliability(rec.Positive, rec.Negative)

	out := *rec
	return &out, nil
}

func (t *SourceTracker) Get(ctx context.Context, id string) (*domain.SourceRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	// Reads keep a source alive for eviction purposes.
	rec.LastSeen = t.now()
	out := *rec
	return &out, nil
}

func (t *SourceTracker) GetReliability(ctx context.Context, id string) (float64, error) {
	rec, err := t.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.Reliability, nil
}

// Observe atomically snapshots the record state prior to this call, then
// touches LastSeen, registering the source on first contact. Temporal
// coherence scoring must see the pre-call LastSeen; doing the read and the
// touch under one lock closes the race where a concurrent call observes an
// already-updated timestamp and under-penalizes rapid-fire input.
func (t *SourceTracker) Observe(ctx context.Context, id string, claimed domain.SourceType) (*domain.SourceObservation, error) {
	if id == "" || !domain.ValidSourceType(string(claimed)) {
		return nil, store.ErrInvalidInput
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	obs := &domain.SourceObservation{ObservedAt: now}

	rec, ok := t.sources[id]
	if !ok {
		rec = t.register(id, claimed, now)
	} else {
		prior := *rec
		obs.Prior = &prior
		if rec.Type != claimed {
			obs.TypeMismatch = true
			t.logger.Warn("source type mismatch ignored",
				zap.String("source_id", id),
				zap.String("registered_type", string(rec.Type)),
				zap.String("claimed_type", string(claimed)))
		}
	}

	rec.LastSeen = now
	return obs, nil
}

func (t *SourceTracker) UpdateReliability(ctx context.Context, id string, fb domain.Feedback) (*domain.SourceRecord, error) {
	if !domain.ValidFeedback(string(fb)) {
		return nil, store.ErrInvalidInput
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	switch fb {
	case domain.FeedbackPositive:
		rec.Positive++
	case domain.FeedbackNegative:
		rec.Negative++
	}

	// Bound the counters: rescaling preserves the ratio while halving the
	// weight of old history.
	if total := rec.Positive + rec.Negative; total > t.historyWindow {
		scale := float64(t.historyWindow) / 2 / float64(total)
		rec.Positive = int(float64(rec.Positive) * scale)
		rec.Negative = int(float64(rec.Negative) * scale)
	}

	rec.Reliability = domain.BayesianReliability(rec.Positive, rec.Negative)
	rec.LastSeen = t.now()

	out := *rec
	return &out, nil
}

func (t *SourceTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources = make(map[string]*domain.SourceRecord)
}

func (t *SourceTracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// TrackedSources returns copies of all records, for administrative use.
func (t *SourceTracker) TrackedSources() []domain.SourceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.SourceRecord, 0, len(t.sources))
	for _, rec := range t.sources {
		out = append(out, *rec)
	}
	return out
}

// register creates a fresh record with neutral reliability, evicting first if
// the tracker is at capacity. Caller holds the lock.
func (t *SourceTracker) register(id string, typ domain.SourceType, now time.Time) *domain.SourceRecord {
	if len(t.sources) >= t.capacity {
		t.evict()
	}
	rec := &domain.SourceRecord{
		ID:          id,
		Type:        typ,
		FirstSeen:   now,
		LastSeen:    now,
		Reliability: domain.BayesianReliability(0, 0),
	}
	t.sources[id] = rec
	return rec
}

// evict drops the least-recently-seen batch. Caller holds the lock.
func (t *SourceTracker) evict() {
	batch := t.capacity / evictFraction
	if batch < 1 {
		batch = 1
	}

	recs := make([]*domain.SourceRecord, 0, len(t.sources))
	for _, rec := range t.sources {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].LastSeen.Before(recs[j].LastSeen)
	})

	if batch > len(recs) {
		batch = len(recs)
	}
	for _, rec := range recs[:batch] {
		delete(t.sources, rec.ID)
	}
	t.logger.Debug("evicted least-recently-seen sources", zap.Int("count", batch))
}
