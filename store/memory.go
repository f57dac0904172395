package store

import (
	"bytes"
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/halcyon-agents/credence/domain"
)

// DefaultMidTermTTL bounds mid-term records that arrive without an explicit
// expiry override.
const DefaultMidTermTTL = 30 * 24 * time.Hour

// MemoryStore is the in-memory reference implementation of
// domain.EntityMemoryStore. A single RWMutex makes every write linearizable
// across entities; readers see a consistent snapshot because all returned
// records are copies.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*domain.EntityMemory
	byEntity map[string][]uuid.UUID

	midTermTTL time.Duration
	now        func() time.Time
}

var _ domain.EntityMemoryStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[uuid.UUID]*domain.EntityMemory),
		byEntity:   make(map[string][]uuid.UUID),
		midTermTTL: DefaultMidTermTTL,
		now:        time.Now,
	}
}

// SetClock replaces the time source. Expiry is evaluated lazily against it.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *MemoryStore) SetMidTermTTL(d time.Duration) {
	s.midTermTTL = d
}

func (s *MemoryStore) Insert(ctx context.Context, m *domain.EntityMemory) error {
	if m == nil || m.CanonicalEntityID == "" || m.Content == "" {
		return ErrInvalidInput
	}
	if m.Tier == "" {
		m.Tier = domain.TierMidTerm
	}
	if !domain.ValidTier(string(m.Tier)) {
		return ErrInvalidInput
	}
	if m.Type == "" {
		m.Type = domain.MemoryTypeObservation
	}
	if !domain.ValidMemoryType(string(m.Type)) {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.SessionCount < 1 {
		m.SessionCount = 1
	}
	m.Superseded = false

	switch m.Tier {
	case domain.TierLongTerm:
		// Long-term never expires, regardless of what the caller set.
		m.ExpiresAt = nil
	case domain.TierMidTerm:
		if m.ExpiresAt == nil {
			exp := now.Add(s.midTermTTL)
			m.ExpiresAt = &exp
		}
	}

	stored := copyMemory(m)
	s.byID[m.ID] = stored
	s.byEntity[m.CanonicalEntityID] = append(s.byEntity[m.CanonicalEntityID], m.ID)
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.EntityMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyMemory(m), nil
}

func (s *MemoryStore) Query(ctx context.Context, f domain.QueryFilter) ([]domain.EntityMemory, error) {
	if f.CanonicalEntityID == "" {
		return nil, ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	tierSet := toSet(f.Tiers)
	typeSet := toSet(f.Types)

	var results []domain.EntityMemory
	for _, id := range s.byEntity[f.CanonicalEntityID] {
		m := s.byID[id]
		if m == nil {
			continue
		}
		if m.Superseded && !f.IncludeSuperseded {
			continue
		}
		if m.Expired(now) && !f.IncludeExpired {
			continue
		}
		if len(tierSet) > 0 && !tierSet[m.Tier] {
			continue
		}
		if len(typeSet) > 0 && !typeSet[m.Type] {
			continue
		}
		results = append(results, *copyMemory(m))
	}

	sortNewestFirst(results)
	if f.Limit > 0 && len(results) > f.Limit {
		results = results[:f.Limit]
	}
	return results, nil
}

func (s *MemoryStore) BumpSessionCount(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.SessionCount++
	return nil
}

func (s *MemoryStore) MarkSuperseded(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.Superseded = true
	return nil
}

func (s *MemoryStore) PromoteTier(ctx context.Context, id uuid.UUID, newTier domain.MemoryTier) error {
	if !domain.ValidTier(string(newTier)) {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}

	from := m.Tier
	at := s.now()
	m.Tier = newTier
	m.Provenance.PromotedFrom = &from
	m.Provenance.PromotedAt = &at
	if newTier == domain.TierLongTerm {
		m.ExpiresAt = nil
	}
	return nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, entityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	purged := 0
	for id, m := range s.byID {
		if entityID != "" && m.CanonicalEntityID != entityID {
			continue
		}
		if m.Superseded || !m.Expired(now) {
			continue
		}
		delete(s.byID, id)
		s.byEntity[m.CanonicalEntityID] = lo.Without(s.byEntity[m.CanonicalEntityID], id)
		purged++
	}
	return purged, nil
}

func (s *MemoryStore) Count(ctx context.Context, entityID string, tier *domain.MemoryTier) (int, error) {
	if entityID == "" {
		return 0, ErrInvalidInput
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, id := range s.byEntity[entityID] {
		m := s.byID[id]
		if m == nil || m.Superseded {
			continue
		}
		if tier != nil && m.Tier != *tier {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) Search(ctx context.Context, entityID string, queryVec []float32, opts domain.SearchOpts) ([]domain.MemoryWithScore, error) {
	if entityID == "" || len(queryVec) == 0 {
		return nil, ErrInvalidInput
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var results []domain.MemoryWithScore
	for _, id := range s.byEntity[entityID] {
		m := s.byID[id]
		if m == nil || m.Superseded || m.Expired(now) || len(m.Embedding) == 0 {
			continue
		}
		score := Cosine(queryVec, m.Embedding)
		if score < opts.MatchThreshold {
			continue
		}
		results = append(results, domain.MemoryWithScore{EntityMemory: *copyMemory(m), Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (s *MemoryStore) Project(ctx context.Context, entityID string, limit int) ([]domain.AnnotatedMemory, error) {
	memories, err := s.Query(ctx, domain.QueryFilter{
		CanonicalEntityID: entityID,
		Limit:             limit,
	})
	if err != nil {
		return nil, err
	}
	return lo.Map(memories, func(m domain.EntityMemory, _ int) domain.AnnotatedMemory {
		return m.Annotate()
	}), nil
}

// Cosine computes cosine similarity, normalizing both vectors at comparison
// time. Mismatched lengths and zero-magnitude vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func sortNewestFirst(results []domain.EntityMemory) {
	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return bytes.Compare(results[i].ID[:], results[j].ID[:]) > 0
	})
}

func copyMemory(m *domain.EntityMemory) *domain.EntityMemory {
	c := *m
	if m.Embedding != nil {
		c.Embedding = make([]float32, len(m.Embedding))
		copy(c.Embedding, m.Embedding)
	}
	if m.ExpiresAt != nil {
		exp := *m.ExpiresAt
		c.ExpiresAt = &exp
	}
	if m.Provenance.PromotedFrom != nil {
		from := *m.Provenance.PromotedFrom
		c.Provenance.PromotedFrom = &from
	}
	if m.Provenance.PromotedAt != nil {
		at := *m.Provenance.PromotedAt
		c.Provenance.PromotedAt = &at
	}
	return &c
}

func toSet[T comparable](items []T) map[T]bool {
	set := make(map[T]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
