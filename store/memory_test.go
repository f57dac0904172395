package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-agents/credence/domain"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestStore() (*MemoryStore, *fakeClock) {
	clock := newFakeClock()
	s := NewMemoryStore()
	s.SetClock(clock.Now)
	return s, clock
}

func insertMemory(t *testing.T, s *MemoryStore, m *domain.EntityMemory) *domain.EntityMemory {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), m))
	return m
}

func TestInsertDefaults(t *testing.T) {
	s, clock := newTestStore()

	m := insertMemory(t, s, &domain.EntityMemory{
		CanonicalEntityID: "entity-1",
		Content:           "likes green tea",
	})

	assert.NotEqual(t, uuid.Nil, m.ID)
	assert.Equal(t, domain.TierMidTerm, m.Tier)
	assert.Equal(t, domain.MemoryTypeObservation, m.Type)
	assert.Equal(t, 1, m.SessionCount)
	require.NotNil(t, m.ExpiresAt)
	assert.Equal(t, clock.Now().Add(DefaultMidTermTTL), *m.ExpiresAt)
	assert.Equal(t, clock.Now(), m.CreatedAt)
}

func TestInsertLongTermNeverExpires(t *testing.T) {
	s, clock := newTestStore()

	exp := clock.Now().Add(time.Hour)
	m := insertMemory(t, s, &domain.EntityMemory{
		CanonicalEntityID: "entity-1",
		Content:           "is a physician",
		Tier:              domain.TierLongTerm,
		ExpiresAt:         &exp,
	})

	assert.Nil(t, m.ExpiresAt)
}

func TestInsertValidation(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	cases := []*domain.EntityMemory{
		nil,
		{Content: "no entity"},
		{CanonicalEntityID: "e", Content: ""},
		{CanonicalEntityID: "e", Content: "x", Tier: "eternal"},
		{CanonicalEntityID: "e", Content: "x", Type: "hunch"},
	}
	for _, m := range cases {
		assert.ErrorIs(t, s.Insert(ctx, m), ErrInvalidInput)
	}
}

func TestQueryOrdersNewestFirst(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	first := insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "first"})
	clock.Advance(time.Minute)
	second := insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "second"})
	clock.Advance(time.Minute)
	third := insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "third"})

	got, err := s.Query(ctx, domain.QueryFilter{CanonicalEntityID: "e"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, third.ID, got[0].ID)
	assert.Equal(t, second.ID, got[1].ID)
	assert.Equal(t, first.ID, got[2].ID)

	got, err = s.Query(ctx, domain.QueryFilter{CanonicalEntityID: "e", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestQueryFilters(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	insertMemory(t, s, &domain.EntityMemory{
		CanonicalEntityID: "e", Content: "obs", Tier: domain.TierMidTerm,
	})
	fact := insertMemory(t, s, &domain.EntityMemory{
		CanonicalEntityID: "e", Content: "fact", Tier: domain.TierLongTerm, Type: domain.MemoryTypeFact,
	})
	insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "other", Content: "elsewhere"})

	got, err := s.Query(ctx, domain.QueryFilter{
		CanonicalEntityID: "e",
		Tiers:             []domain.MemoryTier{domain.TierLongTerm},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fact.ID, got[0].ID)

	got, err = s.Query(ctx, domain.QueryFilter{
		CanonicalEntityID: "e",
		Types:             []domain.MemoryType{domain.MemoryTypeFact},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fact.ID, got[0].ID)

	_, err = s.Query(ctx, domain.QueryFilter{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestQueryLazyExpiry(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	m := insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "fades"})
	clock.Advance(DefaultMidTermTTL + time.Hour)

	got, err := s.Query(ctx, domain.QueryFilter{CanonicalEntityID: "e"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Query(ctx, domain.QueryFilter{CanonicalEntityID: "e", IncludeExpired: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID)
}

func TestBumpSessionCount(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	m := insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "seen again"})
	require.NoError(t, s.BumpSessionCount(ctx, m.ID))
	require.NoError(t, s.BumpSessionCount(ctx, m.ID))

	got, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.SessionCount)

	assert.ErrorIs(t, s.BumpSessionCount(ctx, uuid.New()), ErrNotFound)
}

func TestMarkSuperseded(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	m := insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "outdated"})
	require.NoError(t, s.MarkSuperseded(ctx, m.ID))

	got, err := s.Query(ctx, domain.QueryFilter{CanonicalEntityID: "e"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.Query(ctx, domain.QueryFilter{CanonicalEntityID: "e", IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPromoteTier(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	m := insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "mature"})
	clock.Advance(time.Hour)

	require.NoError(t, s.PromoteTier(ctx, m.ID, domain.TierLongTerm))

	got, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierLongTerm, got.Tier)
	assert.Nil(t, got.ExpiresAt)
	require.NotNil(t, got.Provenance.PromotedFrom)
	assert.Equal(t, domain.TierMidTerm, *got.Provenance.PromotedFrom)
	require.NotNil(t, got.Provenance.PromotedAt)
	assert.Equal(t, clock.Now(), *got.Provenance.PromotedAt)

	assert.ErrorIs(t, s.PromoteTier(ctx, uuid.New(), domain.TierLongTerm), ErrNotFound)
	assert.ErrorIs(t, s.PromoteTier(ctx, m.ID, "eternal"), ErrInvalidInput)
}

func TestPurgeExpired(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "short-lived"})
	keeper := insertMemory(t, s, &domain.EntityMemory{
		CanonicalEntityID: "e", Content: "permanent", Tier: domain.TierLongTerm,
	})
	stale := insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "stale but superseded"})
	require.NoError(t, s.MarkSuperseded(ctx, stale.ID))

	clock.Advance(DefaultMidTermTTL + time.Hour)

	// Superseded records are left for audit; long-term never expires.
	purged, err := s.PurgeExpired(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = s.GetByID(ctx, keeper.ID)
	assert.NoError(t, err)
	_, err = s.GetByID(ctx, stale.ID)
	assert.NoError(t, err)

	purged, err = s.PurgeExpired(ctx, "e")
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestCount(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "a"})
	insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "b", Tier: domain.TierLongTerm})
	gone := insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "c"})
	require.NoError(t, s.MarkSuperseded(ctx, gone.ID))

	total, err := s.Count(ctx, "e", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	longTerm := domain.TierLongTerm
	n, err := s.Count(ctx, "e", &longTerm)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Count(ctx, "", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchOrdering(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	near := insertMemory(t, s, &domain.EntityMemory{
		CanonicalEntityID: "e", Content: "near", Embedding: []float32{0.9, 0.1, 0},
	})
	far := insertMemory(t, s, &domain.EntityMemory{
		CanonicalEntityID: "e", Content: "far", Embedding: []float32{0.1, 0.1, 0.9},
	})
	insertMemory(t, s, &domain.EntityMemory{CanonicalEntityID: "e", Content: "no embedding"})

	got, err := s.Search(ctx, "e", []float32{1, 0, 0}, domain.SearchOpts{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, near.ID, got[0].ID)
	assert.Equal(t, far.ID, got[1].ID)
	assert.Greater(t, got[0].Score, got[1].Score)

	// A high threshold excludes the far vector entirely.
	got, err = s.Search(ctx, "e", []float32{1, 0, 0}, domain.SearchOpts{MatchThreshold: 0.8})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near.ID, got[0].ID)

	_, err = s.Search(ctx, "e", nil, domain.SearchOpts{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchSkipsExpiredAndSuperseded(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()

	insertMemory(t, s, &domain.EntityMemory{
		CanonicalEntityID: "e", Content: "fading", Embedding: []float32{1, 0, 0},
	})
	clock.Advance(DefaultMidTermTTL + time.Hour)

	got, err := s.Search(ctx, "e", []float32{1, 0, 0}, domain.SearchOpts{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{2, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 3}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-4, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, Cosine(nil, nil))
}

func TestProject(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	m := insertMemory(t, s, &domain.EntityMemory{
		CanonicalEntityID: "e",
		Content:           "prefers async communication",
		Type:              domain.MemoryTypePreference,
		TrustScore:        0.72,
	})

	got, err := s.Project(ctx, "e", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.Content, got[0].Text)
	assert.Equal(t, domain.MemoryTypePreference, got[0].Type)
	assert.Equal(t, domain.TierMidTerm, got[0].Tier)
	assert.Equal(t, 0.72, got[0].Trust)
	assert.Equal(t, 1, got[0].SessionCount)
}

func TestReturnedCopiesAreIsolated(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	m := insertMemory(t, s, &domain.EntityMemory{
		CanonicalEntityID: "e", Content: "original", Embedding: []float32{1, 2, 3},
	})

	got, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	got.Content = "mutated"
	got.Embedding[0] = 99

	again, err := s.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", again.Content)
	assert.Equal(t, float32(1), again.Embedding[0])
}

func TestGetByIDNotFound(t *testing.T) {
	s, _ := newTestStore()

	_, err := s.GetByID(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))
}
