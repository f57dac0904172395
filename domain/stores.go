package domain

import (
	"context"

	"github.com/google/uuid"
)

// SourceStore tracks per-source reliability history. The in-memory tracker in
// package trust is the reference implementation; durable adapters live under
// store/. Implementations must serialize all mutation of a given source's
// state so readers never observe a torn record.
//
// Lookups that miss return an error satisfying errors.Is(err, store.ErrNotFound).
type SourceStore interface {
	// Record registers an unseen source (type frozen at first registration,
	// reliability initialized neutral) or updates a seen one. A changed
	// claimed type is never applied. Returns the post-update record.
	Record(ctx context.Context, id string, typ SourceType, fb Feedback) (*SourceRecord, error)

	// Get returns a copy of the record and touches LastSeen.
	Get(ctx context.Context, id string) (*SourceRecord, error)

	// GetReliability returns the derived reliability and touches LastSeen.
	GetReliability(ctx context.Context, id string) (float64, error)

	// Observe atomically reads the record state prior to this call, then
	// touches LastSeen (registering the source on first contact). The prior
	// state is what temporal coherence scoring must see.
	Observe(ctx context.Context, id string, claimed SourceType) (*SourceObservation, error)

	// UpdateReliability is the explicit ground-truth correction channel.
	UpdateReliability(ctx context.Context, id string, fb Feedback) (*SourceRecord, error)
}

// EntityMemoryStore is keyed, tiered storage of memory records per entity.
// Writes must be linearizable per canonical entity id; reads may run
// concurrently with writes but must see a consistent snapshot.
type EntityMemoryStore interface {
	Insert(ctx context.Context, m *EntityMemory) error
	GetByID(ctx context.Context, id uuid.UUID) (*EntityMemory, error)
	Query(ctx context.Context, f QueryFilter) ([]EntityMemory, error)
	BumpSessionCount(ctx context.Context, id uuid.UUID) error
	MarkSuperseded(ctx context.Context, id uuid.UUID) error
	PromoteTier(ctx context.Context, id uuid.UUID, newTier MemoryTier) error
	// PurgeExpired deletes non-superseded records whose TTL has elapsed,
	// scoped to one entity, or store-wide when entityID is empty. Records
	// with a nil ExpiresAt are never touched. Returns the count removed.
	PurgeExpired(ctx context.Context, entityID string) (int, error)
	Count(ctx context.Context, entityID string, tier *MemoryTier) (int, error)
	Search(ctx context.Context, entityID string, queryVec []float32, opts SearchOpts) ([]MemoryWithScore, error)

	// Project returns the read-only annotated projection for context assembly,
	// newest first, excluding superseded and expired records.
	Project(ctx context.Context, entityID string, limit int) ([]AnnotatedMemory, error)
}
