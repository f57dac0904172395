package domain

import (
	"time"

	"github.com/google/uuid"
)

type MemoryTier string

const (
	TierMidTerm  MemoryTier = "mid_term"
	TierLongTerm MemoryTier = "long_term"
)

func ValidTier(t string) bool {
	switch MemoryTier(t) {
	case TierMidTerm, TierLongTerm:
		return true
	}
	return false
}

func AllTiers() []MemoryTier {
	return []MemoryTier{TierMidTerm, TierLongTerm}
}

type MemoryType string

const (
	MemoryTypeObservation  MemoryType = "observation"
	MemoryTypeFact         MemoryType = "fact"
	MemoryTypePreference   MemoryType = "preference"
	MemoryTypeRelationship MemoryType = "relationship"
)

func ValidMemoryType(t string) bool {
	switch MemoryType(t) {
	case MemoryTypeObservation, MemoryTypeFact, MemoryTypePreference, MemoryTypeRelationship:
		return true
	}
	return false
}

// MemoryProvenance records where a memory came from and, once promoted,
// which tier it was promoted out of.
type MemoryProvenance struct {
	SourcePlatform string      `json:"source_platform,omitempty"`
	SourceRoomID   string      `json:"source_room_id,omitempty"`
	CreatedBy      string      `json:"created_by,omitempty"`
	PromotedFrom   *MemoryTier `json:"promoted_from,omitempty"`
	PromotedAt     *time.Time  `json:"promoted_at,omitempty"`
}

// EntityMemory is one knowledge record about a canonical entity.
//
// Invariants: long-term records always have ExpiresAt nil; mid-term records
// default to a bounded TTL unless the caller overrides it; SessionCount is
// monotonically non-decreasing; Superseded is a one-way flag and superseded
// records are excluded from default reads.
type EntityMemory struct {
	ID                uuid.UUID        `json:"id"`
	CanonicalEntityID string           `json:"canonical_entity_id"`
	Tier              MemoryTier       `json:"tier"`
	Type              MemoryType       `json:"type"`
	Content           string           `json:"content"`
	TrustScore        float64          `json:"trust_score"`
	Provenance        MemoryProvenance `json:"provenance"`
	Embedding         []float32        `json:"-"`
	SessionCount      int              `json:"session_count"`
	Superseded        bool             `json:"superseded"`
	ExpiresAt         *time.Time       `json:"expires_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// QueryFilter selects memories for one entity. CanonicalEntityID is required.
// Superseded and expired records are excluded unless explicitly included;
// expiry is evaluated lazily against the current time.
type QueryFilter struct {
	CanonicalEntityID string
	Tiers             []MemoryTier
	Types             []MemoryType
	IncludeSuperseded bool
	IncludeExpired    bool
	Limit             int
}

// SearchOpts controls similarity search over embedded memories.
type SearchOpts struct {
	Limit          int
	MatchThreshold float64
}

// MemoryWithScore pairs a memory with its cosine similarity to a query vector.
type MemoryWithScore struct {
	EntityMemory
	Score float64 `json:"score"`
}

// AnnotatedMemory is the read-only projection handed to the surrounding
// context-assembly collaborator. It is the only outward coupling point.
type AnnotatedMemory struct {
	Text         string     `json:"text"`
	Type         MemoryType `json:"type"`
	Tier         MemoryTier `json:"tier"`
	Trust        float64    `json:"trust"`
	SessionCount int        `json:"session_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Annotate projects a memory into its generic annotated form.
func (m *EntityMemory) Annotate() AnnotatedMemory {
	return AnnotatedMemory{
		Text:         m.Content,
		Type:         m.Type,
		Tier:         m.Tier,
		Trust:        m.TrustScore,
		SessionCount: m.SessionCount,
		CreatedAt:    m.CreatedAt,
	}
}

// Expired reports whether the record's TTL has elapsed at the given time.
// Records without an ExpiresAt never expire.
func (m *EntityMemory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// ExtractedFact is one fact pulled out of a session by the host's extraction
// layer, with its extraction confidence.
type ExtractedFact struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// SessionSummary is what the host hands the tier promoter at session end.
type SessionSummary struct {
	Text           string           `json:"text"`
	Facts          []ExtractedFact  `json:"facts,omitempty"`
	TrustScore     float64          `json:"trust_score"`
	SourcePlatform string           `json:"source_platform,omitempty"`
	SourceRoomID   string           `json:"source_room_id,omitempty"`
	CreatedBy      string           `json:"created_by,omitempty"`
}
