package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/halcyon-agents/credence/domain"
	"github.com/halcyon-agents/credence/store"
)

// MemoryStore is the durable adapter behind domain.EntityMemoryStore.
type MemoryStore struct {
	db         *pgxpool.Pool
	midTermTTL time.Duration
}

var _ domain.EntityMemoryStore = (*MemoryStore)(nil)

func NewMemoryStore(db *pgxpool.Pool) *MemoryStore {
	return &MemoryStore{db: db, midTermTTL: store.DefaultMidTermTTL}
}

func (s *MemoryStore) SetMidTermTTL(d time.Duration) {
	s.midTermTTL = d
}

func (s *MemoryStore) Insert(ctx context.Context, m *domain.EntityMemory) error {
	if m == nil || m.CanonicalEntityID == "" || m.Content == "" {
		return store.ErrInvalidInput
	}
	if m.Tier == "" {
		m.Tier = domain.TierMidTerm
	}
	if !domain.ValidTier(string(m.Tier)) {
		return store.ErrInvalidInput
	}
	if m.Type == "" {
		m.Type = domain.MemoryTypeObservation
	}
	if !domain.ValidMemoryType(string(m.Type)) {
		return store.ErrInvalidInput
	}
	if m.SessionCount < 1 {
		m.SessionCount = 1
	}

	switch m.Tier {
	case domain.TierLongTerm:
		m.ExpiresAt = nil
	case domain.TierMidTerm:
		if m.ExpiresAt == nil {
			exp := time.Now().Add(s.midTermTTL)
			m.ExpiresAt = &exp
		}
	}

	var embedding *pgvector.Vector
	if len(m.Embedding) > 0 {
		v := pgvector.NewVector(m.Embedding)
		embedding = &v
	}

	err := s.db.QueryRow(ctx,
		`INSERT INTO entity_memories (canonical_entity_id, tier, type, content, trust_score, source_platform, source_room_id, created_by, embedding, session_count, superseded, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11)
		 RETURNING id, created_at`,
		m.CanonicalEntityID, m.Tier, m.Type, m.Content, m.TrustScore,
		m.Provenance.SourcePlatform, m.Provenance.SourceRoomID, m.Provenance.CreatedBy,
		embedding, m.SessionCount, m.ExpiresAt,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return unavailable("insert memory", err)
	}
	m.Superseded = false
	return nil
}

const memoryColumns = `id, canonical_entity_id, tier, type, content, trust_score, source_platform, source_room_id, created_by, promoted_from, promoted_at, session_count, superseded, expires_at, created_at`

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.EntityMemory, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM entity_memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable("get memory", err)
	}
	return m, nil
}

func (s *MemoryStore) Query(ctx context.Context, f domain.QueryFilter) ([]domain.EntityMemory, error) {
	if f.CanonicalEntityID == "" {
		return nil, store.ErrInvalidInput
	}

	conditions := []string{"canonical_entity_id = $1"}
	args := []any{f.CanonicalEntityID}

	if !f.IncludeSuperseded {
		conditions = append(conditions, "superseded = FALSE")
	}
	if !f.IncludeExpired {
		conditions = append(conditions, "(expires_at IS NULL OR expires_at >= NOW())")
	}
	if len(f.Tiers) > 0 {
		conditions = append(conditions, fmt.Sprintf("tier = ANY($%d)", len(args)+1))
		args = append(args, tierStrings(f.Tiers))
	}
	if len(f.Types) > 0 {
		conditions = append(conditions, fmt.Sprintf("type = ANY($%d)", len(args)+1))
		args = append(args, typeStrings(f.Types))
	}

	query := fmt.Sprintf(
		`SELECT %s FROM entity_memories WHERE %s ORDER BY created_at DESC, id DESC`,
		memoryColumns, strings.Join(conditions, " AND "))
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query memories", err)
	}
	defer rows.Close()

	var results []domain.EntityMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, unavailable("scan memory", err)
		}
		results = append(results, *m)
	}
	return results, rows.Err()
}

func (s *MemoryStore) BumpSessionCount(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "bump session count",
		`UPDATE entity_memories SET session_count = session_count + 1 WHERE id = $1`, id)
}

func (s *MemoryStore) MarkSuperseded(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "mark superseded",
		`UPDATE entity_memories SET superseded = TRUE WHERE id = $1`, id)
}

func (s *MemoryStore) PromoteTier(ctx context.Context, id uuid.UUID, newTier domain.MemoryTier) error {
	if !domain.ValidTier(string(newTier)) {
		return store.ErrInvalidInput
	}
	// promoted_from reads the pre-update tier; expires_at clears only when
	// the target is long-term.
	return s.exec(ctx, "promote tier",
		`UPDATE entity_memories
		 SET promoted_from = tier,
		     promoted_at   = NOW(),
		     tier          = $2,
		     expires_at    = CASE WHEN $2 = 'long_term' THEN NULL ELSE expires_at END
		 WHERE id = $1`,
		id, newTier)
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, entityID string) (int, error) {
	query := `DELETE FROM entity_memories
	          WHERE superseded = FALSE AND expires_at IS NOT NULL AND expires_at < NOW()`
	args := []any{}
	if entityID != "" {
		query += ` AND canonical_entity_id = $1`
		args = append(args, entityID)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, unavailable("purge expired", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *MemoryStore) Count(ctx context.Context, entityID string, tier *domain.MemoryTier) (int, error) {
	if entityID == "" {
		return 0, store.ErrInvalidInput
	}

	query := `SELECT COUNT(*) FROM entity_memories WHERE canonical_entity_id = $1 AND superseded = FALSE`
	args := []any{entityID}
	if tier != nil {
		query += ` AND tier = $2`
		args = append(args, *tier)
	}

	var count int
	if err := s.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, unavailable("count memories", err)
	}
	return count, nil
}

func (s *MemoryStore) Search(ctx context.Context, entityID string, queryVec []float32, opts domain.SearchOpts) ([]domain.MemoryWithScore, error) {
	if entityID == "" || len(queryVec) == 0 {
		return nil, store.ErrInvalidInput
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	vec := pgvector.NewVector(queryVec)
	rows, err := s.db.Query(ctx,
		`SELECT `+memoryColumns+`, 1 - (embedding <=> $2) AS score
		 FROM entity_memories
		 WHERE canonical_entity_id = $1
		   AND superseded = FALSE
		   AND (expires_at IS NULL OR expires_at >= NOW())
		   AND embedding IS NOT NULL
		   AND 1 - (embedding <=> $2) >= $3
		 ORDER BY score DESC
		 LIMIT $4`,
		entityID, vec, opts.MatchThreshold, opts.Limit)
	if err != nil {
		return nil, unavailable("search memories", err)
	}
	defer rows.Close()

	var results []domain.MemoryWithScore
	for rows.Next() {
		var ms domain.MemoryWithScore
		var promotedFrom *string
		err := rows.Scan(
			&ms.ID, &ms.CanonicalEntityID, &ms.Tier, &ms.Type, &ms.Content, &ms.TrustScore,
			&ms.Provenance.SourcePlatform, &ms.Provenance.SourceRoomID, &ms.Provenance.CreatedBy,
			&promotedFrom, &ms.Provenance.PromotedAt,
			&ms.SessionCount, &ms.Superseded, &ms.ExpiresAt, &ms.CreatedAt,
			&ms.Score,
		)
		if err != nil {
			return nil, unavailable("scan memory", err)
		}
		setPromotedFrom(&ms.EntityMemory, promotedFrom)
		results = append(results, ms)
	}
	return results, rows.Err()
}

func (s *MemoryStore) Project(ctx context.Context, entityID string, limit int) ([]domain.AnnotatedMemory, error) {
	memories, err := s.Query(ctx, domain.QueryFilter{CanonicalEntityID: entityID, Limit: limit})
	if err != nil {
		return nil, err
	}
	annotated := make([]domain.AnnotatedMemory, 0, len(memories))
	for _, m := range memories {
		annotated = append(annotated, m.Annotate())
	}
	return annotated, nil
}

func (s *MemoryStore) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*domain.EntityMemory, error) {
	m := &domain.EntityMemory{}
	var promotedFrom *string
	err := row.Scan(
		&m.ID, &m.CanonicalEntityID, &m.Tier, &m.Type, &m.Content, &m.TrustScore,
		&m.Provenance.SourcePlatform, &m.Provenance.SourceRoomID, &m.Provenance.CreatedBy,
		&promotedFrom, &m.Provenance.PromotedAt,
		&m.SessionCount, &m.Superseded, &m.ExpiresAt, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	setPromotedFrom(m, promotedFrom)
	return m, nil
}

func setPromotedFrom(m *domain.EntityMemory, promotedFrom *string) {
	if promotedFrom != nil {
		tier := domain.MemoryTier(*promotedFrom)
		m.Provenance.PromotedFrom = &tier
	}
}

func tierStrings(tiers []domain.MemoryTier) []string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = string(t)
	}
	return out
}

func typeStrings(types []domain.MemoryType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
