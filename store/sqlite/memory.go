// Package sqlite provides an embedded entity-memory adapter for single-node
// deployments, backed by the pure-Go SQLite driver. Embeddings are stored as
// JSON and similarity is computed in-process.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/halcyon-agents/credence/domain"
	"github.com/halcyon-agents/credence/store"
)

// timeLayout is fixed-width so that lexical comparison of stored strings
// matches chronological order. RFC3339Nano trims trailing zeros and breaks
// that property.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type MemoryStore struct {
	db         *sql.DB
	midTermTTL time.Duration
	now        func() time.Time
}

var _ domain.EntityMemoryStore = (*MemoryStore)(nil)

// NewMemoryStore opens or creates a SQLite database at the given path.
func NewMemoryStore(dbPath string) (*MemoryStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &MemoryStore{
		db:         db,
		midTermTTL: store.DefaultMidTermTTL,
		now:        time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *MemoryStore) Close() error {
	return s.db.Close()
}

func (s *MemoryStore) SetMidTermTTL(d time.Duration) {
	s.midTermTTL = d
}

func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *MemoryStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entity_memories (
		id                  TEXT PRIMARY KEY,
		canonical_entity_id TEXT NOT NULL,
		tier                TEXT NOT NULL,
		type                TEXT NOT NULL,
		content             TEXT NOT NULL,
		trust_score         REAL NOT NULL DEFAULT 0,
		source_platform     TEXT NOT NULL DEFAULT '',
		source_room_id      TEXT NOT NULL DEFAULT '',
		created_by          TEXT NOT NULL DEFAULT '',
		promoted_from       TEXT,
		promoted_at         TEXT,
		embedding           TEXT,
		session_count       INTEGER NOT NULL DEFAULT 1,
		superseded          INTEGER NOT NULL DEFAULT 0,
		expires_at          TEXT,
		created_at          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_entity ON entity_memories(canonical_entity_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_tier ON entity_memories(canonical_entity_id, tier);
	CREATE INDEX IF NOT EXISTS idx_memories_expires ON entity_memories(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
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

	now := s.now().UTC()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.Superseded = false

	switch m.Tier {
	case domain.TierLongTerm:
		m.ExpiresAt = nil
	case domain.TierMidTerm:
		if m.ExpiresAt == nil {
			exp := now.Add(s.midTermTTL)
			m.ExpiresAt = &exp
		}
	}

	var embedding *string
	if len(m.Embedding) > 0 {
		data, err := json.Marshal(m.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		str := string(data)
		embedding = &str
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_memories (id, canonical_entity_id, tier, type, content, trust_score, source_platform, source_room_id, created_by, embedding, session_count, superseded, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		m.ID.String(), m.CanonicalEntityID, m.Tier, m.Type, m.Content, m.TrustScore,
		m.Provenance.SourcePlatform, m.Provenance.SourceRoomID, m.Provenance.CreatedBy,
		embedding, m.SessionCount, formatTimePtr(m.ExpiresAt), m.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return unavailable("insert memory", err)
	}
	return nil
}

const memoryColumns = `id, canonical_entity_id, tier, type, content, trust_score, source_platform, source_room_id, created_by, promoted_from, promoted_at, embedding, session_count, superseded, expires_at, created_at`

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.EntityMemory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM entity_memories WHERE id = ?`, id.String())
	m, err := scanMemory(row)
	if err != nil {
		if err == sql.ErrNoRows {
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

	where := []string{"canonical_entity_id = ?"}
	args := []any{f.CanonicalEntityID}

	if !f.IncludeSuperseded {
		where = append(where, "superseded = 0")
	}
	if !f.IncludeExpired {
		where = append(where, "(expires_at IS NULL OR expires_at >= ?)")
		args = append(args, s.now().UTC().Format(timeLayout))
	}
	if len(f.Tiers) > 0 {
		where = append(where, "tier IN ("+placeholders(len(f.Tiers))+")")
		for _, t := range f.Tiers {
			args = append(args, string(t))
		}
	}
	if len(f.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}

	query := fmt.Sprintf(
		`SELECT %s FROM entity_memories WHERE %s ORDER BY created_at DESC, id DESC`,
		memoryColumns, strings.Join(where, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
		`UPDATE entity_memories SET session_count = session_count + 1 WHERE id = ?`, id.String())
}

func (s *MemoryStore) MarkSuperseded(ctx context.Context, id uuid.UUID) error {
	return s.exec(ctx, "mark superseded",
		`UPDATE entity_memories SET superseded = 1 WHERE id = ?`, id.String())
}

func (s *MemoryStore) PromoteTier(ctx context.Context, id uuid.UUID, newTier domain.MemoryTier) error {
	if !domain.ValidTier(string(newTier)) {
		return store.ErrInvalidInput
	}
	return s.exec(ctx, "promote tier",
		`UPDATE entity_memories
		 SET promoted_from = tier,
		     promoted_at   = ?,
		     tier          = ?,
		     expires_at    = CASE WHEN ? = 'long_term' THEN NULL ELSE expires_at END
		 WHERE id = ?`,
		s.now().UTC().Format(timeLayout), string(newTier), string(newTier), id.String())
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, entityID string) (int, error) {
	query := `DELETE FROM entity_memories
	          WHERE superseded = 0 AND expires_at IS NOT NULL AND expires_at < ?`
	args := []any{s.now().UTC().Format(timeLayout)}
	if entityID != "" {
		query += ` AND canonical_entity_id = ?`
		args = append(args, entityID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, unavailable("purge expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("purge expired", err)
	}
	return int(n), nil
}

func (s *MemoryStore) Count(ctx context.Context, entityID string, tier *domain.MemoryTier) (int, error) {
	if entityID == "" {
		return 0, store.ErrInvalidInput
	}

	query := `SELECT COUNT(*) FROM entity_memories WHERE canonical_entity_id = ? AND superseded = 0`
	args := []any{entityID}
	if tier != nil {
		query += ` AND tier = ?`
		args = append(args, string(*tier))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, unavailable("count memories", err)
	}
	return count, nil
}

// Search fetches the entity's embedded rows and scores cosine similarity in
// Go; SQLite has no vector type, and per-entity row counts stay small enough
// for a linear pass.
func (s *MemoryStore) Search(ctx context.Context, entityID string, queryVec []float32, opts domain.SearchOpts) ([]domain.MemoryWithScore, error) {
	if entityID == "" || len(queryVec) == 0 {
		return nil, store.ErrInvalidInput
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM entity_memories
		 WHERE canonical_entity_id = ?
		   AND superseded = 0
		   AND (expires_at IS NULL OR expires_at >= ?)
		   AND embedding IS NOT NULL`,
		entityID, s.now().UTC().Format(timeLayout))
	if err != nil {
		return nil, unavailable("search memories", err)
	}
	defer rows.Close()

	var results []domain.MemoryWithScore
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, unavailable("scan memory", err)
		}
		score := store.Cosine(queryVec, m.Embedding)
		if score < opts.MatchThreshold {
			continue
		}
		results = append(results, domain.MemoryWithScore{EntityMemory: *m, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("search memories", err)
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
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*domain.EntityMemory, error) {
	m := &domain.EntityMemory{}
	var (
		id, createdAt            string
		promotedFrom, promotedAt sql.NullString
		embedding, expiresAt     sql.NullString
		superseded               int
	)
	err := row.Scan(
		&id, &m.CanonicalEntityID, &m.Tier, &m.Type, &m.Content, &m.TrustScore,
		&m.Provenance.SourcePlatform, &m.Provenance.SourceRoomID, &m.Provenance.CreatedBy,
		&promotedFrom, &promotedAt, &embedding, &m.SessionCount, &superseded, &expiresAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	m.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse id: %w", err)
	}
	m.Superseded = superseded != 0
	m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if promotedFrom.Valid {
		tier := domain.MemoryTier(promotedFrom.String)
		m.Provenance.PromotedFrom = &tier
	}
	if promotedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, promotedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse promoted_at: %w", err)
		}
		m.Provenance.PromotedAt = &t
	}
	if expiresAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
		m.ExpiresAt = &t
	}
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &m.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	return m, nil
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, store.ErrStoreUnavailable, err)
}
