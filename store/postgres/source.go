package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/halcyon-agents/credence/domain"
	"github.com/halcyon-agents/credence/store"
)

// SourceStore is the durable adapter behind domain.SourceStore. Row-level
// locking gives the same read-prior-then-touch atomicity the in-memory
// tracker gets from its mutex.
type SourceStore struct {
	db            *pgxpool.Pool
	historyWindow int
	logger        *zap.Logger
}

var _ domain.SourceStore = (*SourceStore)(nil)

func NewSourceStore(db *pgxpool.Pool, logger *zap.Logger) *SourceStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceStore{db: db, historyWindow: 1_000, logger: logger}
}

func (s *SourceStore) SetHistoryWindow(n int) {
	if n > 0 {
		s.historyWindow = n
	}
}

func (s *SourceStore) Record(ctx context.Context, id string, typ domain.SourceType, fb domain.Feedback) (*domain.SourceRecord, error) {
	if id == "" || !domain.ValidSourceType(string(typ)) || !domain.ValidFeedback(string(fb)) {
		return nil, store.ErrInvalidInput
	}

	posDelta, negDelta := feedbackDeltas(fb)

	rec := &domain.SourceRecord{}
	// The conflict branch deliberately never touches type: it is frozen at
	// first registration.
	err := s.db.QueryRow(ctx,
		`INSERT INTO source_records (id, type, positive, negative, first_seen, last_seen, reliability)
		 VALUES ($1, $2, $3, $4, NOW(), NOW(), ($3 + 2)::float8 / ($3 + $4 + 4))
		 ON CONFLICT (id) DO UPDATE
		 SET positive    = source_records.positive + $3,
		     negative    = source_records.negative + $4,
		     last_seen   = NOW(),
		     reliability = (source_records.positive + $3 + 2)::float8 / (source_records.positive + $3 + source_records.negative + $4 + 4)
		 RETURNING id, type, positive, negative, first_seen, last_seen, reliability`,
		id, typ, posDelta, negDelta,
	).Scan(&rec.ID, &rec.Type, &rec.Positive, &rec.Negative, &rec.FirstSeen, &rec.LastSeen, &rec.Reliability)
	if err != nil {
		return nil, unavailable("record source", err)
	}

	if rec.Type != typ {
		s.logger.Warn("source type mismatch ignored",
			zap.String("source_id", id),
			zap.String("registered_type", string(rec.Type)),
			zap.String("claimed_type", string(typ)))
	}
	return rec, nil
}

func (s *SourceStore) Get(ctx context.Context, id string) (*domain.SourceRecord, error) {
	rec := &domain.SourceRecord{}
	err := s.db.QueryRow(ctx,
		`UPDATE source_records SET last_seen = NOW()
		 WHERE id = $1
		 RETURNING id, type, positive, negative, first_seen, last_seen, reliability`,
		id,
	).Scan(&rec.ID, &rec.Type, &rec.Positive, &rec.Negative, &rec.FirstSeen, &rec.LastSeen, &rec.Reliability)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable("get source", err)
	}
	return rec, nil
}

func (s *SourceStore) GetReliability(ctx context.Context, id string) (float64, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.Reliability, nil
}

func (s *SourceStore) Observe(ctx context.Context, id string, claimed domain.SourceType) (*domain.SourceObservation, error) {
	if id == "" || !domain.ValidSourceType(string(claimed)) {
		return nil, store.ErrInvalidInput
	}

	obs := &domain.SourceObservation{}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		prior := &domain.SourceRecord{}
		err := tx.QueryRow(ctx,
			`SELECT id, type, positive, negative, first_seen, last_seen, reliability
			 FROM source_records WHERE id = $1 FOR UPDATE`,
			id,
		).Scan(&prior.ID, &prior.Type, &prior.Positive, &prior.Negative, &prior.FirstSeen, &prior.LastSeen, &prior.Reliability)

		if errors.Is(err, pgx.ErrNoRows) {
			return tx.QueryRow(ctx,
				`INSERT INTO source_records (id, type, positive, negative, first_seen, last_seen, reliability)
				 VALUES ($1, $2, 0, 0, NOW(), NOW(), 0.5)
				 RETURNING last_seen`,
				id, claimed).Scan(&obs.ObservedAt)
		}
		if err != nil {
			return err
		}

		obs.Prior = prior
		if prior.Type != claimed {
			obs.TypeMismatch = true
			s.logger.Warn("source type mismatch ignored",
				zap.String("source_id", id),
				zap.String("registered_type", string(prior.Type)),
				zap.String("claimed_type", string(claimed)))
		}

		return tx.QueryRow(ctx,
			`UPDATE source_records SET last_seen = NOW() WHERE id = $1 RETURNING last_seen`,
			id).Scan(&obs.ObservedAt)
	})
	if err != nil {
		return nil, unavailable("observe source", err)
	}
	return obs, nil
}

func (s *SourceStore) UpdateReliability(ctx context.Context, id string, fb domain.Feedback) (*domain.SourceRecord, error) {
	if !domain.ValidFeedback(string(fb)) {
		return nil, store.ErrInvalidInput
	}

	rec := &domain.SourceRecord{}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT id, type, positive, negative, first_seen, last_seen, reliability
			 FROM source_records WHERE id = $1 FOR UPDATE`,
			id,
		).Scan(&rec.ID, &rec.Type, &rec.Positive, &rec.Negative, &rec.FirstSeen, &rec.LastSeen, &rec.Reliability)
		if err != nil {
			return err
		}

		pos, neg := feedbackDeltas(fb)
		rec.Positive += pos
		rec.Negative += neg

		if total := rec.Positive + rec.Negative; total > s.historyWindow {
			scale := float64(s.historyWindow) / 2 / float64(total)
			rec.Positive = int(float64(rec.Positive) * scale)
			rec.Negative = int(float64(rec.Negative) * scale)
		}
		rec.Reliability = domain.BayesianReliability(rec.Positive, rec.Negative)

		return tx.QueryRow(ctx,
			`UPDATE source_records
			 SET positive = $2, negative = $3, reliability = $4, last_seen = NOW()
			 WHERE id = $1
			 RETURNING last_seen`,
			id, rec.Positive, rec.Negative, rec.Reliability,
		).Scan(&rec.LastSeen)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable("update reliability", err)
	}
	return rec, nil
}

func feedbackDeltas(fb domain.Feedback) (pos, neg int) {
	switch fb {
	case domain.FeedbackPositive:
		return 1, 0
	case domain.FeedbackNegative:
		return 0, 1
	}
	return 0, 0
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, store.ErrStoreUnavailable, err)
}
