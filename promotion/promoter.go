package promotion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/halcyon-agents/credence/domain"
	"github.com/halcyon-agents/credence/store"
)

const (
	DefaultPromotionThreshold = 3
	DefaultMinFactConfidence  = 0.5
	storeRetryAttempts        = 3
)

type Config struct {
	// PromotionThreshold is the session count at which a mid-term memory
	// becomes eligible for long-term promotion.
	PromotionThreshold int
	// MaxLongTermPerEntity caps promotions per call; 0 means unbounded.
	MaxLongTermPerEntity int
	// MinFactConfidence filters extracted facts at session end.
	MinFactConfidence float64
}

func (c Config) withDefaults() Config {
	if c.PromotionThreshold <= 0 {
		c.PromotionThreshold = DefaultPromotionThreshold
	}
	if c.MinFactConfidence <= 0 {
		c.MinFactConfidence = DefaultMinFactConfidence
	}
	return c
}

// TierPromoter orchestrates writes into the entity memory store: dedup,
// promotion, and expiry. Writes for one entity are serialized through a
// per-entity mutex so concurrent session ends cannot both miss the duplicate
// check and double-insert the same fact.
type TierPromoter struct {
	store   domain.EntityMemoryStore
	cfg     Config
	logger  *zap.Logger
	limiter *rate.Limiter

	entityLocks sync.Map // canonical entity id -> *sync.Mutex
}

func NewTierPromoter(s domain.EntityMemoryStore, cfg Config, logger *zap.Logger) *TierPromoter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TierPromoter{
		store:  s,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// SetRateLimiter paces per-entity batch maintenance against the backing
// store. Nil disables pacing.
func (p *TierPromoter) SetRateLimiter(l *rate.Limiter) {
	p.limiter = l
}

// SessionResult aggregates what one ProcessSessionEnd call did.
type SessionResult struct {
	MidTermCreated   int `json:"mid_term_created"`
	DuplicatesBumped int `json:"duplicates_bumped"`
	Expired          int `json:"expired"`
	Promoted         int `json:"promoted"`
}

// SeedResult reports a single dedup-or-create outcome.
type SeedResult struct {
	Created int `json:"created"`
	Bumped  int `json:"bumped"`
}

// MaintenanceResult aggregates purge and promotion counts across entities.
type MaintenanceResult struct {
	Expired  int `json:"expired"`
	Promoted int `json:"promoted"`
}

// ProcessSessionEnd turns a session summary into memory candidates: the
// summary text as one observation plus every extracted fact above the
// confidence floor. Each candidate either bumps an existing case-insensitive
// duplicate or creates a fresh mid-term record. The same call purges the
// entity's expired records and promotes whatever has matured.
func (p *TierPromoter) ProcessSessionEnd(ctx context.Context, entityID string, summary domain.SessionSummary) (*SessionResult, error) {
	if entityID == "" {
		return nil, store.ErrInvalidInput
	}

	unlock := p.lockEntity(entityID)
	defer unlock()

	result := &SessionResult{}

	type candidate struct {
		content string
		memType domain.MemoryType
	}
	var candidates []candidate
	if strings.TrimSpace(summary.Text) != "" {
		candidates = append(candidates, candidate{summary.Text, domain.MemoryTypeObservation})
	}
	facts := lo.Filter(summary.Facts, func(f domain.ExtractedFact, _ int) bool {
		return f.Confidence >= p.cfg.MinFactConfidence && strings.TrimSpace(f.Content) != ""
	})
	for _, f := range facts {
		candidates = append(candidates, candidate{f.Content, domain.MemoryTypeFact})
	}

	dedup, err := p.dedupIndex(ctx, entityID)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		key := dedupKey(c.content)
		if existing, ok := dedup[key]; ok {
			if err := p.withRetry(ctx, func() error {
				return p.store.BumpSessionCount(ctx, existing.ID)
			}); err != nil {
				return result, err
			}
			result.DuplicatesBumped++
			continue
		}

		m := &domain.EntityMemory{
			CanonicalEntityID: entityID,
			Tier:              domain.TierMidTerm,
			Type:              c.memType,
			Content:           c.content,
			TrustScore:        summary.TrustScore,
			Provenance: domain.MemoryProvenance{
				SourcePlatform: summary.SourcePlatform,
				SourceRoomID:   summary.SourceRoomID,
				CreatedBy:      summary.CreatedBy,
			},
		}
		if err := p.withRetry(ctx, func() error {
			return p.store.Insert(ctx, m)
		}); err != nil {
			return result, err
		}
		dedup[key] = *m
		result.MidTermCreated++
	}

	expired, err := p.withRetryCount(ctx, func() (int, error) {
		return p.store.PurgeExpired(ctx, entityID)
	})
	if err != nil {
		return result, err
	}
	result.Expired = expired

	promoted, err := p.promoteMatureLocked(ctx, entityID)
	if err != nil {
		return result, err
	}
	result.Promoted = promoted

	p.logger.Debug("session end processed",
		zap.String("entity_id", entityID),
		zap.Int("created", result.MidTermCreated),
		zap.Int("bumped", result.DuplicatesBumped),
		zap.Int("expired", result.Expired),
		zap.Int("promoted", result.Promoted))
	return result, nil
}

// SeedMidTermMemory dedup-or-creates a single mid-term record.
func (p *TierPromoter) SeedMidTermMemory(ctx context.Context, entityID string, m *domain.EntityMemory) (*SeedResult, error) {
	if entityID == "" || m == nil || strings.TrimSpace(m.Content) == "" {
		return nil, store.ErrInvalidInput
	}

	unlock := p.lockEntity(entityID)
	defer unlock()

	dedup, err := p.dedupIndex(ctx, entityID)
	if err != nil {
		return nil, err
	}

	if existing, ok := dedup[dedupKey(m.Content)]; ok {
		if err := p.withRetry(ctx, func() error {
			return p.store.BumpSessionCount(ctx, existing.ID)
		}); err != nil {
			return nil, err
		}
		return &SeedResult{Bumped: 1}, nil
	}

	m.CanonicalEntityID = entityID
	m.Tier = domain.TierMidTerm
	if err := p.withRetry(ctx, func() error {
		return p.store.Insert(ctx, m)
	}); err != nil {
		return nil, err
	}
	return &SeedResult{Created: 1}, nil
}

// PromoteMature promotes mid-term records whose session count has reached the
// threshold, up to MaxLongTermPerEntity per call. When candidates exceed the
// cap the subset is deterministic: highest session count first, then oldest
// createdAt, then id. The remainder waits for a future pass.
func (p *TierPromoter) PromoteMature(ctx context.Context, entityID string) (int, error) {
	if entityID == "" {
		return 0, store.ErrInvalidInput
	}

	unlock := p.lockEntity(entityID)
	defer unlock()

	return p.promoteMatureLocked(ctx, entityID)
}

func (p *TierPromoter) promoteMatureLocked(ctx context.Context, entityID string) (int, error) {
	memories, err := p.store.Query(ctx, domain.QueryFilter{
		CanonicalEntityID: entityID,
		Tiers:             []domain.MemoryTier{domain.TierMidTerm},
	})
	if err != nil {
		return 0, fmt.Errorf("query promotion candidates: %w", err)
	}

	mature := lo.Filter(memories, func(m domain.EntityMemory, _ int) bool {
		return m.SessionCount >= p.cfg.PromotionThreshold
	})
	sort.SliceStable(mature, func(i, j int) bool {
		if mature[i].SessionCount != mature[j].SessionCount {
			return mature[i].SessionCount > mature[j].SessionCount
		}
		if !mature[i].CreatedAt.Equal(mature[j].CreatedAt) {
			return mature[i].CreatedAt.Before(mature[j].CreatedAt)
		}
		return mature[i].ID.String() < mature[j].ID.String()
	})

	if p.cfg.MaxLongTermPerEntity > 0 && len(mature) > p.cfg.MaxLongTermPerEntity {
		mature = mature[:p.cfg.MaxLongTermPerEntity]
	}

	promoted := 0
	for _, m := range mature {
		if err := p.withRetry(ctx, func() error {
			return p.store.PromoteTier(ctx, m.ID, domain.TierLongTerm)
		}); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RunMaintenance purges then promotes per entity. One entity's failure is
// logged, collected, and excluded from the aggregate while siblings proceed.
func (p *TierPromoter) RunMaintenance(ctx context.Context, entityIDs []string) (*MaintenanceResult, error) {
	result := &MaintenanceResult{}
	var errs error

	for _, entityID := range entityIDs {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return result, multierr.Append(errs, err)
			}
		}

		expired, promoted, err := p.maintainEntity(ctx, entityID)
		if err != nil {
			p.logger.Warn("entity maintenance failed",
				zap.String("entity_id", entityID),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("entity %s: %w", entityID, err))
			continue
		}
		result.Expired += expired
		result.Promoted += promoted
	}
	return result, errs
}

func (p *TierPromoter) maintainEntity(ctx context.Context, entityID string) (expired, promoted int, err error) {
	if entityID == "" {
		return 0, 0, store.ErrInvalidInput
	}

	unlock := p.lockEntity(entityID)
	defer unlock()

	expired, err = p.withRetryCount(ctx, func() (int, error) {
		return p.store.PurgeExpired(ctx, entityID)
	})
	if err != nil {
		return 0, 0, err
	}
	promoted, err = p.promoteMatureLocked(ctx, entityID)
	if err != nil {
		return expired, 0, err
	}
	return expired, promoted, nil
}

// dedupIndex maps normalized content of the entity's live mid-term records to
// the record itself. Caller holds the entity lock.
func (p *TierPromoter) dedupIndex(ctx context.Context, entityID string) (map[string]domain.EntityMemory, error) {
	memories, err := p.store.Query(ctx, domain.QueryFilter{
		CanonicalEntityID: entityID,
		Tiers:             []domain.MemoryTier{domain.TierMidTerm},
	})
	if err != nil {
		return nil, fmt.Errorf("query dedup candidates: %w", err)
	}

	index := make(map[string]domain.EntityMemory, len(memories))
	for _, m := range memories {
		index[dedupKey(m.Content)] = m
	}
	return index, nil
}

// dedupKey is case-insensitive and whitespace-normalized.
func dedupKey(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

func (p *TierPromoter) lockEntity(entityID string) func() {
	v, _ := p.entityLocks.LoadOrStore(entityID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// withRetry retries transient store failures with exponential backoff.
// NotFound and InvalidInput are permanent; only StoreUnavailable is worth
// retrying.
func (p *TierPromoter) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), storeRetryAttempts), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

func (p *TierPromoter) withRetryCount(ctx context.Context, op func() (int, error)) (int, error) {
	var n int
	err := p.withRetry(ctx, func() error {
		var err error
		n, err = op()
		return err
	})
	return n, err
}
