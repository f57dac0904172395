package trust

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-agents/credence/domain"
)

// Dimension weights of the composite trust score.
const (
	WeightSourceReliability    = 0.25
	WeightContentConsistency   = 0.35
	WeightTemporalCoherence    = 0.15
	WeightInstructionAlignment = 0.25
)

const (
	injectionBasePenalty     = 0.3
	injectionPerHitPenalty   = 0.1
	injectionPenaltyCap      = 0.6
	manipulationBasePenalty  = 0.15
	manipulationPerHit       = 0.05
	manipulationPenaltyCap   = 0.4
	evasionShrinkThreshold   = 0.10
	evasionPenalty           = 0.2
	maxContentLength         = 10_000
	lengthPenalty            = 0.1
	specialCharThreshold     = 0.3
	asciiDominanceThreshold  = 0.7
	specialCharPenalty       = 0.1
	typeMismatchPenalty      = 0.2
	floodPenalty             = 0.2
	goalChangePenalty        = 0.1
	identityOverridePenalty  = 0.3
	historyBlendMinSightings = 3
	maxHistoryWeight         = 0.8

	floodWindow     = 100 * time.Millisecond
	reappearanceGap = 24 * time.Hour
)

// TrustScorer produces a four-dimensional trust score for content from a
// claimed source. Scoring is rule-based, performs no I/O, and never fails on
// suspicious content: the caller gets a (possibly very low) score with an
// auditable reasoning trail and compares it against its own thresholds.
type TrustScorer struct {
	tracker  domain.SourceStore
	patterns *PatternLibrary
	logger   *zap.Logger
	now      func() time.Time
}

func NewTrustScorer(tracker domain.SourceStore, patterns *PatternLibrary, logger *zap.Logger) *TrustScorer {
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrustScorer{
		tracker:  tracker,
		patterns: patterns,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source for deterministic tests.
func (s *TrustScorer) SetClock(now func() time.Time) {
	s.now = now
}

// Score evaluates content from a claimed source. The tracker observation
// happens in one critical section: every dimension reads the source state
// prior to this call, and the LastSeen touch is folded into the same
// transaction so concurrent rapid-fire calls cannot dodge the flood penalty.
func (s *TrustScorer) Score(ctx context.Context, content string, src domain.ScoreInput, sctx domain.ScoreContext) (*domain.TrustScore, error) {
	obs, err := s.tracker.Observe(ctx, src.SourceID, src.ClaimedType)
	if err != nil {
		return nil, err
	}

	norm := s.patterns.Normalize(content)
	var reasoning []string

	srcScore, lines := s.scoreSourceReliability(src, obs)
	reasoning = append(reasoning, lines...)

	contentScore, lines := s.scoreContentConsistency(content, norm)
	reasoning = append(reasoning, lines...)

	temporalScore, lines := s.scoreTemporalCoherence(obs)
	reasoning = append(reasoning, lines...)

	alignScore, lines := s.scoreInstructionAlignment(norm.Text, sctx)
	reasoning = append(reasoning, lines...)

	total := clamp01(srcScore*WeightSourceReliability +
		contentScore*WeightContentConsistency +
		temporalScore*WeightTemporalCoherence +
		alignScore*WeightInstructionAlignment)

	score := &domain.TrustScore{
		Total: total,
		Dimensions: domain.TrustDimensions{
			SourceReliability:    srcScore,
			ContentConsistency:   contentScore,
			TemporalCoherence:    temporalScore,
			InstructionAlignment: alignScore,
		},
		Reasoning:  reasoning,
		ComputedAt: s.now(),
	}

	s.logger.Debug("scored content",
		zap.String("source_id", src.SourceID),
		zap.Float64("total", score.Total))
	return score, nil
}

// UpdateSourceReliability is the explicit ground-truth correction channel.
func (s *TrustScorer) UpdateSourceReliability(ctx context.Context, id string, fb domain.Feedback) error {
	_, err := s.tracker.UpdateReliability(ctx, id, fb)
	return err
}

func (s *TrustScorer) scoreSourceReliability(src domain.ScoreInput, obs *domain.SourceObservation) (float64, []string) {
	// Baseline comes from the frozen registered type when history exists;
	// the caller's claim only wins on first contact.
	baseType := src.ClaimedType
	if obs.Prior != nil {
		baseType = obs.Prior.Type
	}
	score := baseType.BaselineTrust()
	lines := []string{fmt.Sprintf("source type %q baseline %.2f", baseType, score)}

	if obs.Prior != nil {
		interactions := obs.Prior.Positive + obs.Prior.Negative
		if interactions >= historyBlendMinSightings {
			weight := float64(interactions) / 20.0
			if weight > maxHistoryWeight {
				weight = maxHistoryWeight
			}
			score = score*(1-weight) + obs.Prior.Reliability*weight
			lines = append(lines, fmt.Sprintf("blended historical reliability %.2f over %d interactions (weight %.2f)",
				obs.Prior.Reliability, interactions, weight))
		}
	}

	if obs.TypeMismatch {
		score -= typeMismatchPenalty
		lines = append(lines, fmt.Sprintf("claimed type %q does not match registered type %q (-%.2f)",
			src.ClaimedType, obs.Prior.Type, typeMismatchPenalty))
	}

	return clamp01(score), lines
}

func (s *TrustScorer) scoreContentConsistency(original string, norm NormalizeResult) (float64, []string) {
	score := 1.0
	var lines []string

	if norm.ShrinkRatio > evasionShrinkThreshold {
		score -= evasionPenalty
		lines = append(lines, fmt.Sprintf("normalization removed %.0f%% of characters, likely evasion (-%.2f)",
			norm.ShrinkRatio*100, evasionPenalty))
	}

	// Count every match in both libraries; no short-circuit, so stacked
	// attacks pay for each hit.
	if hits := countMatches(s.patterns.Injection, norm.Text); hits > 0 {
		penalty := injectionBasePenalty + injectionPerHitPenalty*float64(hits-1)
		if penalty > injectionPenaltyCap {
			penalty = injectionPenaltyCap
		}
		score -= penalty
		lines = append(lines, fmt.Sprintf("%d injection pattern hit(s) (-%.2f)", hits, penalty))
	}

	if hits := countMatches(s.patterns.Manipulation, norm.Text); hits > 0 {
		penalty := manipulationBasePenalty + manipulationPerHit*float64(hits-1)
		if penalty > manipulationPenaltyCap {
			penalty = manipulationPenaltyCap
		}
		score -= penalty
		lines = append(lines, fmt.Sprintf("%d manipulation pattern hit(s) (-%.2f)", hits, penalty))
	}

	if length := len([]rune(original)); length > maxContentLength {
		score -= lengthPenalty
		lines = append(lines, fmt.Sprintf("content length %d exceeds %d (-%.2f)", length, maxContentLength, lengthPenalty))
	}

	// Only flag special-character density when the text is predominantly
	// ASCII; legitimately non-Latin-heavy content is exempt.
	if asciiRatio(norm.Text) >= asciiDominanceThreshold && specialRatio(norm.Text) > specialCharThreshold {
		score -= specialCharPenalty
		lines = append(lines, fmt.Sprintf("high special-character ratio (-%.2f)", specialCharPenalty))
	}

	if len(lines) == 0 {
		lines = append(lines, "no suspicious content patterns detected")
	}
	return clamp01(score), lines
}

func (s *TrustScorer) scoreTemporalCoherence(obs *domain.SourceObservation) (float64, []string) {
	score := 0.8

	if obs.Prior == nil {
		return score, []string{"first contact with source"}
	}

	// ObservedAt and Prior.LastSeen come from the tracker's clock, so the gap
	// is measured within one time source.
	gap := obs.ObservedAt.Sub(obs.Prior.LastSeen)
	switch {
	case gap < floodWindow:
		score -= floodPenalty
		return clamp01(score), []string{fmt.Sprintf("repeat contact within %s suggests flooding (-%.2f)", gap, floodPenalty)}
	case gap > reappearanceGap:
		return score, []string{fmt.Sprintf("source re-appeared after %s", gap.Round(time.Minute))}
	default:
		return score, []string{"temporal pattern unremarkable"}
	}
}

func (s *TrustScorer) scoreInstructionAlignment(normalized string, sctx domain.ScoreContext) (float64, []string) {
	score := 0.8
	var lines []string

	// Goal-change language only matters when there are goals to change.
	if len(sctx.ActiveGoals) > 0 && countMatches(s.patterns.GoalChange, normalized) > 0 {
		score -= goalChangePenalty
		lines = append(lines, fmt.Sprintf("goal-change language while goals are active (-%.2f)", goalChangePenalty))
	}

	if countMatches(s.patterns.IdentityOverride, normalized) > 0 {
		score -= identityOverridePenalty
		lines = append(lines, fmt.Sprintf("identity-override language (-%.2f)", identityOverridePenalty))
	}

	if len(lines) == 0 {
		lines = append(lines, "no instruction conflicts detected")
	}
	return clamp01(score), lines
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	total := 0
	for _, re := range patterns {
		total += len(re.FindAllStringIndex(text, -1))
	}
	return total
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
