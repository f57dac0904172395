package domain

import "time"

// TrustDimensions are the four component scores of a TrustScore, each in [0,1].
type TrustDimensions struct {
	SourceReliability    float64 `json:"source_reliability"`
	ContentConsistency   float64 `json:"content_consistency"`
	TemporalCoherence    float64 `json:"temporal_coherence"`
	InstructionAlignment float64 `json:"instruction_alignment"`
}

// TrustScore is the immutable result of scoring one piece of content from one
// claimed source. Reasoning lines are ordered by dimension and are a pure
// function of the inputs plus tracker state at scoring time.
type TrustScore struct {
	Total      float64         `json:"total"`
	Dimensions TrustDimensions `json:"dimensions"`
	Reasoning  []string        `json:"reasoning"`
	ComputedAt time.Time       `json:"computed_at"`
}

// ScoreInput identifies the claimed source of a piece of content. It carries
// no reliability field on purpose: reliability is derived from tracker state,
// and a caller-supplied value must be structurally impossible to consult.
type ScoreInput struct {
	SourceID    string     `json:"source_id"`
	ClaimedType SourceType `json:"claimed_type"`
}

// ScoreContext is the minimal conversational context the scorer consults.
type ScoreContext struct {
	ActiveGoals []string `json:"active_goals,omitempty"`
}
