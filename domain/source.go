package domain

import "time"

type SourceType string

const (
	SourceSystem   SourceType = "system"
	SourceUser     SourceType = "user"
	SourceAgent    SourceType = "agent"
	SourcePlugin   SourceType = "plugin"
	SourceExternal SourceType = "external"
)

func ValidSourceType(t string) bool {
	switch SourceType(t) {
	case SourceSystem, SourceUser, SourceAgent, SourcePlugin, SourceExternal:
		return true
	}
	return false
}

// BaselineTrust is the prior trust assigned to a source type before any
// interaction history exists.
func (t SourceType) BaselineTrust() float64 {
	switch t {
	case SourceSystem:
		return 1.0
	case SourceAgent:
		return 0.8
	case SourceUser:
		return 0.7
	case SourcePlugin:
		return 0.6
	case SourceExternal:
		return 0.4
	default:
		return 0.4
	}
}

type Feedback string

const (
	FeedbackPositive Feedback = "positive"
	FeedbackNegative Feedback = "negative"
	FeedbackNeutral  Feedback = "neutral"
)

func ValidFeedback(f string) bool {
	switch Feedback(f) {
	case FeedbackPositive, FeedbackNegative, FeedbackNeutral:
		return true
	}
	return false
}

// SourceRecord is the tracked reliability history for one source identity.
// Type is frozen at first registration and never overwritten. Reliability is
// always derived from the counters, never caller-set.
type SourceRecord struct {
	ID          string     `json:"id"`
	Type        SourceType `json:"type"`
	Positive    int        `json:"positive"`
	Negative    int        `json:"negative"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
	Reliability float64    `json:"reliability"`
}

// BayesianReliability is the posterior mean of a Beta(2,2) prior over the
// observed positive/negative counts. With no observations it is 0.5.
func BayesianReliability(positive, negative int) float64 {
	return float64(positive+2) / float64(positive+negative+4)
}

// SourceObservation is what the trust scorer sees when it observes a source:
// the record state prior to this observation (nil on first contact), the
// timestamp the observation was stamped with, and whether the claimed type
// disagrees with the frozen registered type. ObservedAt comes from the same
// clock that stamped Prior.LastSeen, so gaps between the two are meaningful.
type SourceObservation struct {
	Prior        *SourceRecord
	ObservedAt   time.Time
	TypeMismatch bool
}
