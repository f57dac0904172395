package domain

import (
	"testing"
	"time"
)

func TestBaselineTrustOrdering(t *testing.T) {
	// System is the most trusted, external the least; unknown types fall back
	// to the external baseline.
	ordered := []SourceType{SourceSystem, SourceAgent, SourceUser, SourcePlugin, SourceExternal}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].BaselineTrust() <= ordered[i].BaselineTrust() {
			t.Errorf("%s (%v) should outrank %s (%v)",
				ordered[i-1], ordered[i-1].BaselineTrust(), ordered[i], ordered[i].BaselineTrust())
		}
	}
	if got := SourceType("mystery").BaselineTrust(); got != SourceExternal.BaselineTrust() {
		t.Errorf("unknown type baseline = %v, want external's %v", got, SourceExternal.BaselineTrust())
	}
}

func TestBayesianReliability(t *testing.T) {
	cases := []struct {
		pos, neg int
		want     float64
	}{
		{0, 0, 0.5},
		{1, 0, 3.0 / 5.0},
		{0, 1, 2.0 / 5.0},
		{10, 10, 0.5},
		{100, 0, 102.0 / 104.0},
	}
	for _, c := range cases {
		if got := BayesianReliability(c.pos, c.neg); got != c.want {
			t.Errorf("BayesianReliability(%d, %d) = %v, want %v", c.pos, c.neg, got, c.want)
		}
	}
}

func TestValidators(t *testing.T) {
	if !ValidSourceType("user") || ValidSourceType("root") || ValidSourceType("") {
		t.Error("source type validation broken")
	}
	if !ValidFeedback("neutral") || ValidFeedback("mixed") {
		t.Error("feedback validation broken")
	}
	if !ValidTier("long_term") || ValidTier("short_term") {
		t.Error("tier validation broken")
	}
	if !ValidMemoryType("preference") || ValidMemoryType("hunch") {
		t.Error("memory type validation broken")
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	m := EntityMemory{}
	if m.Expired(now) {
		t.Error("nil ExpiresAt should never expire")
	}

	past := now.Add(-time.Second)
	m.ExpiresAt = &past
	if !m.Expired(now) {
		t.Error("past ExpiresAt should be expired")
	}

	m.ExpiresAt = &now
	if m.Expired(now) {
		t.Error("expiry is exclusive of the boundary instant")
	}
}

func TestAnnotate(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := EntityMemory{
		Content:      "enjoys hiking",
		Type:         MemoryTypePreference,
		Tier:         TierLongTerm,
		TrustScore:   0.9,
		SessionCount: 4,
		CreatedAt:    created,
	}

	a := m.Annotate()
	if a.Text != m.Content || a.Type != m.Type || a.Tier != m.Tier ||
		a.Trust != m.TrustScore || a.SessionCount != m.SessionCount || !a.CreatedAt.Equal(created) {
		t.Errorf("annotated projection mismatch: %+v", a)
	}
}
