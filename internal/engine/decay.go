package engine

import (
	"math"
	"time"

	"github.com/stratadb/strata/internal/store"
)

// Decay model:
//   - forgetting-curve base: 0.5 ^ (days since last access / half-life)
//   - multiplied by outcome, recency, repetition, and criticality factors
//   - phase mapping is one-directional; higher strength is recorded but
//     never un-compresses an entry
//   - protected entries always map to episodic

// DefaultHalfLifeDays is used when an entry carries no override.
const DefaultHalfLifeDays = 30.0

const (
	successMultiplier = 1.2
	failureMultiplier = 0.8
)

// ComputeStrength returns the entry's strength in [0,1] at the given time.
// Pure: no I/O, no clock reads.
func ComputeStrength(e *store.Entry, now time.Time) float64 {
	halfLife := e.HalfLifeDays
	if halfLife <= 0 {
		halfLife = DefaultHalfLifeDays
	}

	ref := e.LastAccessedAt
	if ref == 0 {
		ref = e.CreatedAt
	}
	elapsedDays := float64(now.UnixMilli()-ref) / float64(24*time.Hour/time.Millisecond)
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	ratio := elapsedDays / halfLife

	base := math.Pow(0.5, ratio)

	outcome := 1.0
	switch e.Outcome {
	case store.OutcomeSuccess:
		outcome = successMultiplier
	case store.OutcomeFailure:
		outcome = failureMultiplier
	}

	// Recency: [1.0, 1.3], approaching 1.3 as the idle gap shrinks
	// relative to the half-life.
	recency := 1.0 + 0.3/(1.0+ratio)

	// Repetition: [1.0, 1.5], saturating at 20 accesses.
	repetition := 1.0 + 0.5*math.Min(1, float64(e.AccessCount)/20)

	// Criticality: [1.2, 1.5] for important entries, 1.0 otherwise.
	criticality := 1.0
	if e.Importance >= 0.8 {
		criticality = 1.2 + 0.3*clamp((e.Importance-0.8)/0.2, 0, 1)
	}

	return clamp(base*outcome*recency*repetition*criticality, 0, 1)
}

// phase bands, highest strength first
var phaseBands = []struct {
	min   float64
	phase store.Phase
}{
	{0.80, store.PhaseEpisodic},
	{0.60, store.PhaseCompressed1},
	{0.45, store.PhaseCompressed2},
	{0.25, store.PhaseSemantic},
	{0.12, store.PhasePattern},
	{0.05, store.PhaseIntuitive},
	{0, store.PhaseForgotten},
}

// TargetPhase maps strength to a compaction phase. Protected entries are
// always episodic. The mapping only ever moves forward: a target earlier
// than the current phase collapses to the current phase.
func TargetPhase(strength float64, current store.Phase, protected bool) store.Phase {
	if protected {
		return store.PhaseEpisodic
	}

	target := store.PhaseForgotten
	for _, band := range phaseBands {
		if strength >= band.min {
			target = band.phase
			break
		}
	}

	if !target.Later(current) {
		return current
	}
	return target
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
