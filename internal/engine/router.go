package engine

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/stratadb/strata/internal/store"
)

// Signal weights. The four weighted signals plus context richness sum to 1;
// emotion multiplies and urgency shifts the result.
const (
	weightSuccess     = 0.35
	weightRepetition  = 0.25
	weightCriticality = 0.20
	weightNovelty     = 0.15
	weightRichness    = 0.05
)

// Routing thresholds, evaluated in precedence order.
const (
	thresholdCritical   = 0.85
	thresholdReflex     = 0.70 // on the repetition signal, not the composite
	thresholdDurable    = 0.60
	thresholdDiscard    = 0.40
	confidenceBand      = 0.15 // distance at which confidence saturates to 1
	richnessSaturation  = 2000 // content bytes at which richness maxes out
	repetitionHalfCount = 3.0  // accessCount at which repetition reaches 0.5
)

// Signals is the snapshot of the seven routing signals for one decision.
type Signals struct {
	Success             float64 `json:"success"`
	Repetition          float64 `json:"repetition"`
	Criticality         float64 `json:"criticality"`
	Novelty             float64 `json:"novelty"`
	ContextRichness     float64 `json:"context_richness"`
	EmotionalMultiplier float64 `json:"emotional_multiplier"`
	UrgencyModifier     float64 `json:"urgency_modifier"`
}

// Decision is the router's verdict for one entry.
type Decision struct {
	Tier       store.Tier
	Pending    bool // confidence too low to commit; stays in intake
	Discard    bool // below the promotion floor; archived for the grace window
	Protected  bool
	Composite  float64
	Confidence float64
	Signals    Signals
	Reasoning  string
	Flagged    bool // needs manual review (invalid input fallback)
}

// SignalsJSON returns the signal snapshot for the decision log row.
func (d *Decision) SignalsJSON() string {
	b, _ := json.Marshal(d.Signals)
	return string(b)
}

// Router computes composite scores and tier assignments. It is stateless
// and deterministic: identical inputs always produce identical decisions.
type Router struct{}

// NewRouter creates a Router.
func NewRouter() *Router { return &Router{} }

// Classify scores an entry and assigns its destination tier. novelty is the
// externally supplied inverse-similarity signal in [0,1]; pass 0.5 when no
// similarity index is available.
func (r *Router) Classify(e *store.Entry, novelty float64) Decision {
	if err := validateInputs(e, novelty); err != nil {
		// InvalidSignalInput: fall back to the lowest-confidence durable
		// routing and flag the decision for manual review. The entry is
		// never rejected.
		return Decision{
			Tier:       store.TierDurable,
			Confidence: 0,
			Signals:    Signals{EmotionalMultiplier: 1.0},
			Reasoning:  fmt.Sprintf("invalid signal input (%v); fallback to durable", err),
			Flagged:    true,
		}
	}

	s := computeSignals(e, novelty)

	weighted := weightSuccess*s.Success +
		weightRepetition*s.Repetition +
		weightCriticality*s.Criticality +
		weightNovelty*s.Novelty +
		weightRichness*s.ContextRichness

	composite := clamp(weighted*s.EmotionalMultiplier+s.UrgencyModifier, 0, 1)

	d := Decision{
		Composite:  composite,
		Confidence: confidence(composite, s.Repetition),
		Signals:    s,
	}

	switch {
	case composite >= thresholdCritical:
		// The critical gate is independent of everything below it.
		d.Tier = store.TierCritical
		d.Protected = true
		d.Reasoning = fmt.Sprintf("composite %.3f >= %.2f: critical, protected", composite, thresholdCritical)
	case s.Repetition > thresholdReflex:
		d.Tier = store.TierReflex
		d.Reasoning = fmt.Sprintf("repetition %.3f > %.2f: reflex", s.Repetition, thresholdReflex)
	case composite >= thresholdDurable:
		d.Tier = store.TierDurable
		d.Reasoning = fmt.Sprintf("composite %.3f >= %.2f: durable", composite, thresholdDurable)
	case composite < thresholdDiscard:
		d.Discard = true
		d.Reasoning = fmt.Sprintf("composite %.3f < %.2f: not promoted, grace-period retention", composite, thresholdDiscard)
	default:
		d.Pending = true
		d.Reasoning = fmt.Sprintf("composite %.3f between %.2f and %.2f: pending re-evaluation", composite, thresholdDiscard, thresholdDurable)
	}
	return d
}

func computeSignals(e *store.Entry, novelty float64) Signals {
	var success float64
	switch e.Outcome {
	case store.OutcomeSuccess:
		success = 1.0
	case store.OutcomeFailure:
		success = 0.3
	default:
		success = 0.5
	}

	// Saturating repetition: count/(count+k) rises toward 1 without a cliff.
	count := float64(e.AccessCount)
	repetition := count / (count + repetitionHalfCount)

	richness := math.Min(1, float64(len(e.Content))/richnessSaturation)

	return Signals{
		Success:             success,
		Repetition:          repetition,
		Criticality:         clamp(e.Importance, 0, 1),
		Novelty:             clamp(novelty, 0, 1),
		ContextRichness:     richness,
		EmotionalMultiplier: 1.0 + 0.5*clamp(e.EmotionalIntensity, 0, 1),
		UrgencyModifier:     0.1 * clamp(e.Urgency, -1, 1),
	}
}

// confidence is the normalized distance from the nearest threshold boundary:
// a composite sitting on a boundary reports 0, one a full band away reports 1.
func confidence(composite, repetition float64) float64 {
	dist := math.Abs(composite - thresholdCritical)
	for _, b := range []float64{thresholdDurable, thresholdDiscard} {
		if d := math.Abs(composite - b); d < dist {
			dist = d
		}
	}
	if d := math.Abs(repetition - thresholdReflex); d < dist {
		dist = d
	}
	return math.Min(1, dist/confidenceBand)
}

func validateInputs(e *store.Entry, novelty float64) error {
	checks := []struct {
		name   string
		v      float64
		lo, hi float64
	}{
		{"importance", e.Importance, 0, 1},
		{"emotional_intensity", e.EmotionalIntensity, 0, 1},
		{"urgency", e.Urgency, -1, 1},
		{"novelty", novelty, 0, 1},
	}
	for _, c := range checks {
		if math.IsNaN(c.v) || c.v < c.lo || c.v > c.hi {
			return fmt.Errorf("%s %v out of range [%g, %g]", c.name, c.v, c.lo, c.hi)
		}
	}
	switch e.Outcome {
	case store.OutcomeSuccess, store.OutcomeFailure, store.OutcomeUnknown:
	default:
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	return nil
}
