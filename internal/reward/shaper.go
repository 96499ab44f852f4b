// Package reward turns explicit feedback and metric snapshots into the scalar
// the policy learns from.
package reward

import (
	"math"
	"sort"

	"sage/internal/config"
	"sage/internal/domain"
)

// Shaper is total: it never fails and always returns a finite value.
//
// With d in [-1, 1] the normalised metric delta:
//
//	accepted          -> AcceptBase + AcceptMetricWeight*d
//	rejected          -> RejectBase + RejectMetricWeight*d   (wins over accepted)
//	ignored / none    -> d
type Shaper struct {
	Config config.RewardConfig
}

func New(cfg config.RewardConfig) Shaper {
	return Shaper{Config: cfg}
}

func (s Shaper) Reward(accepted, rejected, ignored bool, before, after map[string]float64) float64 {
	d := s.MetricDelta(before, after)
	var r float64
	switch {
	case rejected:
		r = s.Config.RejectBase + s.Config.RejectMetricWeight*d
	case accepted:
		r = s.Config.AcceptBase + s.Config.AcceptMetricWeight*d
	default:
		r = d
	}
	return finite(r)
}

// ForFeedback is Reward with the flags taken from a resolved feedback type.
func (s Shaper) ForFeedback(ft domain.FeedbackType, before, after map[string]float64) float64 {
	accepted, rejected, ignored := FeedbackFlags(ft)
	return s.Reward(accepted, rejected, ignored, before, after)
}

// MetricDelta is the weight-normalised sum of tanh-squashed metric changes.
// Metrics are visited in name order so the float sum is reproducible.
func (s Shaper) MetricDelta(before, after map[string]float64) float64 {
	names := make([]string, 0, len(s.Config.Metrics))
	for name := range s.Config.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum, norm float64
	for _, name := range names {
		m := s.Config.Metrics[name]
		if m.Weight == 0 || !isFinite(m.Weight) {
			continue
		}
		norm += math.Abs(m.Weight)
		scale := m.Scale
		if scale <= 0 || !isFinite(scale) {
			scale = 1
		}
		delta := finite(value(after, name)) - finite(value(before, name))
		sum += m.Weight * math.Tanh(delta/scale)
	}
	if norm == 0 {
		return 0
	}
	d := sum / norm
	return math.Max(-1, math.Min(1, finite(d)))
}

// FeedbackFlags maps a resolved feedback type onto the shaper's inputs.
func FeedbackFlags(ft domain.FeedbackType) (accepted, rejected, ignored bool) {
	switch ft {
	case domain.FeedbackAccepted:
		return true, false, false
	case domain.FeedbackRejected:
		return false, true, false
	case domain.FeedbackIgnored:
		return false, false, true
	}
	return false, false, false
}

func value(m map[string]float64, key string) float64 {
	if m == nil {
		return 0
	}
	return m[key]
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finite(v float64) float64 {
	if isFinite(v) {
		return v
	}
	return 0
}
