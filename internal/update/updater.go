// Package update applies one bounded contextual-bandit step to a weight
// vector.
package update

import (
	"errors"
	"fmt"
	"math"
)

var ErrDimensionMismatch = errors.New("dimension mismatch")

type Config struct {
	LearningRate float64
	// MaxStepNorm bounds the L2 norm of a single step.
	MaxStepNorm float64
	// MaxWeightNorm bounds the L2 norm of the resulting vector. Zero disables it.
	MaxWeightNorm float64
}

// Updater is a pure function of its inputs.
type Updater struct {
	Config Config
}

// Update returns old + clamp(lr * reward * context). It never mutates its
// arguments.
func (u Updater) Update(old, context []float64, reward float64) ([]float64, error) {
	if len(old) != len(context) {
		return nil, fmt.Errorf("%w: weights have %d dims, context has %d", ErrDimensionMismatch, len(old), len(context))
	}
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		reward = 0
	}

	step := make([]float64, len(context))
	for i, x := range context {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			x = 0
		}
		step[i] = u.Config.LearningRate * reward * x
	}
	clampNorm(step, u.Config.MaxStepNorm)

	next := make([]float64, len(old))
	for i := range old {
		next[i] = old[i] + step[i]
	}
	if u.Config.MaxWeightNorm > 0 {
		clampNorm(next, u.Config.MaxWeightNorm)
	}
	return next, nil
}

// Step is one recorded (context, reward) pair.
type Step struct {
	Context []float64
	Reward  float64
}

// Replay folds a sequence of steps over initial. Identical inputs always
// produce identical weights.
func (u Updater) Replay(initial []float64, steps []Step) ([]float64, error) {
	w := append([]float64(nil), initial...)
	for i, s := range steps {
		next, err := u.Update(w, s.Context, s.Reward)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		w = next
	}
	return w, nil
}

// Norm is the L2 norm of v.
func Norm(v []float64) float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	return math.Sqrt(sumSq)
}

func clampNorm(v []float64, max float64) {
	if max <= 0 {
		return
	}
	norm := Norm(v)
	if math.IsInf(norm, 0) || math.IsNaN(norm) {
		for i := range v {
			v[i] = 0
		}
		return
	}
	if norm > max {
		scale := max / norm
		for i := range v {
			v[i] *= scale
		}
	}
}
