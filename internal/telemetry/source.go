// Package telemetry reads raw behaviour logs and condenses them into the
// metric snapshots the reward shaper compares.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"time"

	"sage/internal/domain"
	"sage/internal/repo"
)

// Metric names produced by Metrics.
const (
	MetricMomentum       = "momentum"
	MetricCompletionRate = "completion_rate"
	MetricFriction       = "friction"
	MetricMood           = "mood"
	MetricScore          = "score"
	MetricActivity       = "activity"
)

// Source is the read-only telemetry collaborator.
type Source struct {
	Repo repo.Repo
}

// Logs returns logs with ts in [from, to).
func (s Source) Logs(ctx context.Context, userID string, from, to time.Time) ([]domain.BehaviorLog, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("telemetry window ends before it starts")
	}
	return s.Repo.ListBehaviorLogs(ctx, userID, from, to)
}

// Metrics summarises [from, to). The result is a pure function of the logs in
// the window, so recomputing it for the same window gives the same snapshot.
func (s Source) Metrics(ctx context.Context, userID string, from, to time.Time) (map[string]float64, error) {
	logs, err := s.Logs(ctx, userID, from, to)
	if err != nil {
		return nil, err
	}
	return Summarize(logs, from, to), nil
}

// Summarize computes the metric snapshot for logs observed in [from, to).
//
//	momentum         share of days with at least one completed habit or task
//	completion_rate  mean habit/task value, clamped to [0, 1]
//	friction         share of habit/task entries that were missed (value <= 0)
//	mood             mean journal value
//	score            latest score value
//	activity         number of log entries
func Summarize(logs []domain.BehaviorLog, from, to time.Time) map[string]float64 {
	out := map[string]float64{
		MetricMomentum:       0,
		MetricCompletionRate: 0,
		MetricFriction:       0,
		MetricMood:           0,
		MetricScore:          0,
		MetricActivity:       float64(len(logs)),
	}
	if len(logs) == 0 {
		return out
	}
	days := int(math.Ceil(to.Sub(from).Hours() / 24))
	if days < 1 {
		days = 1
	}
	activeDays := map[string]bool{}
	var doneSum float64
	var doneN, missed int
	var moodSum float64
	var moodN int
	var latestScore time.Time
	for _, l := range logs {
		switch l.Kind {
		case "habit", "task":
			doneN++
			doneSum += clamp01(l.Value)
			if l.Value <= 0 {
				missed++
			} else {
				activeDays[l.TS.UTC().Format("2006-01-02")] = true
			}
		case "journal":
			moodN++
			moodSum += l.Value
		case "score":
			if !l.TS.Before(latestScore) {
				latestScore = l.TS
				out[MetricScore] = l.Value
			}
		}
	}
	if doneN > 0 {
		out[MetricCompletionRate] = doneSum / float64(doneN)
		out[MetricFriction] = float64(missed) / float64(doneN)
	}
	out[MetricMomentum] = math.Min(1, float64(len(activeDays))/float64(days))
	if moodN > 0 {
		out[MetricMood] = moodSum / float64(moodN)
	}
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
