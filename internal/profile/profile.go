// Package profile derives the descriptive behavioural profile from learned
// weights, finalized experiences and raw telemetry. Nothing here is stored.
package profile

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"sage/internal/domain"
	"sage/internal/telemetry"
	"sage/internal/update"
)

const (
	activityWindow   = 30 * 24 * time.Hour
	experienceWindow = 90 * 24 * time.Hour
	riskWindow       = 7 * 24 * time.Hour
	projectionDays   = 7
	peakHourCount    = 3
)

type ConsentSnapshotter interface {
	Snapshot(ctx context.Context, userID string) domain.ConsentSnapshot
}

type WeightLister interface {
	List(ctx context.Context, userID string) ([]domain.PolicyWeights, error)
}

type ExperienceLister interface {
	ListByUser(ctx context.Context, userID string, since time.Time, onlyFinalized bool, limit int) ([]domain.Experience, error)
}

type LogSource interface {
	Logs(ctx context.Context, userID string, from, to time.Time) ([]domain.BehaviorLog, error)
}

type Engine struct {
	Consent     ConsentSnapshotter
	Weights     WeightLister
	Experiences ExperienceLister
	Telemetry   LogSource
	Now         func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Generate returns nil without error when the user has not consented to
// profiling.
func (e Engine) Generate(ctx context.Context, userID string) (*domain.BehavioralProfile, error) {
	if e.Consent == nil || !e.Consent.Snapshot(ctx, userID).AIProfiling {
		return nil, nil
	}
	now := e.now()
	logs, err := e.Telemetry.Logs(ctx, userID, now.Add(-activityWindow), now)
	if err != nil {
		return nil, fmt.Errorf("load telemetry: %w", err)
	}
	exps, err := e.Experiences.ListByUser(ctx, userID, now.Add(-experienceWindow), true, 0)
	if err != nil {
		return nil, fmt.Errorf("load experiences: %w", err)
	}
	weights, err := e.Weights.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load policy weights: %w", err)
	}
	discipline := Discipline(exps, weights)
	return &domain.BehavioralProfile{
		UserID:          userID,
		Chronotype:      Chronotype(logs),
		Discipline:      discipline,
		DropoutRisk:     DropoutRisk(logs, exps, now),
		ScorePrediction: ProjectScore(logs),
		GeneratedAt:     now,
	}, nil
}

// Chronotype ranks hours of day by completed activity.
func Chronotype(logs []domain.BehaviorLog) domain.Chronotype {
	var hist [24]int
	total := 0
	for _, l := range logs {
		if ((l.Kind == "habit" || l.Kind == "task") && l.Value > 0) || l.Kind == "journal" {
			hist[l.TS.UTC().Hour()]++
			total++
		}
	}
	if total == 0 {
		return domain.Chronotype{Label: "unknown", PeakHours: []int{}}
	}
	hours := make([]int, 24)
	for h := range hours {
		hours[h] = h
	}
	sort.SliceStable(hours, func(i, j int) bool { return hist[hours[i]] > hist[hours[j]] })
	var peaks []int
	weighted, weight := 0.0, 0
	for _, h := range hours[:peakHourCount] {
		if hist[h] == 0 {
			break
		}
		peaks = append(peaks, h)
		weighted += float64(h * hist[h])
		weight += hist[h]
	}
	center := weighted / float64(weight)
	label := "night_owl"
	switch {
	case center < 11:
		label = "early_bird"
	case center < 17:
		label = "midday"
	}
	sort.Ints(peaks)
	return domain.Chronotype{Label: label, PeakHours: peaks}
}

// Discipline summarises which actions pay off for the user and how often
// proposals are taken up.
func Discipline(exps []domain.Experience, weights []domain.PolicyWeights) domain.DisciplineProfile {
	sums := map[domain.Action]float64{}
	counts := map[domain.Action]int{}
	var accepted, rejected, answered int
	for _, e := range exps {
		if e.Reward == nil {
			continue
		}
		sums[e.Action] += *e.Reward
		counts[e.Action]++
		if e.FeedbackType == nil {
			continue
		}
		switch *e.FeedbackType {
		case domain.FeedbackAccepted:
			accepted++
			answered++
		case domain.FeedbackRejected:
			rejected++
			answered++
		case domain.FeedbackIgnored:
			answered++
		}
	}
	triggers := []domain.TriggerStat{}
	for _, a := range domain.Actions {
		if counts[a] == 0 {
			continue
		}
		triggers = append(triggers, domain.TriggerStat{Action: a, MeanReward: sums[a] / float64(counts[a]), Samples: counts[a]})
	}
	sort.SliceStable(triggers, func(i, j int) bool { return triggers[i].MeanReward > triggers[j].MeanReward })

	out := domain.DisciplineProfile{MotivationTriggers: triggers, Style: "unknown"}
	if answered > 0 {
		out.AcceptanceRate = float64(accepted) / float64(answered)
		switch {
		case out.AcceptanceRate >= 0.6:
			out.Style = "collaborative"
		case float64(rejected)/float64(answered) >= 0.5:
			out.Style = "independent"
		default:
			out.Style = "exploratory"
		}
	}
	byAction := map[domain.Action]float64{}
	for _, w := range weights {
		byAction[w.Action] = update.Norm(w.Weights)
	}
	best := 0.0
	for _, a := range domain.Actions {
		if n := byAction[a]; n > best {
			best = n
			out.StrongestAction = a
		}
	}
	return out
}

// DropoutRisk is a logistic blend of declining activity, friction and
// rejection rate.
func DropoutRisk(logs []domain.BehaviorLog, exps []domain.Experience, now time.Time) domain.DropoutRisk {
	recentFrom := now.Add(-riskWindow)
	priorFrom := now.Add(-2 * riskWindow)
	var recent, prior []domain.BehaviorLog
	for _, l := range logs {
		switch {
		case !l.TS.Before(recentFrom):
			recent = append(recent, l)
		case !l.TS.Before(priorFrom):
			prior = append(prior, l)
		}
	}
	var decline float64
	switch {
	case len(recent) == 0:
		decline = 1
	case len(prior) > 0:
		decline = math.Max(0, float64(len(prior)-len(recent))/float64(len(prior)))
	}
	friction := telemetry.Summarize(recent, recentFrom, now)[telemetry.MetricFriction]

	var rejected, answered int
	for _, e := range exps {
		if e.FeedbackType == nil || *e.FeedbackType == domain.FeedbackNone {
			continue
		}
		answered++
		if *e.FeedbackType == domain.FeedbackRejected {
			rejected++
		}
	}
	var rejection float64
	if answered > 0 {
		rejection = float64(rejected) / float64(answered)
	}

	z := -2.0 + 3.0*decline + 2.0*friction + 1.5*rejection
	score := 1 / (1 + math.Exp(-z))
	risk := domain.DropoutRisk{Score: math.Round(score*1000) / 1000, Level: "low"}
	switch {
	case score >= 0.66:
		risk.Level = "high"
	case score >= 0.33:
		risk.Level = "medium"
	}
	if len(recent) == 0 {
		risk.Factors = append(risk.Factors, "no_recent_activity")
	} else if decline >= 0.3 {
		risk.Factors = append(risk.Factors, "declining_activity")
	}
	if friction >= 0.4 {
		risk.Factors = append(risk.Factors, "high_friction")
	}
	if rejection >= 0.5 {
		risk.Factors = append(risk.Factors, "frequent_rejections")
	}
	return risk
}

// ProjectScore fits a least-squares line through the last score of each day
// and extends it projectionDays ahead.
func ProjectScore(logs []domain.BehaviorLog) domain.ScorePrediction {
	type point struct {
		ts    time.Time
		value float64
	}
	daily := map[string]point{}
	for _, l := range logs {
		if l.Kind != "score" {
			continue
		}
		day := l.TS.UTC().Format("2006-01-02")
		if p, ok := daily[day]; !ok || !l.TS.Before(p.ts) {
			daily[day] = point{ts: l.TS, value: l.Value}
		}
	}
	out := domain.ScorePrediction{Horizon: projectionDays}
	if len(daily) == 0 {
		return out
	}
	days := make([]string, 0, len(daily))
	for d := range daily {
		days = append(days, d)
	}
	sort.Strings(days)
	out.Current = daily[days[len(days)-1]].value
	if len(days) < 2 {
		out.Projected = out.Current
		return out
	}
	origin, _ := time.Parse("2006-01-02", days[0])
	var sx, sy, sxx, sxy float64
	n := float64(len(days))
	for _, d := range days {
		t, _ := time.Parse("2006-01-02", d)
		x := t.Sub(origin).Hours() / 24
		y := daily[d].value
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	den := n*sxx - sx*sx
	if den != 0 {
		out.Trend = (n*sxy - sx*sy) / den
	}
	out.Projected = out.Current + out.Trend*projectionDays
	return out
}
