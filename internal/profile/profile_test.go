package profile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sage/internal/consent"
	"sage/internal/dbtest"
	"sage/internal/domain"
	"sage/internal/profile"
)

func at(day, hour int) time.Time {
	return dbtest.Epoch.Truncate(24*time.Hour).AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
}

func reward(v float64) *float64 { return &v }

func ft(f domain.FeedbackType) *domain.FeedbackType { return &f }

func TestChronotype(t *testing.T) {
	logs := []domain.BehaviorLog{
		{Kind: "habit", Value: 1, TS: at(0, 6)},
		{Kind: "habit", Value: 1, TS: at(1, 6)},
		{Kind: "task", Value: 1, TS: at(1, 7)},
		{Kind: "journal", Value: 0.5, TS: at(2, 8)},
		{Kind: "task", Value: 0, TS: at(2, 22)},
		{Kind: "task", Value: 0, TS: at(3, 22)},
	}
	c := profile.Chronotype(logs)
	require.Equal(t, "early_bird", c.Label)
	require.Equal(t, []int{6, 7, 8}, c.PeakHours)

	require.Equal(t, "unknown", profile.Chronotype(nil).Label)
	night := profile.Chronotype([]domain.BehaviorLog{{Kind: "habit", Value: 1, TS: at(0, 23)}})
	require.Equal(t, "night_owl", night.Label)
}

func TestDisciplineRanksTriggers(t *testing.T) {
	exps := []domain.Experience{
		{Action: domain.ActionNudge, Reward: reward(0.2), FeedbackType: ft(domain.FeedbackAccepted)},
		{Action: domain.ActionNudge, Reward: reward(0.4), FeedbackType: ft(domain.FeedbackAccepted)},
		{Action: domain.ActionChallenge, Reward: reward(-0.5), FeedbackType: ft(domain.FeedbackRejected)},
		{Action: domain.ActionCelebrate, Reward: reward(0.9), FeedbackType: ft(domain.FeedbackNone)},
	}
	weights := []domain.PolicyWeights{
		{Action: domain.ActionNudge, Weights: []float64{0.3, 0.4}},
		{Action: domain.ActionChallenge, Weights: []float64{-1, 0}},
	}
	d := profile.Discipline(exps, weights)
	require.Len(t, d.MotivationTriggers, 3)
	require.Equal(t, domain.ActionCelebrate, d.MotivationTriggers[0].Action)
	require.InDelta(t, 0.3, d.MotivationTriggers[1].MeanReward, 1e-12)
	require.Equal(t, 2, d.MotivationTriggers[1].Samples)
	require.InDelta(t, 2.0/3.0, d.AcceptanceRate, 1e-12)
	require.Equal(t, "collaborative", d.Style)
	require.Equal(t, domain.ActionChallenge, d.StrongestAction)

	empty := profile.Discipline(nil, nil)
	require.Equal(t, "unknown", empty.Style)
	require.Empty(t, empty.StrongestAction)
}

func TestDropoutRiskRisesWithInactivity(t *testing.T) {
	now := at(14, 12)
	active := []domain.BehaviorLog{
		{Kind: "habit", Value: 1, TS: at(3, 9)},
		{Kind: "habit", Value: 1, TS: at(10, 9)},
		{Kind: "habit", Value: 1, TS: at(12, 9)},
	}
	low := profile.DropoutRisk(active, nil, now)
	require.Equal(t, "low", low.Level)

	lapsed := profile.DropoutRisk(active[:1], nil, now)
	require.Equal(t, "high", lapsed.Level)
	require.Contains(t, lapsed.Factors, "no_recent_activity")
	require.Greater(t, lapsed.Score, low.Score)
}

func TestProjectScoreFollowsTrend(t *testing.T) {
	logs := []domain.BehaviorLog{
		{Kind: "score", Value: 50, TS: at(0, 9)},
		{Kind: "score", Value: 10, TS: at(1, 8)},
		{Kind: "score", Value: 52, TS: at(1, 20)},
		{Kind: "score", Value: 54, TS: at(2, 9)},
	}
	p := profile.ProjectScore(logs)
	require.Equal(t, 54.0, p.Current)
	require.InDelta(t, 2.0, p.Trend, 1e-9)
	require.InDelta(t, 68.0, p.Projected, 1e-9)
	require.Equal(t, 7, p.Horizon)

	single := profile.ProjectScore(logs[:1])
	require.Equal(t, 50.0, single.Projected)
}

type consentStore []domain.Consent

func (c consentStore) GetConsents(ctx context.Context, userID string) ([]domain.Consent, error) {
	return c, nil
}

type noWeights struct{}

func (noWeights) List(ctx context.Context, userID string) ([]domain.PolicyWeights, error) {
	return nil, nil
}

type noExperiences struct{}

func (noExperiences) ListByUser(ctx context.Context, userID string, since time.Time, onlyFinalized bool, limit int) ([]domain.Experience, error) {
	return nil, nil
}

type noLogs struct{}

func (noLogs) Logs(ctx context.Context, userID string, from, to time.Time) ([]domain.BehaviorLog, error) {
	return nil, nil
}

func TestGenerateIsConsentGated(t *testing.T) {
	e := profile.Engine{
		Consent:     consent.Oracle{Store: consentStore{}},
		Weights:     noWeights{},
		Experiences: noExperiences{},
		Telemetry:   noLogs{},
		Now:         func() time.Time { return dbtest.Epoch },
	}
	p, err := e.Generate(context.Background(), "u1")
	require.NoError(t, err)
	require.Nil(t, p)

	e.Consent = consent.Oracle{Store: consentStore{{Purpose: domain.PurposeAIProfiling, Granted: true}}}
	p, err = e.Generate(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "u1", p.UserID)
	require.Equal(t, "unknown", p.Chronotype.Label)

	again, err := e.Generate(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, p, again)
}
