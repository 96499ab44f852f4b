package learning_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sage/internal/config"
	"sage/internal/dbtest"
	"sage/internal/domain"
	"sage/internal/events"
	"sage/internal/feedback"
	"sage/internal/learning"
	"sage/internal/ledger"
	"sage/internal/policy"
	"sage/internal/repo"
	"sage/internal/reward"
	"sage/internal/telemetry"
	"sage/internal/update"
)

type consentSet map[string]bool

func (c consentSet) LearningEnabled(ctx context.Context, userID string) bool { return c[userID] }

// flakyMetrics fails for one user and delegates the rest.
type flakyMetrics struct {
	inner   learning.MetricsSource
	failFor string
}

func (f flakyMetrics) Metrics(ctx context.Context, userID string, from, to time.Time) (map[string]float64, error) {
	if userID == f.failFor {
		return nil, errors.New("telemetry unavailable")
	}
	return f.inner.Metrics(ctx, userID, from, to)
}

type testEnv struct {
	Job     learning.Job
	Consent consentSet
	Clock   *dbtest.Clock
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn := dbtest.Open(t)
	clock := dbtest.NewClock()
	r := repo.Repo{DB: conn}
	consent := consentSet{"u1": true, "u2": true}
	cfg := config.Default()
	l := ledger.Ledger{DB: conn, Repo: r, Consent: consent, Now: clock.Now}
	job := learning.Job{
		Repo:    r,
		Ledger:  l,
		Consent: consent,
		Policy: policy.Store{
			DB: conn, Repo: r, Events: events.Writer{Now: clock.Now}, Locker: policy.NewMemoryLocker(), Now: clock.Now,
		},
		Shaper: reward.New(cfg.Reward),
		Updater: update.Updater{Config: update.Config{
			LearningRate: cfg.Learning.LearningRate, MaxStepNorm: cfg.Learning.MaxStepNorm, MaxWeightNorm: cfg.Learning.MaxWeightNorm,
		}},
		Telemetry: telemetry.Source{Repo: r},
		Feedback:  feedback.Log{Repo: r, Now: clock.Now},
		Config:    cfg.Job,
		Now:       clock.Now,
	}
	return testEnv{Job: job, Consent: consent, Clock: clock, Ctx: context.Background()}
}

func (env testEnv) record(t *testing.T, userID string, action domain.Action, vec []float64) string {
	t.Helper()
	res, err := env.Job.Ledger.Record(env.Ctx, ledger.RecordInput{UserID: userID, Context: vec, Action: action})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	return res.ExperienceID
}

func (env testEnv) signal(t *testing.T, experienceID string, s domain.Signal) {
	t.Helper()
	exp, err := env.Job.Ledger.Get(env.Ctx, experienceID)
	require.NoError(t, err)
	tx, err := env.Job.Ledger.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Job.Feedback.Append(env.Ctx, tx, domain.FeedbackSignal{
		RunID: exp.RunID, UserID: exp.UserID, Signal: s, SourceKind: "proposal", SourceID: "p-" + experienceID,
	}))
	require.NoError(t, tx.Commit())
}

func (env testEnv) propose(t *testing.T, experienceID string) domain.Proposal {
	t.Helper()
	exp, err := env.Job.Ledger.Get(env.Ctx, experienceID)
	require.NoError(t, err)
	now := env.Clock.Now()
	p := domain.Proposal{
		ID: "p-" + experienceID, UserID: exp.UserID, RunID: exp.RunID, Type: string(exp.Action),
		ProposedActions: []domain.ProposedAction{}, Priority: "low", Status: domain.ProposalPending,
		CreatedAt: now, ExpiresAt: now.Add(72 * time.Hour),
	}
	require.NoError(t, env.Job.Repo.InsertProposalTx(env.Ctx, nil, p))
	return p
}

func (env testEnv) review(t *testing.T, p domain.Proposal, status domain.ProposalStatus, s domain.Signal) {
	t.Helper()
	tx, err := env.Job.Ledger.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	n, err := env.Job.Repo.ReviewProposalTx(env.Ctx, tx, p.ID, status, "", env.Clock.Now())
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.NoError(t, env.Job.Feedback.Append(env.Ctx, tx, domain.FeedbackSignal{
		RunID: p.RunID, UserID: p.UserID, Signal: s, SourceKind: "proposal", SourceID: p.ID,
	}))
	require.NoError(t, tx.Commit())
}

func TestRunFinalizesPendingOnce(t *testing.T) {
	env := newTestEnv(t)
	id := env.record(t, "u1", domain.ActionNudge, []float64{0.2, 0.5})
	env.Clock.Advance(30 * time.Hour)

	summary, err := env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.True(t, summary.Success)
	require.Equal(t, 1, summary.Processed)
	require.Zero(t, summary.Errors)

	exp, err := env.Job.Ledger.Get(env.Ctx, id)
	require.NoError(t, err)
	require.NotNil(t, exp.Reward)
	require.NotNil(t, exp.MetricsAfter)

	again, err := env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.Zero(t, again.Processed, "finalized experiences are not selected again")

	runs, err := env.Job.Runs(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestAcceptedFeedbackMovesWeightsTowardContext(t *testing.T) {
	env := newTestEnv(t)
	id := env.record(t, "u1", domain.ActionCelebrate, []float64{0.2, 0.5})
	env.signal(t, id, domain.SignalAccepted)
	env.Clock.Advance(30 * time.Hour)

	_, err := env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)

	exp, err := env.Job.Ledger.Get(env.Ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.FeedbackAccepted, *exp.FeedbackType)
	require.GreaterOrEqual(t, *exp.Reward, 0.2)

	w, err := env.Job.Policy.GetWeights(env.Ctx, "u1", domain.ActionCelebrate, 2)
	require.NoError(t, err)
	require.Greater(t, w[0], 0.0)
	require.Greater(t, w[1], w[0])
}

func TestRevokedConsentDisablesInsteadOfFinalizing(t *testing.T) {
	env := newTestEnv(t)
	id := env.record(t, "u2", domain.ActionNudge, []float64{1, 1})
	env.Consent["u2"] = false
	env.Clock.Advance(30 * time.Hour)

	summary, err := env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Zero(t, summary.Processed)

	exp, err := env.Job.Ledger.Get(env.Ctx, id)
	require.NoError(t, err)
	require.False(t, exp.LearningEnabled)
	require.Nil(t, exp.Reward)
	weights, err := env.Job.Policy.List(env.Ctx, "u2")
	require.NoError(t, err)
	require.Empty(t, weights)
}

func TestItemFailuresAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.Job.Telemetry = flakyMetrics{inner: env.Job.Telemetry, failFor: "u1"}
	require.NoError(t, env.Job.Policy.UpsertWeights(env.Ctx, "u2", domain.ActionReframe, []float64{0, 0, 0}, "seed"))

	failing := env.record(t, "u1", domain.ActionNudge, []float64{1, 0})
	mismatched := env.record(t, "u2", domain.ActionReframe, []float64{1, 0})
	healthy := env.record(t, "u2", domain.ActionNudge, []float64{1, 0})
	env.Clock.Advance(30 * time.Hour)

	summary, err := env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.True(t, summary.Success)
	require.Equal(t, 2, summary.Errors)
	require.Equal(t, 1, summary.Processed)

	for _, id := range []string{failing, mismatched} {
		exp, err := env.Job.Ledger.Get(env.Ctx, id)
		require.NoError(t, err)
		require.Nil(t, exp.Reward, "failed items stay pending for the next run")
	}
	exp, err := env.Job.Ledger.Get(env.Ctx, healthy)
	require.NoError(t, err)
	require.NotNil(t, exp.Reward)
}

func TestStaleExperiencesAreAbandonedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.record(t, "u1", domain.ActionNudge, []float64{1})
	env.Clock.Advance(15 * 24 * time.Hour)

	summary, err := env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Abandoned)
	require.Zero(t, summary.Processed)

	summary, err = env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.Zero(t, summary.Abandoned)
}

func TestBudgetDefersUnstartedItems(t *testing.T) {
	env := newTestEnv(t)
	env.Job.Config.Budget = config.Duration(time.Nanosecond)
	env.record(t, "u1", domain.ActionNudge, []float64{1})
	env.record(t, "u1", domain.ActionNudge, []float64{1})
	env.Clock.Advance(30 * time.Hour)

	summary, err := env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.True(t, summary.Success)
	require.Equal(t, 2, summary.Deferred)
	require.Zero(t, summary.Processed)

	env.Job.Config.Budget = config.Duration(time.Minute)
	summary, err = env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 2, summary.Processed)
}

func TestOverlappingRunIsRefused(t *testing.T) {
	env := newTestEnv(t)
	held, err := env.Job.Repo.AcquireJobLock(env.Ctx, learning.LockName, "someone-else", env.Clock.Now(), time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	_, err = env.Job.Run(env.Ctx, "test")
	require.ErrorIs(t, err, learning.ErrJobRunning)

	env.Clock.Advance(2 * time.Hour)
	summary, err := env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.True(t, summary.Success)
}

func TestPendingProposalDefersReward(t *testing.T) {
	env := newTestEnv(t)
	reviewed := env.record(t, "u1", domain.ActionProtect, []float64{0.2, 0.5})
	p := env.propose(t, reviewed)
	env.Clock.Advance(time.Minute)
	later := env.record(t, "u1", domain.ActionNudge, []float64{1, 1})
	other := env.record(t, "u2", domain.ActionNudge, []float64{1, 1})
	env.Clock.Advance(30 * time.Hour)

	summary, err := env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 2, summary.Deferred, "u1's later experience waits behind the pending review")
	require.Equal(t, 1, summary.Processed)
	for _, id := range []string{reviewed, later} {
		exp, err := env.Job.Ledger.Get(env.Ctx, id)
		require.NoError(t, err)
		require.Nil(t, exp.Reward)
	}
	exp, err := env.Job.Ledger.Get(env.Ctx, other)
	require.NoError(t, err)
	require.NotNil(t, exp.Reward)

	env.review(t, p, domain.ProposalRejected, domain.SignalRejected)
	summary, err = env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.Zero(t, summary.Deferred)
	require.Equal(t, 2, summary.Processed)

	exp, err = env.Job.Ledger.Get(env.Ctx, reviewed)
	require.NoError(t, err)
	require.Equal(t, domain.FeedbackRejected, *exp.FeedbackType)
	require.InDelta(t, -0.6, *exp.Reward, 1e-9)
	w, err := env.Job.Policy.GetWeights(env.Ctx, "u1", domain.ActionProtect, 2)
	require.NoError(t, err)
	require.Less(t, w[0], 0.0)
	require.Less(t, w[1], w[0])
}

func TestSequentialUpdatesFollowCreationOrder(t *testing.T) {
	env := newTestEnv(t)
	// Large contexts saturate the step clamp and a tight weight norm makes
	// the intermediate clamp depend on order.
	env.Job.Updater.Config.MaxWeightNorm = 0.6
	ids := []string{
		env.record(t, "u1", domain.ActionChallenge, []float64{100, 0}),
	}
	env.signal(t, ids[0], domain.SignalAccepted)
	env.Clock.Advance(time.Minute)
	ids = append(ids, env.record(t, "u1", domain.ActionChallenge, []float64{100, 0}))
	env.signal(t, ids[1], domain.SignalAccepted)
	env.Clock.Advance(time.Minute)
	ids = append(ids, env.record(t, "u1", domain.ActionChallenge, []float64{100, 0}))
	env.signal(t, ids[2], domain.SignalRejected)
	env.Clock.Advance(30 * time.Hour)

	summary, err := env.Job.Run(env.Ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 3, summary.Processed)

	got, err := env.Job.Policy.GetWeights(env.Ctx, "u1", domain.ActionChallenge, 2)
	require.NoError(t, err)

	done, err := env.Job.Ledger.ListByUser(env.Ctx, "u1", time.Time{}, true, 0)
	require.NoError(t, err)
	require.Len(t, done, 3)
	var steps []update.Step
	for i, exp := range done {
		require.Equal(t, ids[i], exp.ID)
		steps = append(steps, update.Step{Context: exp.ContextVector, Reward: *exp.Reward})
	}
	require.Equal(t, 0.6, *done[0].Reward)
	require.Equal(t, -0.6, *done[2].Reward)

	want, err := env.Job.Updater.Replay([]float64{0, 0}, steps)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.InDelta(t, 0.1, got[0], 1e-9)

	reversed := []update.Step{steps[2], steps[1], steps[0]}
	newestFirst, err := env.Job.Updater.Replay([]float64{0, 0}, reversed)
	require.NoError(t, err)
	require.NotEqual(t, newestFirst, got, "newest-first processing ends elsewhere")
	require.InDelta(t, 0.5, newestFirst[0], 1e-9)
}
