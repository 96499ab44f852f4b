package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sage/internal/config"
	"sage/internal/dbtest"
	"sage/internal/domain"
	"sage/internal/engine"
	"sage/internal/governor"
	"sage/internal/logging"
	"sage/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Clock  *dbtest.Clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	conn := dbtest.Open(t)
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
	require.NoError(t, cfg.Validate())
	clock := dbtest.NewClock()
	eng := engine.New(conn, cfg, logging.Nop())
	eng.SetNow(clock.Now)
	return testEnv{Engine: eng, Clock: clock, Ctx: context.Background()}
}

func (env testEnv) grant(t *testing.T, userID string, purposes ...domain.Purpose) {
	t.Helper()
	for _, p := range purposes {
		_, err := env.Engine.SetConsent(env.Ctx, userID, p, true, userID)
		require.NoError(t, err)
	}
}

func (env testEnv) logBehavior(t *testing.T, userID, kind string, value float64) {
	t.Helper()
	_, stored, err := env.Engine.LogBehavior(env.Ctx, domain.BehaviorLog{UserID: userID, Kind: kind, Value: value, TS: env.Clock.Now()})
	require.NoError(t, err)
	require.True(t, stored)
}

func TestDecisionLearnsFromImprovedBehavior(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "u1", domain.PurposeAIProfiling, domain.PurposePolicyLearning, domain.PurposeBehavioralTracking)

	d, err := env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1", Context: []float64{0.2, 0.5}, ActorID: "u1"})
	require.NoError(t, err)
	require.False(t, d.Skipped)
	require.Equal(t, domain.ActionNudge, d.Action, "ties resolve to the first action")
	require.Nil(t, d.Proposal, "nudge is not reviewable by default")
	require.NotEmpty(t, d.RunID)

	exp, err := env.Engine.Ledger.Get(env.Ctx, d.ExperienceID)
	require.NoError(t, err)
	require.Nil(t, exp.Reward)
	require.Equal(t, d.RunID, exp.RunID)

	env.Clock.Advance(2 * time.Hour)
	env.logBehavior(t, "u1", "task", 1)
	env.logBehavior(t, "u1", "habit", 1)
	env.Clock.Advance(28 * time.Hour)

	summary, err := env.Engine.RunLearning(env.Ctx, "test")
	require.NoError(t, err)
	require.True(t, summary.Success)
	require.Equal(t, 1, summary.Processed)
	require.Greater(t, summary.AvgReward, 0.0)

	exp, err = env.Engine.Ledger.Get(env.Ctx, d.ExperienceID)
	require.NoError(t, err)
	require.NotNil(t, exp.Reward)
	require.Equal(t, domain.FeedbackNone, *exp.FeedbackType)

	w, err := env.Engine.Policy.GetWeights(env.Ctx, "u1", domain.ActionNudge, 2)
	require.NoError(t, err)
	require.NotEqual(t, []float64{0, 0}, w)
	require.Greater(t, w[1], w[0], "larger context features move further")
}

func TestRevokedConsentBeforeJobLeavesPolicyAlone(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "u1", domain.PurposeAIProfiling, domain.PurposePolicyLearning, domain.PurposeBehavioralTracking)

	d, err := env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1", Context: []float64{0.2, 0.5}})
	require.NoError(t, err)
	env.Clock.Advance(2 * time.Hour)
	env.logBehavior(t, "u1", "task", 1)

	_, err = env.Engine.SetConsent(env.Ctx, "u1", domain.PurposePolicyLearning, false, "u1")
	require.NoError(t, err)
	env.Clock.Advance(28 * time.Hour)

	summary, err := env.Engine.RunLearning(env.Ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Zero(t, summary.Processed)

	exp, err := env.Engine.Ledger.Get(env.Ctx, d.ExperienceID)
	require.NoError(t, err)
	require.False(t, exp.LearningEnabled)
	require.Nil(t, exp.Reward)

	weights, err := env.Engine.Policy.List(env.Ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, weights)

	again, err := env.Engine.RunLearning(env.Ctx, "test")
	require.NoError(t, err)
	require.Zero(t, again.Processed+again.Skipped)
}

func TestDecideWithoutConsentWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "u1", domain.PurposeAIProfiling)

	d, err := env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1", Context: []float64{1, 0}})
	require.NoError(t, err)
	require.True(t, d.Skipped)
	require.Equal(t, domain.ActionSilent, d.Action)
	require.Equal(t, "consent_denied", d.Reason)
	require.Empty(t, d.RunID)

	exps, err := env.Engine.Ledger.ListByUser(env.Ctx, "u1", time.Time{}, false, 0)
	require.NoError(t, err)
	require.Empty(t, exps)
	proposals, err := env.Engine.Governor.List(env.Ctx, repo.ProposalFilters{UserID: "u1"})
	require.NoError(t, err)
	require.Empty(t, proposals)
}

func TestDecideRejectsBadContext(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "u1", domain.PurposeAIProfiling, domain.PurposePolicyLearning)

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1"})
	require.Error(t, err)

	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1", Context: []float64{1, 2}})
	require.NoError(t, err)
	env.Clock.Advance(30 * time.Hour)
	summary, err := env.Engine.RunLearning(env.Ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)

	_, err = env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1", Context: []float64{1, 2, 3}})
	require.Error(t, err, "a learned policy fixes the context dimension")
}

func TestProposalApproveUndoRoundTrip(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Proposals.Actions = []string{"nudge"} })
	env.grant(t, "u1", domain.PurposeAIProfiling, domain.PurposePolicyLearning)

	d, err := env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1", Context: []float64{0.2, 0.5}, ActorID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, d.Proposal)
	require.Equal(t, d.RunID, d.Proposal.RunID)
	require.Equal(t, domain.ProposalPending, d.Proposal.Status)
	require.Equal(t, "low", d.Proposal.Priority)

	before, err := env.Engine.Settings.State(env.Ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, before)

	approved, err := env.Engine.ApproveProposal(env.Ctx, d.Proposal.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.ActionApplied, approved.Result.Status)
	require.Equal(t, d.RunID, approved.RunID)

	applied, err := env.Engine.Settings.State(env.Ctx, "u1")
	require.NoError(t, err)
	require.Contains(t, applied, "coach.nudge")

	undone, err := env.Engine.UndoAction(env.Ctx, approved.Result.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.ActionUndone, undone.Result.Status)
	require.Equal(t, d.RunID, undone.RunID)

	restored, err := env.Engine.Settings.State(env.Ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, restored)

	_, err = env.Engine.ApproveProposal(env.Ctx, d.Proposal.ID, "u1")
	var ite *governor.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	require.Equal(t, "already_reviewed", ite.Code())

	_, err = env.Engine.UndoAction(env.Ctx, approved.Result.ID, "u1")
	require.True(t, errors.As(err, &ite))
	require.Equal(t, "already_undone", ite.Code())

	// Undo is recorded next to the acceptance; the experience still learns
	// from an accepted outcome.
	env.Clock.Advance(30 * time.Hour)
	summary, err := env.Engine.RunLearning(env.Ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	exp, err := env.Engine.Ledger.Get(env.Ctx, d.ExperienceID)
	require.NoError(t, err)
	require.Equal(t, domain.FeedbackAccepted, *exp.FeedbackType)
	require.Greater(t, *exp.Reward, 0.0)
}

func TestRejectionAfterMinAgeStillShapesReward(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Proposals.Actions = []string{"nudge"} })
	env.grant(t, "u1", domain.PurposeAIProfiling, domain.PurposePolicyLearning, domain.PurposeBehavioralTracking)

	d, err := env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1", Context: []float64{0.2, 0.5}, ActorID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, d.Proposal)
	env.Clock.Advance(2 * time.Hour)
	env.logBehavior(t, "u1", "task", 1)
	env.Clock.Advance(28 * time.Hour)

	summary, err := env.Engine.RunLearning(env.Ctx, "test")
	require.NoError(t, err)
	require.Zero(t, summary.Processed)
	require.Equal(t, 1, summary.Deferred, "the proposal is still under review")
	exp, err := env.Engine.Ledger.Get(env.Ctx, d.ExperienceID)
	require.NoError(t, err)
	require.Nil(t, exp.Reward)

	_, err = env.Engine.RejectProposal(env.Ctx, d.Proposal.ID, "not for me", "u1")
	require.NoError(t, err)

	summary, err = env.Engine.RunLearning(env.Ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	exp, err = env.Engine.Ledger.Get(env.Ctx, d.ExperienceID)
	require.NoError(t, err)
	require.Equal(t, domain.FeedbackRejected, *exp.FeedbackType)
	require.LessOrEqual(t, *exp.Reward, -0.4, "improved metrics never outweigh a rejection")

	w, err := env.Engine.Policy.GetWeights(env.Ctx, "u1", domain.ActionNudge, 2)
	require.NoError(t, err)
	require.Less(t, w[0], 0.0)
	require.Less(t, w[1], 0.0)
}

func TestUnreviewedProposalExpiresBeforeReward(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Proposals.Actions = []string{"nudge"} })
	env.grant(t, "u1", domain.PurposeAIProfiling, domain.PurposePolicyLearning)

	d, err := env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1", Context: []float64{1}})
	require.NoError(t, err)
	env.Clock.Advance(73 * time.Hour)

	summary, err := env.Engine.RunLearning(env.Ctx, "test")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Expired)
	require.Equal(t, 1, summary.Processed)
	exp, err := env.Engine.Ledger.Get(env.Ctx, d.ExperienceID)
	require.NoError(t, err)
	require.Equal(t, domain.FeedbackIgnored, *exp.FeedbackType)
}

func TestFailedProposalLeavesNoExperience(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Proposals.Actions = []string{"nudge"} })
	env.grant(t, "u1", domain.PurposeAIProfiling, domain.PurposePolicyLearning)
	env.Engine.Governor.TTL = 0

	_, err := env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1", Context: []float64{1}})
	require.Error(t, err)

	exps, err := env.Engine.Ledger.ListByUser(env.Ctx, "u1", time.Time{}, false, 0)
	require.NoError(t, err)
	require.Empty(t, exps)
	proposals, err := env.Engine.Governor.List(env.Ctx, repo.ProposalFilters{UserID: "u1"})
	require.NoError(t, err)
	require.Empty(t, proposals)
}

func TestRejectProposalReturnsRunID(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Proposals.Actions = []string{"nudge"} })
	env.grant(t, "u1", domain.PurposeAIProfiling, domain.PurposePolicyLearning)

	d, err := env.Engine.Decide(env.Ctx, engine.DecideInput{UserID: "u1", Context: []float64{1}})
	require.NoError(t, err)
	res, err := env.Engine.RejectProposal(env.Ctx, d.Proposal.ID, "not now", "u1")
	require.NoError(t, err)
	require.Equal(t, d.RunID, res.RunID)
	require.Equal(t, domain.ProposalRejected, res.Result.Status)
	require.Equal(t, "not now", res.Result.ReviewReason)
}

func TestLogBehaviorNeedsTrackingConsent(t *testing.T) {
	env := newTestEnv(t)
	_, stored, err := env.Engine.LogBehavior(env.Ctx, domain.BehaviorLog{UserID: "u1", Kind: "task", Value: 1})
	require.NoError(t, err)
	require.False(t, stored)

	_, _, err = env.Engine.LogBehavior(env.Ctx, domain.BehaviorLog{UserID: "u1", Kind: "sleep", Value: 1})
	require.Error(t, err)

	env.grant(t, "u1", domain.PurposeBehavioralTracking)
	l, stored, err := env.Engine.LogBehavior(env.Ctx, domain.BehaviorLog{UserID: "u1", Kind: "task", Value: 1})
	require.NoError(t, err)
	require.True(t, stored)
	require.NotZero(t, l.ID)
	require.Equal(t, dbtest.Epoch, l.TS)
}

func TestSetConsentIsAudited(t *testing.T) {
	env := newTestEnv(t)
	snap, err := env.Engine.SetConsent(env.Ctx, "u1", domain.PurposeAIProfiling, true, "admin")
	require.NoError(t, err)
	require.True(t, snap.AIProfiling)
	require.False(t, snap.PolicyLearning)

	_, err = env.Engine.SetConsent(env.Ctx, "u1", "marketing", true, "admin")
	require.Error(t, err)

	entries, err := env.Engine.Repo.ListEvents(env.Ctx, repo.EventFilters{UserID: "u1", Entity: "consent"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "admin", entries[0].ActorID)
}

func TestProfileRequiresConsent(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.GenerateProfile(env.Ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, p)

	env.grant(t, "u1", domain.PurposeAIProfiling)
	p, err = env.Engine.GenerateProfile(env.Ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, "u1", p.UserID)
}
