package repo_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sage/internal/dbtest"
	"sage/internal/domain"
	"sage/internal/repo"
)

func TestWeightsRoundTripAndUpdateCount(t *testing.T) {
	r := repo.Repo{DB: dbtest.Open(t)}
	ctx := context.Background()

	_, err := r.GetWeightsTx(ctx, nil, "u1", domain.ActionNudge)
	require.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, r.UpsertWeightsTx(ctx, nil, "u1", domain.ActionNudge, []float64{0.25, -1.5, 3}, dbtest.Epoch))
	require.NoError(t, r.UpsertWeightsTx(ctx, nil, "u1", domain.ActionNudge, []float64{0.5, -1.5, 3}, dbtest.Epoch.Add(time.Hour)))

	pw, err := r.GetWeightsTx(ctx, nil, "u1", domain.ActionNudge)
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, -1.5, 3}, pw.Weights)
	require.Equal(t, 2, pw.Updates)
	require.True(t, pw.UpdatedAt.Equal(dbtest.Epoch.Add(time.Hour)))

	all, err := r.ListWeights(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestFinalizeExperienceIsConditional(t *testing.T) {
	r := repo.Repo{DB: dbtest.Open(t)}
	ctx := context.Background()
	exp := domain.Experience{
		ID: "e1", UserID: "u1", RunID: "run-1", ContextVector: []float64{1, 2},
		Action: domain.ActionNudge, LearningEnabled: true, CreatedAt: dbtest.Epoch,
	}
	require.NoError(t, r.InsertExperience(ctx, exp))

	n, err := r.FinalizeExperienceTx(ctx, nil, "e1", map[string]float64{"momentum": 1}, domain.FeedbackNone, 0.4, dbtest.Epoch)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = r.FinalizeExperienceTx(ctx, nil, "e1", nil, domain.FeedbackAccepted, 0.9, dbtest.Epoch)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := r.GetExperience(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got.Reward)
	require.Equal(t, 0.4, *got.Reward)
	require.Equal(t, domain.FeedbackNone, *got.FeedbackType)

	n, err = r.DisableExperienceLearning(ctx, "e1")
	require.NoError(t, err)
	require.Zero(t, n, "rewarded experiences keep learning_enabled")
}

func TestPendingWindowAndAbandon(t *testing.T) {
	r := repo.Repo{DB: dbtest.Open(t)}
	ctx := context.Background()
	for i, age := range []time.Duration{1 * time.Hour, 30 * time.Hour, 400 * time.Hour} {
		require.NoError(t, r.InsertExperience(ctx, domain.Experience{
			ID: []string{"fresh", "ready", "stale"}[i], UserID: "u1", RunID: "r", ContextVector: []float64{1},
			Action: domain.ActionObserve, LearningEnabled: true, CreatedAt: dbtest.Epoch.Add(-age),
		}))
	}
	pending, err := r.ListPendingExperiences(ctx, dbtest.Epoch.Add(-336*time.Hour), dbtest.Epoch.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "ready", pending[0].ID)

	n, err := r.AbandonStaleExperiences(ctx, dbtest.Epoch.Add(-336*time.Hour), dbtest.Epoch, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = r.AbandonStaleExperiences(ctx, dbtest.Epoch.Add(-336*time.Hour), dbtest.Epoch, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestJobLockLease(t *testing.T) {
	r := repo.Repo{DB: dbtest.Open(t)}
	ctx := context.Background()

	ok, err := r.AcquireJobLock(ctx, "learning", "a", dbtest.Epoch, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.AcquireJobLock(ctx, "learning", "b", dbtest.Epoch.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "held lease must not be stolen")

	ok, err = r.AcquireJobLock(ctx, "learning", "b", dbtest.Epoch.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lease can be taken over")

	require.NoError(t, r.ReleaseJobLock(ctx, "learning", "b"))
	ok, err = r.AcquireJobLock(ctx, "learning", "a", dbtest.Epoch.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSettingsAndConsents(t *testing.T) {
	conn := dbtest.Open(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	prev, err := r.SetConsentTx(ctx, tx, "u1", domain.PurposeAIProfiling, true, dbtest.Epoch)
	require.NoError(t, err)
	require.Nil(t, prev)
	prev, err = r.SetConsentTx(ctx, tx, "u1", domain.PurposeAIProfiling, false, dbtest.Epoch)
	require.NoError(t, err)
	require.NotNil(t, prev)
	require.True(t, *prev)
	require.NoError(t, r.PutSettingTx(ctx, tx, "u1", "focus_block", json.RawMessage(`{"minutes":50}`), dbtest.Epoch))
	require.NoError(t, tx.Commit())

	consents, err := r.GetConsents(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, consents, 1)
	require.False(t, consents[0].Granted)

	s, err := r.GetSettingTx(ctx, nil, "u1", "focus_block")
	require.NoError(t, err)
	require.JSONEq(t, `{"minutes":50}`, string(s.Value))
	_, err = r.GetSettingTx(ctx, nil, "u1", "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}
