package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sage/internal/dbtest"
	"sage/internal/domain"
	"sage/internal/repo"
	"sage/internal/telemetry"
)

func TestSummarizeEmptyWindow(t *testing.T) {
	m := telemetry.Summarize(nil, dbtest.Epoch, dbtest.Epoch.Add(24*time.Hour))
	require.Equal(t, 0.0, m[telemetry.MetricMomentum])
	require.Equal(t, 0.0, m[telemetry.MetricActivity])
	require.Len(t, m, 6)
}

func TestMetricsFromLogs(t *testing.T) {
	conn := dbtest.Open(t)
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	day := 24 * time.Hour
	logs := []domain.BehaviorLog{
		{UserID: "u1", Kind: "habit", Value: 1, TS: dbtest.Epoch.Add(time.Hour)},
		{UserID: "u1", Kind: "task", Value: 0, TS: dbtest.Epoch.Add(2 * time.Hour)},
		{UserID: "u1", Kind: "task", Value: 1, TS: dbtest.Epoch.Add(day + time.Hour)},
		{UserID: "u1", Kind: "journal", Value: 0.5, TS: dbtest.Epoch.Add(3 * time.Hour)},
		{UserID: "u1", Kind: "journal", Value: 1, TS: dbtest.Epoch.Add(day)},
		{UserID: "u1", Kind: "score", Value: 40, TS: dbtest.Epoch.Add(time.Hour)},
		{UserID: "u1", Kind: "score", Value: 55, TS: dbtest.Epoch.Add(day)},
		{UserID: "u2", Kind: "habit", Value: 1, TS: dbtest.Epoch.Add(time.Hour)},
		{UserID: "u1", Kind: "habit", Value: 1, TS: dbtest.Epoch.Add(10 * day)},
	}
	for _, l := range logs {
		_, err := r.InsertBehaviorLog(ctx, l)
		require.NoError(t, err)
	}

	src := telemetry.Source{Repo: r}
	m, err := src.Metrics(ctx, "u1", dbtest.Epoch, dbtest.Epoch.Add(4*day))
	require.NoError(t, err)
	require.Equal(t, 7.0, m[telemetry.MetricActivity])
	require.InDelta(t, 2.0/3.0, m[telemetry.MetricCompletionRate], 1e-9)
	require.InDelta(t, 1.0/3.0, m[telemetry.MetricFriction], 1e-9)
	require.InDelta(t, 0.5, m[telemetry.MetricMomentum], 1e-9)
	require.InDelta(t, 0.75, m[telemetry.MetricMood], 1e-9)
	require.Equal(t, 55.0, m[telemetry.MetricScore])

	again, err := src.Metrics(ctx, "u1", dbtest.Epoch, dbtest.Epoch.Add(4*day))
	require.NoError(t, err)
	require.Equal(t, m, again)

	_, err = src.Metrics(ctx, "u1", dbtest.Epoch, dbtest.Epoch.Add(-day))
	require.Error(t, err)
}
