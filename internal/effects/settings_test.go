package effects_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"sage/internal/dbtest"
	"sage/internal/domain"
	"sage/internal/effects"
	"sage/internal/repo"
)

func TestApplyThenRestoreReturnsPriorState(t *testing.T) {
	conn := dbtest.Open(t)
	clock := dbtest.NewClock()
	x := effects.SettingsExecutor{Repo: repo.Repo{DB: conn}, Now: clock.Now}
	ctx := context.Background()

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, x.Repo.PutSettingTx(ctx, tx, "u1", "tone", json.RawMessage(`"gentle"`), clock.Now()))
	require.NoError(t, x.Repo.PutSettingTx(ctx, tx, "u1", "quiet_hours", json.RawMessage(`[22,7]`), clock.Now()))
	require.NoError(t, tx.Commit())
	before, err := x.State(ctx, "u1")
	require.NoError(t, err)

	tx, err = conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	prev, err := x.Apply(ctx, tx, "u1", []domain.ProposedAction{
		{Op: effects.OpSet, Key: "tone", Value: json.RawMessage(`"direct"`)},
		{Op: effects.OpSet, Key: "focus_block", Value: json.RawMessage(`{ "minutes": 50 }`)},
		{Op: effects.OpUnset, Key: "quiet_hours"},
		{Op: effects.OpSet, Key: "tone", Value: json.RawMessage(`"firm"`)},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.JSONEq(t, `{"tone":"gentle","focus_block":null,"quiet_hours":[22,7]}`, string(prev))

	during, err := x.State(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, `"firm"`, string(during["tone"]))
	require.Equal(t, `{"minutes":50}`, string(during["focus_block"]))
	require.NotContains(t, during, "quiet_hours")

	tx, err = conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, x.Restore(ctx, tx, "u1", prev))
	require.NoError(t, tx.Commit())

	after, err := x.State(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestValidateRejectsMalformedActions(t *testing.T) {
	require.Error(t, effects.Validate(nil))
	require.Error(t, effects.Validate([]domain.ProposedAction{{Op: "set", Key: "k"}}))
	require.Error(t, effects.Validate([]domain.ProposedAction{{Op: "drop", Key: "k"}}))
	require.Error(t, effects.Validate([]domain.ProposedAction{{Op: "unset"}}))
	require.NoError(t, effects.Validate([]domain.ProposedAction{{Op: "unset", Key: "k"}}))
}
