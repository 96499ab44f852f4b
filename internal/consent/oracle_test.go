package consent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"sage/internal/consent"
	"sage/internal/domain"
)

type fakeStore struct {
	consents []domain.Consent
	err      error
	calls    int
}

func (f *fakeStore) GetConsents(ctx context.Context, userID string) ([]domain.Consent, error) {
	f.calls++
	return f.consents, f.err
}

func TestSnapshotMissingPurposesAreFalse(t *testing.T) {
	store := &fakeStore{consents: []domain.Consent{{UserID: "u1", Purpose: domain.PurposeAIProfiling, Granted: true}}}
	o := consent.Oracle{Store: store}

	snap := o.Snapshot(context.Background(), "u1")
	require.True(t, snap.AIProfiling)
	require.False(t, snap.PolicyLearning)
	require.False(t, o.LearningEnabled(context.Background(), "u1"))
}

func TestLearningEnabledNeedsBothPurposes(t *testing.T) {
	store := &fakeStore{consents: []domain.Consent{
		{UserID: "u1", Purpose: domain.PurposeAIProfiling, Granted: true},
		{UserID: "u1", Purpose: domain.PurposePolicyLearning, Granted: true},
	}}
	o := consent.Oracle{Store: store}
	require.True(t, o.LearningEnabled(context.Background(), "u1"))

	store.consents[1].Granted = false
	require.False(t, o.LearningEnabled(context.Background(), "u1"), "revocation is seen on the next call")
	require.Equal(t, 2, store.calls)
}

func TestLookupFailureFailsClosed(t *testing.T) {
	store := &fakeStore{
		consents: []domain.Consent{{Purpose: domain.PurposeAIProfiling, Granted: true}},
		err:      errors.New("store down"),
	}
	o := consent.Oracle{Store: store}
	require.Equal(t, domain.ConsentSnapshot{}, o.Snapshot(context.Background(), "u1"))
	require.False(t, o.LearningEnabled(context.Background(), "u1"))
}
