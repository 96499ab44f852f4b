// Package consent resolves what a user has agreed to at the moment of asking.
package consent

import (
	"context"

	"sage/internal/domain"
	"sage/internal/logging"
)

// Store is the external consent collaborator.
type Store interface {
	GetConsents(ctx context.Context, userID string) ([]domain.Consent, error)
}

// Oracle reads consent fresh on every call. A lookup failure resolves to an
// all-false snapshot.
type Oracle struct {
	Store Store
	Log   *logging.Logger
}

func (o Oracle) Snapshot(ctx context.Context, userID string) domain.ConsentSnapshot {
	var snap domain.ConsentSnapshot
	if o.Store == nil {
		return snap
	}
	consents, err := o.Store.GetConsents(ctx, userID)
	if err != nil {
		logging.OrNop(o.Log).Warn("consent lookup failed, denying", "user_id", userID, "err", err)
		return domain.ConsentSnapshot{}
	}
	for _, c := range consents {
		if c.UserID != "" && c.UserID != userID {
			continue
		}
		switch c.Purpose {
		case domain.PurposeAIProfiling:
			snap.AIProfiling = c.Granted
		case domain.PurposePolicyLearning:
			snap.PolicyLearning = c.Granted
		case domain.PurposeBehavioralTracking:
			snap.BehavioralTracking = c.Granted
		case domain.PurposeDataExport:
			snap.DataExport = c.Granted
		}
	}
	return snap
}

func (o Oracle) LearningEnabled(ctx context.Context, userID string) bool {
	return o.Snapshot(ctx, userID).LearningEnabled()
}
