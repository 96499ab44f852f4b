// Package ledger records decisions and writes their deferred outcome back
// exactly once.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sage/internal/domain"
	"sage/internal/logging"
	"sage/internal/repo"
)

var (
	// ErrDoubleFinalize means a reward was already written. It points at a
	// scheduling or concurrency defect, never at user input.
	ErrDoubleFinalize   = errors.New("experience already finalized")
	ErrLearningDisabled = errors.New("experience excluded from learning")
	ErrAbandoned        = errors.New("experience abandoned as stale")
)

// ReasonConsentDenied is the skip reason when learning consent is missing.
const ReasonConsentDenied = "consent_denied"

// ConsentChecker is the slice of the consent oracle the ledger needs.
type ConsentChecker interface {
	LearningEnabled(ctx context.Context, userID string) bool
}

type Ledger struct {
	DB      *sql.DB
	Repo    repo.Repo
	Consent ConsentChecker
	Log     *logging.Logger
	Now     func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

type RecordInput struct {
	UserID        string
	RunID         string
	Context       []float64
	Action        domain.Action
	MetricsBefore map[string]float64
	// Within runs in the insert's transaction; an error rolls the
	// experience back.
	Within func(tx *sql.Tx) error
}

// RecordResult is a typed outcome. A consent denial is Skipped, not an error.
type RecordResult struct {
	ExperienceID string `json:"experience_id,omitempty"`
	Skipped      bool   `json:"skipped"`
	Reason       string `json:"reason,omitempty"`
}

func (l Ledger) Record(ctx context.Context, in RecordInput) (RecordResult, error) {
	if in.UserID == "" {
		return RecordResult{}, errors.New("user_id is required")
	}
	if !domain.ValidAction(string(in.Action)) {
		return RecordResult{}, fmt.Errorf("unknown action %q", in.Action)
	}
	if len(in.Context) == 0 {
		return RecordResult{}, errors.New("context vector is empty")
	}
	if l.Consent == nil || !l.Consent.LearningEnabled(ctx, in.UserID) {
		return RecordResult{Skipped: true, Reason: ReasonConsentDenied}, nil
	}
	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	exp := domain.Experience{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		RunID:           runID,
		ContextVector:   append([]float64(nil), in.Context...),
		Action:          in.Action,
		MetricsBefore:   in.MetricsBefore,
		LearningEnabled: true,
		CreatedAt:       l.now().UTC(),
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return RecordResult{}, err
	}
	defer tx.Rollback()
	if err := l.Repo.InsertExperienceTx(ctx, tx, exp); err != nil {
		return RecordResult{}, fmt.Errorf("insert experience: %w", err)
	}
	if in.Within != nil {
		if err := in.Within(tx); err != nil {
			return RecordResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return RecordResult{}, err
	}
	logging.OrNop(l.Log).Debug("experience recorded", "experience_id", exp.ID, "user_id", exp.UserID, "action", exp.Action, "run_id", runID)
	return RecordResult{ExperienceID: exp.ID}, nil
}

// SelectPending returns learnable experiences created within
// [now-maxAge, now-minAge], in creation order.
func (l Ledger) SelectPending(ctx context.Context, minAge, maxAge time.Duration, limit int) ([]domain.Experience, error) {
	if maxAge < minAge {
		return nil, fmt.Errorf("max_age %s is below min_age %s", maxAge, minAge)
	}
	now := l.now().UTC()
	return l.Repo.ListPendingExperiences(ctx, now.Add(-maxAge), now.Add(-minAge), limit)
}

func (l Ledger) Finalize(ctx context.Context, id string, metricsAfter map[string]float64, feedback domain.FeedbackType, reward float64) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.FinalizeTx(ctx, tx, id, metricsAfter, feedback, reward); err != nil {
		return err
	}
	return tx.Commit()
}

// FinalizeTx writes reward and metrics_after once. When the guarded update
// touches no row the cause is reported as ErrDoubleFinalize,
// ErrLearningDisabled, ErrAbandoned or repo.ErrNotFound.
func (l Ledger) FinalizeTx(ctx context.Context, tx *sql.Tx, id string, metricsAfter map[string]float64, feedback domain.FeedbackType, reward float64) error {
	if feedback == "" {
		feedback = domain.FeedbackNone
	}
	n, err := l.Repo.FinalizeExperienceTx(ctx, tx, id, metricsAfter, feedback, reward, l.now().UTC())
	if err != nil {
		return fmt.Errorf("finalize experience %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	exp, err := l.Repo.GetExperienceTx(ctx, tx, id)
	if err != nil {
		return err
	}
	switch {
	case exp.Reward != nil:
		logging.OrNop(l.Log).Error("double finalize rejected", "experience_id", id, "existing_reward", *exp.Reward, "attempted_reward", reward)
		return fmt.Errorf("%w: %s", ErrDoubleFinalize, id)
	case !exp.LearningEnabled:
		return fmt.Errorf("%w: %s", ErrLearningDisabled, id)
	case exp.AbandonedAt != nil:
		return fmt.Errorf("%w: %s", ErrAbandoned, id)
	}
	return fmt.Errorf("finalize experience %s: no row updated", id)
}

// DisableLearning permanently excludes an unrewarded experience. Disabling an
// already disabled experience is a no-op; disabling a rewarded one fails with
// ErrDoubleFinalize.
func (l Ledger) DisableLearning(ctx context.Context, id string) error {
	n, err := l.Repo.DisableExperienceLearning(ctx, id)
	if err != nil {
		return fmt.Errorf("disable learning %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	exp, err := l.Repo.GetExperience(ctx, id)
	if err != nil {
		return err
	}
	if exp.Reward != nil {
		return fmt.Errorf("%w: %s", ErrDoubleFinalize, id)
	}
	return nil
}

// AbandonStale marks up to limit pending experiences older than maxAge as
// abandoned. Each is counted once and never retried.
func (l Ledger) AbandonStale(ctx context.Context, maxAge time.Duration, limit int) (int, error) {
	now := l.now().UTC()
	n, err := l.Repo.AbandonStaleExperiences(ctx, now.Add(-maxAge), now, limit)
	if err != nil {
		return 0, fmt.Errorf("abandon stale experiences: %w", err)
	}
	if n > 0 {
		logging.OrNop(l.Log).Info("stale experiences abandoned", "count", n, "max_age", maxAge.String())
	}
	return n, nil
}

func (l Ledger) Get(ctx context.Context, id string) (domain.Experience, error) {
	return l.Repo.GetExperience(ctx, id)
}

func (l Ledger) ListByUser(ctx context.Context, userID string, since time.Time, onlyFinalized bool, limit int) ([]domain.Experience, error) {
	return l.Repo.ListExperiences(ctx, repo.ExperienceFilters{UserID: userID, Since: since, OnlyFinalized: onlyFinalized, Limit: limit})
}
