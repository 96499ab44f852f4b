// Package feedback keeps the append-only record of how users responded to a
// decision, keyed by run id.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sage/internal/domain"
	"sage/internal/repo"
)

type Log struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (l Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append records one signal inside tx.
func (l Log) Append(ctx context.Context, tx *sql.Tx, s domain.FeedbackSignal) error {
	if s.RunID == "" {
		return fmt.Errorf("feedback signal requires a run id")
	}
	switch s.Signal {
	case domain.SignalAccepted, domain.SignalRejected, domain.SignalIgnored, domain.SignalUndone:
	default:
		return fmt.Errorf("unknown feedback signal %q", s.Signal)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = l.now().UTC()
	}
	return l.Repo.InsertFeedbackSignalTx(ctx, tx, s)
}

func (l Log) Signals(ctx context.Context, runID string) ([]domain.FeedbackSignal, error) {
	return l.Repo.ListFeedbackSignals(ctx, runID)
}

// Resolve folds every signal for runID into one feedback type:
// rejected > accepted > ignored > none. An undo leaves the earlier accept in
// place.
func (l Log) Resolve(ctx context.Context, runID string) (domain.FeedbackType, error) {
	signals, err := l.Signals(ctx, runID)
	if err != nil {
		return domain.FeedbackNone, err
	}
	return Resolve(signals), nil
}

func Resolve(signals []domain.FeedbackSignal) domain.FeedbackType {
	var accepted, rejected, ignored bool
	for _, s := range signals {
		switch s.Signal {
		case domain.SignalAccepted:
			accepted = true
		case domain.SignalRejected:
			rejected = true
		case domain.SignalIgnored:
			ignored = true
		}
	}
	switch {
	case rejected:
		return domain.FeedbackRejected
	case accepted:
		return domain.FeedbackAccepted
	case ignored:
		return domain.FeedbackIgnored
	}
	return domain.FeedbackNone
}
