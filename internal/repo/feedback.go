package repo

import (
	"context"
	"database/sql"

	"sage/internal/domain"
)

func (r Repo) InsertFeedbackSignalTx(ctx context.Context, tx *sql.Tx, s domain.FeedbackSignal) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO feedback_signals(run_id,user_id,signal,source_kind,source_id,created_at) VALUES (?,?,?,?,?,?)`,
		s.RunID, s.UserID, string(s.Signal), s.SourceKind, s.SourceID, domain.FormatTime(s.CreatedAt))
	return err
}

func (r Repo) ListFeedbackSignals(ctx context.Context, runID string) ([]domain.FeedbackSignal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,user_id,signal,source_kind,source_id,created_at FROM feedback_signals WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeedbackSignal
	for rows.Next() {
		var s domain.FeedbackSignal
		var signal, createdAt string
		if err := rows.Scan(&s.ID, &s.RunID, &s.UserID, &signal, &s.SourceKind, &s.SourceID, &createdAt); err != nil {
			return nil, err
		}
		s.Signal = domain.Signal(signal)
		s.CreatedAt = parseTime(createdAt)
		res = append(res, s)
	}
	return res, rows.Err()
}
