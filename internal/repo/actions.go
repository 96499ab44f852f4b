package repo

import (
	"context"
	"database/sql"
	"time"

	"sage/internal/domain"
)

const actionColumns = `id,proposal_id,run_id,user_id,previous_state_json,status,applied_at,undone_at`

func scanAction(row rowScanner) (domain.AgentAction, error) {
	var a domain.AgentAction
	var prev, status, appliedAt string
	var undoneAt sql.NullString
	if err := row.Scan(&a.ID, &a.ProposalID, &a.RunID, &a.UserID, &prev, &status, &appliedAt, &undoneAt); err != nil {
		if err == sql.ErrNoRows {
			return a, ErrNotFound
		}
		return a, err
	}
	a.PreviousState = []byte(prev)
	a.Status = domain.ActionStatus(status)
	a.AppliedAt = parseTime(appliedAt)
	a.UndoneAt = parseNullTime(undoneAt)
	return a, nil
}

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.AgentAction) error {
	prev := string(a.PreviousState)
	if prev == "" {
		prev = "{}"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_actions(`+actionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ProposalID, a.RunID, a.UserID, prev, string(a.Status), domain.FormatTime(a.AppliedAt), nullableTime(a.UndoneAt))
	return err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.AgentAction, error) {
	return r.GetActionTx(ctx, nil, id)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgentAction, error) {
	return scanAction(r.q(tx).QueryRowContext(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE id=?`, id))
}

func (r Repo) GetActionByProposal(ctx context.Context, proposalID string) (domain.AgentAction, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM agent_actions WHERE proposal_id=?`, proposalID))
}

// MarkActionUndoneTx flips an applied action to undone. Zero rows means it was
// not applied anymore.
func (r Repo) MarkActionUndoneTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE agent_actions SET status='undone', undone_at=? WHERE id=? AND status='applied'`,
		domain.FormatTime(at), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
