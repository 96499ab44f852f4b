package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sage/internal/domain"
)

const proposalColumns = `id,user_id,run_id,type,proposed_actions_json,reasoning,confidence_score,priority,status,review_reason,created_at,reviewed_at,expires_at`

func scanProposal(row rowScanner) (domain.Proposal, error) {
	var p domain.Proposal
	var actionsJSON, status, createdAt, expiresAt string
	var reason, reviewedAt sql.NullString
	if err := row.Scan(&p.ID, &p.UserID, &p.RunID, &p.Type, &actionsJSON, &p.Reasoning, &p.ConfidenceScore, &p.Priority, &status, &reason, &createdAt, &reviewedAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return p, ErrNotFound
		}
		return p, err
	}
	if err := json.Unmarshal([]byte(actionsJSON), &p.ProposedActions); err != nil {
		return p, fmt.Errorf("decode proposed actions %s: %w", p.ID, err)
	}
	p.Status = domain.ProposalStatus(status)
	if reason.Valid {
		p.ReviewReason = reason.String
	}
	p.CreatedAt = parseTime(createdAt)
	p.ReviewedAt = parseNullTime(reviewedAt)
	p.ExpiresAt = parseTime(expiresAt)
	return p, nil
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	actionsJSON, err := marshalString(p.ProposedActions)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.UserID, p.RunID, p.Type, actionsJSON, p.Reasoning, p.ConfidenceScore, p.Priority, string(p.Status),
		nullable(p.ReviewReason), domain.FormatTime(p.CreatedAt), nullableTime(p.ReviewedAt), domain.FormatTime(p.ExpiresAt))
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return r.GetProposalTx(ctx, nil, id)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(r.q(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

// GetProposalByRunID returns the proposal opened by a decision run.
func (r Repo) GetProposalByRunID(ctx context.Context, runID string) (domain.Proposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE run_id=? ORDER BY created_at ASC, id ASC LIMIT 1`, runID))
}

type ProposalFilters struct {
	UserID string
	Status string
	Limit  int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id=?`
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ReviewProposalTx moves a pending proposal to status. Zero rows means the
// proposal was no longer pending.
func (r Repo) ReviewProposalTx(ctx context.Context, tx *sql.Tx, id string, status domain.ProposalStatus, reason string, at time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, review_reason=?, reviewed_at=? WHERE id=? AND status='pending'`,
		string(status), nullable(reason), domain.FormatTime(at), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OverdueProposalsTx lists pending proposals whose expiry is before now.
func (r Repo) OverdueProposalsTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]domain.Proposal, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE status='pending' AND expires_at < ? ORDER BY expires_at ASC LIMIT ?`,
		domain.FormatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
