package repo

import (
	"context"
	"database/sql"
	"time"

	"sage/internal/domain"
)

// GetConsents implements the consent store contract.
func (r Repo) GetConsents(ctx context.Context, userID string) ([]domain.Consent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id,purpose,granted,updated_at FROM consents WHERE user_id=? ORDER BY purpose`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Consent
	for rows.Next() {
		var c domain.Consent
		var purpose, updatedAt string
		var granted int
		if err := rows.Scan(&c.UserID, &purpose, &granted, &updatedAt); err != nil {
			return nil, err
		}
		c.Purpose = domain.Purpose(purpose)
		c.Granted = granted == 1
		c.UpdatedAt = parseTime(updatedAt)
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetConsentTx upserts one purpose and returns the previous grant, if any.
func (r Repo) SetConsentTx(ctx context.Context, tx *sql.Tx, userID string, purpose domain.Purpose, granted bool, at time.Time) (*bool, error) {
	var prev *bool
	var old int
	err := tx.QueryRowContext(ctx, `SELECT granted FROM consents WHERE user_id=? AND purpose=?`, userID, string(purpose)).Scan(&old)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, err
	default:
		v := old == 1
		prev = &v
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO consents(user_id,purpose,granted,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id,purpose) DO UPDATE SET granted=excluded.granted, updated_at=excluded.updated_at`,
		userID, string(purpose), boolInt(granted), domain.FormatTime(at))
	return prev, err
}
