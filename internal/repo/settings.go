package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"sage/internal/domain"
)

func (r Repo) GetSettingTx(ctx context.Context, tx *sql.Tx, userID, key string) (domain.Setting, error) {
	s := domain.Setting{UserID: userID, Key: key}
	var value, updatedAt string
	err := r.q(tx).QueryRowContext(ctx, `SELECT value_json,updated_at FROM coach_settings WHERE user_id=? AND key=?`, userID, key).Scan(&value, &updatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Value = json.RawMessage(value)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

func (r Repo) ListSettings(ctx context.Context, userID string) ([]domain.Setting, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id,key,value_json,updated_at FROM coach_settings WHERE user_id=? ORDER BY key`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Setting
	for rows.Next() {
		var s domain.Setting
		var value, updatedAt string
		if err := rows.Scan(&s.UserID, &s.Key, &value, &updatedAt); err != nil {
			return nil, err
		}
		s.Value = json.RawMessage(value)
		s.UpdatedAt = parseTime(updatedAt)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) PutSettingTx(ctx context.Context, tx *sql.Tx, userID, key string, value json.RawMessage, at time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO coach_settings(user_id,key,value_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id,key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`,
		userID, key, string(value), domain.FormatTime(at))
	return err
}

func (r Repo) DeleteSettingTx(ctx context.Context, tx *sql.Tx, userID, key string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM coach_settings WHERE user_id=? AND key=?`, userID, key)
	return err
}
