package repo

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"sage/internal/domain"
)

// GetWeightsTx returns the stored vector for (user, action) or ErrNotFound.
func (r Repo) GetWeightsTx(ctx context.Context, tx *sql.Tx, userID string, action domain.Action) (domain.PolicyWeights, error) {
	var pw domain.PolicyWeights
	var blob []byte
	var dim int
	var updatedAt string
	err := r.q(tx).QueryRowContext(ctx, `SELECT user_id,action,dim,weights,updates,updated_at FROM policy_weights WHERE user_id=? AND action=?`, userID, string(action)).
		Scan(&pw.UserID, &pw.Action, &dim, &blob, &pw.Updates, &updatedAt)
	if err == sql.ErrNoRows {
		return pw, ErrNotFound
	}
	if err != nil {
		return pw, err
	}
	pw.Weights, err = decodeVector(blob, dim)
	if err != nil {
		return pw, fmt.Errorf("decode weights %s/%s: %w", userID, action, err)
	}
	pw.UpdatedAt = parseTime(updatedAt)
	return pw, nil
}

func (r Repo) ListWeights(ctx context.Context, userID string) ([]domain.PolicyWeights, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id,action,dim,weights,updates,updated_at FROM policy_weights WHERE user_id=? ORDER BY action`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PolicyWeights
	for rows.Next() {
		var pw domain.PolicyWeights
		var blob []byte
		var dim int
		var updatedAt string
		if err := rows.Scan(&pw.UserID, &pw.Action, &dim, &blob, &pw.Updates, &updatedAt); err != nil {
			return nil, err
		}
		if pw.Weights, err = decodeVector(blob, dim); err != nil {
			return nil, err
		}
		pw.UpdatedAt = parseTime(updatedAt)
		res = append(res, pw)
	}
	return res, rows.Err()
}

func (r Repo) UpsertWeightsTx(ctx context.Context, tx *sql.Tx, userID string, action domain.Action, weights []float64, at time.Time) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO policy_weights(user_id,action,dim,weights,updates,updated_at) VALUES (?,?,?,?,1,?)
ON CONFLICT(user_id,action) DO UPDATE SET dim=excluded.dim, weights=excluded.weights, updates=policy_weights.updates+1, updated_at=excluded.updated_at`,
		userID, string(action), len(weights), encodeVector(weights), domain.FormatTime(at))
	return err
}

func encodeVector(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte, dim int) ([]float64, error) {
	if len(b) != dim*8 {
		return nil, fmt.Errorf("blob length %d does not match dim %d", len(b), dim)
	}
	v := make([]float64, dim)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v, nil
}
