package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sage/internal/domain"
)

const experienceColumns = `id,user_id,run_id,context_json,action,feedback_type,metrics_before_json,metrics_after_json,reward,learning_enabled,abandoned_at,created_at,finalized_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperience(row rowScanner) (domain.Experience, error) {
	var e domain.Experience
	var action, contextJSON, beforeJSON, createdAt string
	var feedback, afterJSON, abandonedAt, finalizedAt sql.NullString
	var reward sql.NullFloat64
	var enabled int
	if err := row.Scan(&e.ID, &e.UserID, &e.RunID, &contextJSON, &action, &feedback, &beforeJSON, &afterJSON, &reward, &enabled, &abandonedAt, &createdAt, &finalizedAt); err != nil {
		if err == sql.ErrNoRows {
			return e, ErrNotFound
		}
		return e, err
	}
	e.Action = domain.Action(action)
	if err := json.Unmarshal([]byte(contextJSON), &e.ContextVector); err != nil {
		return e, fmt.Errorf("decode context vector %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(beforeJSON), &e.MetricsBefore); err != nil {
		return e, fmt.Errorf("decode metrics_before %s: %w", e.ID, err)
	}
	if afterJSON.Valid {
		if err := json.Unmarshal([]byte(afterJSON.String), &e.MetricsAfter); err != nil {
			return e, fmt.Errorf("decode metrics_after %s: %w", e.ID, err)
		}
	}
	if feedback.Valid {
		ft := domain.FeedbackType(feedback.String)
		e.FeedbackType = &ft
	}
	if reward.Valid {
		v := reward.Float64
		e.Reward = &v
	}
	e.LearningEnabled = enabled == 1
	e.AbandonedAt = parseNullTime(abandonedAt)
	e.CreatedAt = parseTime(createdAt)
	e.FinalizedAt = parseNullTime(finalizedAt)
	return e, nil
}

func (r Repo) InsertExperience(ctx context.Context, e domain.Experience) error {
	return r.InsertExperienceTx(ctx, nil, e)
}

func (r Repo) InsertExperienceTx(ctx context.Context, tx *sql.Tx, e domain.Experience) error {
	ctxJSON, err := marshalString(e.ContextVector)
	if err != nil {
		return err
	}
	if e.MetricsBefore == nil {
		e.MetricsBefore = map[string]float64{}
	}
	beforeJSON, err := marshalString(e.MetricsBefore)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO experiences(id,user_id,run_id,context_json,action,metrics_before_json,learning_enabled,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.RunID, ctxJSON, string(e.Action), beforeJSON, boolInt(e.LearningEnabled), domain.FormatTime(e.CreatedAt))
	return err
}

func (r Repo) GetExperience(ctx context.Context, id string) (domain.Experience, error) {
	return r.GetExperienceTx(ctx, nil, id)
}

func (r Repo) GetExperienceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Experience, error) {
	return scanExperience(r.q(tx).QueryRowContext(ctx, `SELECT `+experienceColumns+` FROM experiences WHERE id=?`, id))
}

// ListPendingExperiences returns learnable, unrewarded experiences created
// inside [from, to], oldest first.
func (r Repo) ListPendingExperiences(ctx context.Context, from, to time.Time, limit int) ([]domain.Experience, error) {
	query := `SELECT ` + experienceColumns + ` FROM experiences
WHERE reward IS NULL AND learning_enabled=1 AND abandoned_at IS NULL AND created_at >= ? AND created_at <= ?
ORDER BY created_at ASC, id ASC`
	args := []any{domain.FormatTime(from), domain.FormatTime(to)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.listExperiences(ctx, query, args...)
}

type ExperienceFilters struct {
	UserID string
	Since  time.Time
	// OnlyFinalized restricts to experiences that carry a reward.
	OnlyFinalized bool
	Limit         int
}

func (r Repo) ListExperiences(ctx context.Context, f ExperienceFilters) ([]domain.Experience, error) {
	query := `SELECT ` + experienceColumns + ` FROM experiences WHERE user_id=?`
	args := []any{f.UserID}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, domain.FormatTime(f.Since))
	}
	if f.OnlyFinalized {
		query += ` AND reward IS NOT NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.listExperiences(ctx, query, args...)
}

func (r Repo) listExperiences(ctx context.Context, query string, args ...any) ([]domain.Experience, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Experience
	for rows.Next() {
		e, err := scanExperience(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// FinalizeExperienceTx sets reward and metrics_after only while the reward is
// still unset and learning is enabled. It returns the number of rows changed.
func (r Repo) FinalizeExperienceTx(ctx context.Context, tx *sql.Tx, id string, metricsAfter map[string]float64, feedback domain.FeedbackType, reward float64, at time.Time) (int64, error) {
	if metricsAfter == nil {
		metricsAfter = map[string]float64{}
	}
	afterJSON, err := marshalString(metricsAfter)
	if err != nil {
		return 0, err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE experiences SET metrics_after_json=?, feedback_type=?, reward=?, finalized_at=?
WHERE id=? AND reward IS NULL AND learning_enabled=1 AND abandoned_at IS NULL`,
		afterJSON, string(feedback), reward, domain.FormatTime(at), id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DisableExperienceLearning excludes an unrewarded experience from learning.
func (r Repo) DisableExperienceLearning(ctx context.Context, id string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE experiences SET learning_enabled=0 WHERE id=? AND reward IS NULL`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AbandonStaleExperiences marks up to limit pending experiences created
// before cutoff as abandoned.
func (r Repo) AbandonStaleExperiences(ctx context.Context, cutoff, at time.Time, limit int) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE experiences SET abandoned_at=?
WHERE id IN (
  SELECT id FROM experiences
  WHERE reward IS NULL AND learning_enabled=1 AND abandoned_at IS NULL AND created_at < ?
  ORDER BY created_at ASC LIMIT ?
)`, domain.FormatTime(at), domain.FormatTime(cutoff), limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
