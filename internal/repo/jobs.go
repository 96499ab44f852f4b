package repo

import (
	"context"
	"database/sql"
	"time"

	"sage/internal/domain"
)

// AcquireJobLock takes the named lease when it is free, expired, or already
// held by owner. It reports whether the lease is now held by owner.
func (r Repo) AcquireJobLock(ctx context.Context, name, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO job_locks(name,owner,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET owner=excluded.owner, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE job_locks.expires_at < excluded.acquired_at OR job_locks.owner = excluded.owner`,
		name, owner, domain.FormatTime(now), domain.FormatTime(now.Add(ttl)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ReleaseJobLock(ctx context.Context, name, owner string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM job_locks WHERE name=? AND owner=?`, name, owner)
	return err
}

func (r Repo) InsertJobRun(ctx context.Context, s domain.JobSummary, finishedAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO job_runs(id,trigger,started_at,finished_at,processed,skipped,errors,abandoned,deferred,expired,avg_reward,duration_ms,success,error)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Trigger, domain.FormatTime(s.StartedAt), domain.FormatTime(finishedAt), s.Processed, s.Skipped, s.Errors,
		s.Abandoned, s.Deferred, s.Expired, s.AvgReward, s.DurationMS, boolInt(s.Success), nullable(s.Error))
	return err
}

// ListJobRuns returns the most recent runs first.
func (r Repo) ListJobRuns(ctx context.Context, limit int) ([]domain.JobSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,trigger,started_at,processed,skipped,errors,abandoned,deferred,expired,avg_reward,duration_ms,success,error
FROM job_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobSummary
	for rows.Next() {
		var s domain.JobSummary
		var startedAt string
		var success int
		var errText sql.NullString
		if err := rows.Scan(&s.ID, &s.Trigger, &startedAt, &s.Processed, &s.Skipped, &s.Errors, &s.Abandoned, &s.Deferred, &s.Expired,
			&s.AvgReward, &s.DurationMS, &success, &errText); err != nil {
			return nil, err
		}
		s.StartedAt = parseTime(startedAt)
		s.Success = success == 1
		s.Error = errText.String
		res = append(res, s)
	}
	return res, rows.Err()
}
