package repo

import (
	"context"
	"time"

	"sage/internal/domain"
)

func (r Repo) InsertBehaviorLog(ctx context.Context, l domain.BehaviorLog) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO behavior_logs(user_id,kind,value,ts) VALUES (?,?,?,?)`,
		l.UserID, l.Kind, l.Value, domain.FormatTime(l.TS))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListBehaviorLogs returns logs with ts in [from, to), oldest first.
func (r Repo) ListBehaviorLogs(ctx context.Context, userID string, from, to time.Time) ([]domain.BehaviorLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,kind,value,ts FROM behavior_logs WHERE user_id=? AND ts >= ? AND ts < ? ORDER BY ts ASC, id ASC`,
		userID, domain.FormatTime(from), domain.FormatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BehaviorLog
	for rows.Next() {
		var l domain.BehaviorLog
		var ts string
		if err := rows.Scan(&l.ID, &l.UserID, &l.Kind, &l.Value, &ts); err != nil {
			return nil, err
		}
		l.TS = parseTime(ts)
		res = append(res, l)
	}
	return res, rows.Err()
}
