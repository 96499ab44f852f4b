package repo

import (
	"context"
	"database/sql"

	"sage/internal/domain"
)

type EventFilters struct {
	UserID   string
	Entity   string
	EntityID string
	RunID    string
	// AfterID returns only entries with id > AfterID, for tailing.
	AfterID int64
	Limit   int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.AuditEntry, error) {
	query := `SELECT id,ts,user_id,action,entity,entity_id,old_value,new_value,actor_id,run_id FROM events WHERE id > ?`
	args := []any{f.AfterID}
	if f.UserID != "" {
		query += ` AND user_id=?`
		args = append(args, f.UserID)
	}
	if f.Entity != "" {
		query += ` AND entity=?`
		args = append(args, f.Entity)
	}
	if f.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, f.EntityID)
	}
	if f.RunID != "" {
		query += ` AND run_id=?`
		args = append(args, f.RunID)
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var ts string
		var userID, entityID, oldValue, newValue, runID sql.NullString
		if err := rows.Scan(&e.ID, &ts, &userID, &e.Action, &e.Entity, &entityID, &oldValue, &newValue, &e.ActorID, &runID); err != nil {
			return nil, err
		}
		e.TS = parseTime(ts)
		e.UserID = userID.String
		e.EntityID = entityID.String
		e.OldValue = oldValue.String
		e.NewValue = newValue.String
		e.RunID = runID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
