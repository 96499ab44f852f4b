package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sage/internal/domain"
)

// Writer appends audit entries. Every governance transition and every policy
// write goes through Append inside the transaction that performs it.
type Writer struct {
	Now func() time.Time
}

// Entry is the collaborator-facing audit record.
type Entry struct {
	UserID   string
	Action   string
	Entity   string
	EntityID string
	OldValue any
	NewValue any
	ActorID  string
	RunID    string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.Action == "" || e.Entity == "" {
		return fmt.Errorf("audit entry requires action and entity")
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	oldValue, err := encode(e.OldValue)
	if err != nil {
		return fmt.Errorf("marshal audit old_value: %w", err)
	}
	newValue, err := encode(e.NewValue)
	if err != nil {
		return fmt.Errorf("marshal audit new_value: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,user_id,action,entity,entity_id,old_value,new_value,actor_id,run_id) VALUES (?,?,?,?,?,?,?,?,?)`,
		domain.FormatTime(now()), nullable(e.UserID), e.Action, e.Entity, nullable(e.EntityID), oldValue, newValue, e.ActorID, nullable(e.RunID))
	return err
}

func encode(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return nullable(x), nil
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		return string(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
