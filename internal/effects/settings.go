// Package effects executes approved proposals against the user's coaching
// settings and reverses them on undo.
package effects

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"sage/internal/domain"
	"sage/internal/repo"
)

const (
	OpSet   = "set"
	OpUnset = "unset"
)

// SettingsExecutor applies set/unset operations to coach_settings. The
// snapshot it returns maps every touched key to its prior value, or null when
// the key did not exist.
type SettingsExecutor struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (x SettingsExecutor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// Validate checks operations without touching state.
func Validate(actions []domain.ProposedAction) error {
	if len(actions) == 0 {
		return errors.New("proposal has no actions")
	}
	for i, a := range actions {
		if a.Key == "" {
			return fmt.Errorf("action %d: key is required", i)
		}
		switch a.Op {
		case OpSet:
			if len(a.Value) == 0 || !json.Valid(a.Value) {
				return fmt.Errorf("action %d: set %s needs a JSON value", i, a.Key)
			}
		case OpUnset:
		default:
			return fmt.Errorf("action %d: unknown op %q", i, a.Op)
		}
	}
	return nil
}

func (x SettingsExecutor) Apply(ctx context.Context, tx *sql.Tx, userID string, actions []domain.ProposedAction) (json.RawMessage, error) {
	if err := Validate(actions); err != nil {
		return nil, err
	}
	previous := map[string]json.RawMessage{}
	for _, a := range actions {
		if _, seen := previous[a.Key]; !seen {
			cur, err := x.Repo.GetSettingTx(ctx, tx, userID, a.Key)
			switch {
			case errors.Is(err, repo.ErrNotFound):
				previous[a.Key] = json.RawMessage("null")
			case err != nil:
				return nil, err
			default:
				previous[a.Key] = cur.Value
			}
		}
		var err error
		if a.Op == OpSet {
			err = x.Repo.PutSettingTx(ctx, tx, userID, a.Key, compact(a.Value), x.now().UTC())
		} else {
			err = x.Repo.DeleteSettingTx(ctx, tx, userID, a.Key)
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", a.Op, a.Key, err)
		}
	}
	return json.Marshal(previous)
}

func (x SettingsExecutor) Restore(ctx context.Context, tx *sql.Tx, userID string, previous json.RawMessage) error {
	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(previous, &snapshot); err != nil {
		return fmt.Errorf("decode previous state: %w", err)
	}
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := snapshot[k]
		var err error
		if len(v) == 0 || string(v) == "null" {
			err = x.Repo.DeleteSettingTx(ctx, tx, userID, k)
		} else {
			err = x.Repo.PutSettingTx(ctx, tx, userID, k, v, x.now().UTC())
		}
		if err != nil {
			return fmt.Errorf("restore %s: %w", k, err)
		}
	}
	return nil
}

// State returns the user's settings as key -> value.
func (x SettingsExecutor) State(ctx context.Context, userID string) (map[string]json.RawMessage, error) {
	settings, err := x.Repo.ListSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(settings))
	for _, s := range settings {
		out[s.Key] = s.Value
	}
	return out, nil
}

func compact(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}

// Validate lets SettingsExecutor check proposals before they are stored.
func (x SettingsExecutor) Validate(actions []domain.ProposedAction) error {
	return Validate(actions)
}
