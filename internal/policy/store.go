// Package policy owns the per-(user, action) weight vectors.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"sage/internal/domain"
	"sage/internal/events"
	"sage/internal/logging"
	"sage/internal/repo"
	"sage/internal/update"
)

// Store is the only writer of policy_weights. Every write for one key runs
// under Locker and inside a single transaction.
type Store struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Locker Locker
	Log    *logging.Logger
	Now    func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Key is the lock and audit key for one weight vector.
func Key(userID string, action domain.Action) string {
	return "policy:" + userID + ":" + string(action)
}

// GetWeights returns the stored vector, or a zero vector of dim when the pair
// has never been learned.
func (s Store) GetWeights(ctx context.Context, userID string, action domain.Action, dim int) ([]float64, error) {
	pw, err := s.Repo.GetWeightsTx(ctx, nil, userID, action)
	if errors.Is(err, repo.ErrNotFound) {
		return make([]float64, dim), nil
	}
	if err != nil {
		return nil, err
	}
	return pw.Weights, nil
}

func (s Store) List(ctx context.Context, userID string) ([]domain.PolicyWeights, error) {
	return s.Repo.ListWeights(ctx, userID)
}

// UpsertWeights overwrites the vector for (user, action).
func (s Store) UpsertWeights(ctx context.Context, userID string, action domain.Action, vec []float64, actorID string) error {
	_, err := s.Apply(ctx, ApplyInput{
		UserID:  userID,
		Action:  action,
		Dim:     len(vec),
		ActorID: actorID,
		Mutate: func([]float64) ([]float64, error) {
			return append([]float64(nil), vec...), nil
		},
	})
	return err
}

type ApplyInput struct {
	UserID string
	Action domain.Action
	// Dim sizes the default vector for an unseen pair.
	Dim int
	// Mutate receives the current vector and returns the next one.
	Mutate func(current []float64) ([]float64, error)
	// Within runs in the same transaction after the write; an error rolls the
	// write back.
	Within  func(tx *sql.Tx) error
	ActorID string
	RunID   string
}

// Apply performs a serialized read-modify-write of one weight vector.
func (s Store) Apply(ctx context.Context, in ApplyInput) ([]float64, error) {
	if in.UserID == "" || !domain.ValidAction(string(in.Action)) {
		return nil, fmt.Errorf("invalid policy key %q/%q", in.UserID, in.Action)
	}
	if in.Mutate == nil {
		return nil, errors.New("mutate func is required")
	}
	if s.Locker == nil {
		return nil, errors.New("policy locker not configured")
	}
	key := Key(in.UserID, in.Action)
	unlock, err := s.Locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var current []float64
	existing, err := s.Repo.GetWeightsTx(ctx, tx, in.UserID, in.Action)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		current = make([]float64, in.Dim)
	case err != nil:
		return nil, err
	default:
		current = existing.Weights
	}
	next, err := in.Mutate(append([]float64(nil), current...))
	if err != nil {
		return nil, err
	}
	if err := s.Repo.UpsertWeightsTx(ctx, tx, in.UserID, in.Action, next, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("upsert weights %s: %w", key, err)
	}
	if err := s.Events.Append(ctx, tx, events.Entry{
		UserID:   in.UserID,
		Action:   "policy.update",
		Entity:   "policy_weights",
		EntityID: in.UserID + "/" + string(in.Action),
		OldValue: current,
		NewValue: next,
		ActorID:  in.ActorID,
		RunID:    in.RunID,
	}); err != nil {
		return nil, err
	}
	if in.Within != nil {
		if err := in.Within(tx); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return next, nil
}

type ActionScore struct {
	Action domain.Action `json:"action"`
	Score  float64       `json:"score"`
}

// Score rates every action against contextVec, best first. Ties keep the
// declaration order of domain.Actions.
func (s Store) Score(ctx context.Context, userID string, contextVec []float64) ([]ActionScore, error) {
	stored, err := s.Repo.ListWeights(ctx, userID)
	if err != nil {
		return nil, err
	}
	byAction := make(map[domain.Action][]float64, len(stored))
	for _, pw := range stored {
		byAction[pw.Action] = pw.Weights
	}
	scores := make([]ActionScore, 0, len(domain.Actions))
	for _, a := range domain.Actions {
		w, ok := byAction[a]
		if !ok {
			scores = append(scores, ActionScore{Action: a})
			continue
		}
		if len(w) != len(contextVec) {
			return nil, fmt.Errorf("score %s: %w: weights have %d dims, context has %d", a, update.ErrDimensionMismatch, len(w), len(contextVec))
		}
		var dot float64
		for i := range w {
			dot += w[i] * contextVec[i]
		}
		scores = append(scores, ActionScore{Action: a, Score: dot})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	return scores, nil
}
