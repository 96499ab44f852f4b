// Package governor wraps every autonomous action in a reviewable proposal and
// keeps the approve, reject, undo and expiry transitions auditable.
package governor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sage/internal/domain"
	"sage/internal/events"
	"sage/internal/feedback"
	"sage/internal/logging"
	"sage/internal/repo"
)

var tracer = otel.Tracer("sage/internal/governor")

// Executor performs and reverses the effect of an accepted proposal inside the
// governor's transaction.
type Executor interface {
	Validate(actions []domain.ProposedAction) error
	Apply(ctx context.Context, tx *sql.Tx, userID string, actions []domain.ProposedAction) (json.RawMessage, error)
	Restore(ctx context.Context, tx *sql.Tx, userID string, previous json.RawMessage) error
}

type Governor struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Feedback feedback.Log
	Executor Executor
	TTL      time.Duration
	Log      *logging.Logger
	Now      func() time.Time
}

func (g Governor) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g Governor) log() *logging.Logger {
	return logging.OrNop(g.Log)
}

type GenerateInput struct {
	UserID          string
	RunID           string
	Type            string
	ProposedActions []domain.ProposedAction
	Reasoning       string
	ConfidenceScore float64
	Priority        string
	ActorID         string
}

func (g Governor) Generate(ctx context.Context, in GenerateInput) (domain.Proposal, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	p, err := g.GenerateTx(ctx, tx, in)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	g.log().Info("proposal generated", "proposal_id", p.ID, "user_id", p.UserID, "type", p.Type, "run_id", p.RunID)
	return p, nil
}

// GenerateTx inserts a pending proposal inside the caller's transaction.
func (g Governor) GenerateTx(ctx context.Context, tx *sql.Tx, in GenerateInput) (domain.Proposal, error) {
	ctx, span := tracer.Start(ctx, "governor.generate", trace.WithAttributes(attribute.String("user_id", in.UserID)))
	defer span.End()

	if in.UserID == "" {
		return domain.Proposal{}, errors.New("user_id is required")
	}
	if in.Type == "" {
		return domain.Proposal{}, errors.New("proposal type is required")
	}
	if g.Executor == nil {
		return domain.Proposal{}, errors.New("proposal executor not configured")
	}
	if err := g.Executor.Validate(in.ProposedActions); err != nil {
		return domain.Proposal{}, err
	}
	if g.TTL <= 0 {
		return domain.Proposal{}, errors.New("proposal ttl must be > 0")
	}
	priority := in.Priority
	switch priority {
	case "":
		priority = "medium"
	case "low", "medium", "high":
	default:
		return domain.Proposal{}, fmt.Errorf("invalid priority %q", priority)
	}
	confidence := in.ConfidenceScore
	if math.IsNaN(confidence) {
		confidence = 0
	}
	confidence = math.Max(0, math.Min(1, confidence))
	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	now := g.now()
	p := domain.Proposal{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		RunID:           runID,
		Type:            in.Type,
		ProposedActions: in.ProposedActions,
		Reasoning:       in.Reasoning,
		ConfidenceScore: confidence,
		Priority:        priority,
		Status:          domain.ProposalPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(g.TTL),
	}

	if err := g.Repo.InsertProposalTx(ctx, tx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if err := g.Events.Append(ctx, tx, events.Entry{
		UserID: p.UserID, Action: "proposal.created", Entity: "proposal", EntityID: p.ID,
		NewValue: map[string]any{"status": p.Status, "type": p.Type, "expires_at": domain.FormatTime(p.ExpiresAt)},
		ActorID:  in.ActorID, RunID: p.RunID,
	}); err != nil {
		return domain.Proposal{}, err
	}
	span.SetAttributes(attribute.String("proposal_id", p.ID), attribute.String("run_id", p.RunID))
	return p, nil
}

// Approve executes a pending proposal and records the applied action. An
// overdue proposal is expired instead and the approval fails.
func (g Governor) Approve(ctx context.Context, proposalID, actorID string) (domain.AgentAction, error) {
	ctx, span := tracer.Start(ctx, "governor.approve", trace.WithAttributes(attribute.String("proposal_id", proposalID)))
	defer span.End()

	action, err := g.approve(ctx, proposalID, actorID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.AgentAction{}, err
	}
	span.SetAttributes(attribute.String("action_id", action.ID), attribute.String("run_id", action.RunID))
	g.log().Info("proposal approved", "proposal_id", proposalID, "action_id", action.ID, "run_id", action.RunID, "actor_id", actorID)
	return action, nil
}

func (g Governor) approve(ctx context.Context, proposalID, actorID string) (domain.AgentAction, error) {
	if g.Executor == nil {
		return domain.AgentAction{}, errors.New("proposal executor not configured")
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentAction{}, err
	}
	defer tx.Rollback()

	p, err := g.reviewable(ctx, tx, proposalID, domain.ProposalAccepted, actorID)
	if err != nil {
		return domain.AgentAction{}, err
	}
	now := g.now()
	if err := g.setStatus(ctx, tx, p, domain.ProposalAccepted, "", actorID); err != nil {
		return domain.AgentAction{}, err
	}
	previous, err := g.Executor.Apply(ctx, tx, p.UserID, p.ProposedActions)
	if err != nil {
		return domain.AgentAction{}, fmt.Errorf("execute proposal %s: %w", p.ID, err)
	}
	action := domain.AgentAction{
		ID:            uuid.NewString(),
		ProposalID:    p.ID,
		RunID:         p.RunID,
		UserID:        p.UserID,
		PreviousState: previous,
		Status:        domain.ActionApplied,
		AppliedAt:     now,
	}
	if err := g.Repo.InsertActionTx(ctx, tx, action); err != nil {
		return domain.AgentAction{}, fmt.Errorf("insert action: %w", err)
	}
	if err := g.Feedback.Append(ctx, tx, domain.FeedbackSignal{
		RunID: p.RunID, UserID: p.UserID, Signal: domain.SignalAccepted, SourceKind: "proposal", SourceID: p.ID, CreatedAt: now,
	}); err != nil {
		return domain.AgentAction{}, err
	}
	if err := g.Events.Append(ctx, tx, events.Entry{
		UserID: p.UserID, Action: "action.applied", Entity: "agent_action", EntityID: action.ID,
		OldValue: previous, NewValue: p.ProposedActions, ActorID: actorID, RunID: p.RunID,
	}); err != nil {
		return domain.AgentAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentAction{}, err
	}
	return action, nil
}

func (g Governor) Reject(ctx context.Context, proposalID, reason, actorID string) (domain.Proposal, error) {
	ctx, span := tracer.Start(ctx, "governor.reject", trace.WithAttributes(attribute.String("proposal_id", proposalID)))
	defer span.End()

	p, err := g.reject(ctx, proposalID, reason, actorID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Proposal{}, err
	}
	g.log().Info("proposal rejected", "proposal_id", proposalID, "run_id", p.RunID, "actor_id", actorID)
	return p, nil
}

func (g Governor) reject(ctx context.Context, proposalID, reason, actorID string) (domain.Proposal, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, err := g.reviewable(ctx, tx, proposalID, domain.ProposalRejected, actorID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := g.setStatus(ctx, tx, p, domain.ProposalRejected, reason, actorID); err != nil {
		return domain.Proposal{}, err
	}
	if err := g.Feedback.Append(ctx, tx, domain.FeedbackSignal{
		RunID: p.RunID, UserID: p.UserID, Signal: domain.SignalRejected, SourceKind: "proposal", SourceID: p.ID, CreatedAt: g.now(),
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return g.Repo.GetProposal(ctx, proposalID)
}

// Undo restores the snapshot taken at approval. The accepted signal already
// logged for the run stays; undone is appended next to it.
func (g Governor) Undo(ctx context.Context, actionID, actorID string) (domain.AgentAction, error) {
	ctx, span := tracer.Start(ctx, "governor.undo", trace.WithAttributes(attribute.String("action_id", actionID)))
	defer span.End()

	a, err := g.undo(ctx, actionID, actorID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.AgentAction{}, err
	}
	g.log().Info("action undone", "action_id", actionID, "run_id", a.RunID, "actor_id", actorID)
	return a, nil
}

func (g Governor) undo(ctx context.Context, actionID, actorID string) (domain.AgentAction, error) {
	if g.Executor == nil {
		return domain.AgentAction{}, errors.New("proposal executor not configured")
	}
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentAction{}, err
	}
	defer tx.Rollback()

	a, err := g.Repo.GetActionTx(ctx, tx, actionID)
	if err != nil {
		return domain.AgentAction{}, err
	}
	if err := ensureActionTransition(a.ID, a.Status, domain.ActionUndone); err != nil {
		return domain.AgentAction{}, err
	}
	now := g.now()
	n, err := g.Repo.MarkActionUndoneTx(ctx, tx, a.ID, now)
	if err != nil {
		return domain.AgentAction{}, err
	}
	if n == 0 {
		return domain.AgentAction{}, &InvalidTransitionError{Entity: "action", ID: a.ID, From: string(domain.ActionUndone), To: string(domain.ActionUndone)}
	}
	if err := g.Executor.Restore(ctx, tx, a.UserID, a.PreviousState); err != nil {
		return domain.AgentAction{}, fmt.Errorf("restore action %s: %w", a.ID, err)
	}
	if err := g.Feedback.Append(ctx, tx, domain.FeedbackSignal{
		RunID: a.RunID, UserID: a.UserID, Signal: domain.SignalUndone, SourceKind: "agent_action", SourceID: a.ID, CreatedAt: now,
	}); err != nil {
		return domain.AgentAction{}, err
	}
	if err := g.Events.Append(ctx, tx, events.Entry{
		UserID: a.UserID, Action: "action.undone", Entity: "agent_action", EntityID: a.ID,
		OldValue: map[string]any{"status": domain.ActionApplied}, NewValue: map[string]any{"status": domain.ActionUndone, "restored": a.PreviousState},
		ActorID: actorID, RunID: a.RunID,
	}); err != nil {
		return domain.AgentAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentAction{}, err
	}
	a.Status = domain.ActionUndone
	a.UndoneAt = &now
	return a, nil
}

// ExpireStale moves every overdue pending proposal to expired and logs an
// ignored signal for its run.
func (g Governor) ExpireStale(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "governor.expire_stale")
	defer span.End()

	const batch = 200
	total := 0
	for {
		n, err := g.expireBatch(ctx, batch)
		total += n
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return total, err
		}
		if n < batch {
			break
		}
	}
	span.SetAttributes(attribute.Int("expired", total))
	if total > 0 {
		g.log().Info("proposals expired", "count", total)
	}
	return total, nil
}

func (g Governor) expireBatch(ctx context.Context, limit int) (int, error) {
	tx, err := g.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	overdue, err := g.Repo.OverdueProposalsTx(ctx, tx, g.now(), limit)
	if err != nil {
		return 0, err
	}
	for _, p := range overdue {
		if err := g.expireTx(ctx, tx, p, "system"); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(overdue), nil
}

func (g Governor) Get(ctx context.Context, proposalID string) (domain.Proposal, error) {
	return g.Repo.GetProposal(ctx, proposalID)
}

func (g Governor) List(ctx context.Context, f repo.ProposalFilters) ([]domain.Proposal, error) {
	return g.Repo.ListProposals(ctx, f)
}

func (g Governor) GetAction(ctx context.Context, actionID string) (domain.AgentAction, error) {
	return g.Repo.GetActionTx(ctx, nil, actionID)
}

// reviewable loads a proposal and checks it may move to `to`. An overdue
// pending proposal is expired and committed here, and the caller gets the
// expired transition error.
func (g Governor) reviewable(ctx context.Context, tx *sql.Tx, proposalID string, to domain.ProposalStatus, actorID string) (domain.Proposal, error) {
	p, err := g.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Status == domain.ProposalPending && g.now().After(p.ExpiresAt) {
		if err := g.expireTx(ctx, tx, p, actorID); err != nil {
			return domain.Proposal{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Proposal{}, err
		}
		return domain.Proposal{}, &InvalidTransitionError{Entity: "proposal", ID: p.ID, From: string(domain.ProposalExpired), To: string(to)}
	}
	if err := ensureProposalTransition(p.ID, p.Status, to); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

func (g Governor) expireTx(ctx context.Context, tx *sql.Tx, p domain.Proposal, actorID string) error {
	if err := g.setStatus(ctx, tx, p, domain.ProposalExpired, "", actorID); err != nil {
		return err
	}
	return g.Feedback.Append(ctx, tx, domain.FeedbackSignal{
		RunID: p.RunID, UserID: p.UserID, Signal: domain.SignalIgnored, SourceKind: "proposal", SourceID: p.ID, CreatedAt: g.now(),
	})
}

// setStatus is the guarded pending -> terminal write plus its audit entry.
func (g Governor) setStatus(ctx context.Context, tx *sql.Tx, p domain.Proposal, to domain.ProposalStatus, reason, actorID string) error {
	if err := ensureProposalTransition(p.ID, p.Status, to); err != nil {
		return err
	}
	n, err := g.Repo.ReviewProposalTx(ctx, tx, p.ID, to, reason, g.now())
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := g.Repo.GetProposalTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{Entity: "proposal", ID: p.ID, From: string(current.Status), To: string(to)}
	}
	newValue := map[string]any{"status": to}
	if reason != "" {
		newValue["reason"] = reason
	}
	return g.Events.Append(ctx, tx, events.Entry{
		UserID: p.UserID, Action: "proposal." + string(to), Entity: "proposal", EntityID: p.ID,
		OldValue: map[string]any{"status": p.Status}, NewValue: newValue,
		ActorID: actorID, RunID: p.RunID,
	})
}
