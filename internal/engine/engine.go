package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sage/internal/config"
	"sage/internal/consent"
	"sage/internal/domain"
	"sage/internal/effects"
	"sage/internal/events"
	"sage/internal/feedback"
	"sage/internal/governor"
	"sage/internal/learning"
	"sage/internal/ledger"
	"sage/internal/logging"
	"sage/internal/policy"
	"sage/internal/profile"
	"sage/internal/repo"
	"sage/internal/reward"
	"sage/internal/telemetry"
	"sage/internal/update"
)

var tracer = otel.Tracer("sage/internal/engine")

// Engine is the composition root: every component shares one database, one
// audit writer, one clock and one policy locker.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    *logging.Logger
	Locker policy.Locker

	Consent   consent.Oracle
	Ledger    ledger.Ledger
	Policy    policy.Store
	Feedback  feedback.Log
	Telemetry telemetry.Source
	Settings  effects.SettingsExecutor
	Governor  governor.Governor
	Profiles  profile.Engine
	Job       learning.Job

	clock *clock
}

type clock struct {
	now func() time.Time
}

func (c *clock) Now() time.Time {
	if c == nil || c.now == nil {
		return time.Now().UTC()
	}
	return c.now().UTC()
}

// New wires every component with an in-process policy locker.
func New(db *sql.DB, cfg *config.Config, log *logging.Logger) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Log:    logging.OrNop(log),
		Locker: policy.NewMemoryLocker(),
		clock:  &clock{now: time.Now},
	}
	return e.wire()
}

// OpenLocker builds the policy locker named by cfg.Locker. The close func is
// never nil.
func OpenLocker(ctx context.Context, cfg config.LockerConfig, log *logging.Logger) (policy.Locker, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return policy.NewMemoryLocker(), func() error { return nil }, nil
	case "redis":
		l, err := policy.NewRedisLocker(ctx, cfg.RedisAddr, cfg.TTL.Std(), log)
		if err != nil {
			return nil, func() error { return nil }, fmt.Errorf("redis locker: %w", err)
		}
		return l, l.Close, nil
	}
	return nil, func() error { return nil }, fmt.Errorf("unknown locker backend %q", cfg.Backend)
}

// WithLocker returns a copy whose policy writes serialize through l.
func (e Engine) WithLocker(l policy.Locker) Engine {
	e.Locker = l
	return e.wire()
}

// SetNow replaces the clock for every component, including ones wired
// earlier.
func (e Engine) SetNow(now func() time.Time) {
	e.clock.now = now
}

func (e Engine) now() time.Time {
	return e.clock.Now()
}

func (e Engine) wire() Engine {
	now := e.clock.Now
	cfg := e.Config
	e.Events = events.Writer{Now: now}
	e.Consent = consent.Oracle{Store: e.Repo, Log: e.Log.With("component", "consent")}
	e.Ledger = ledger.Ledger{DB: e.DB, Repo: e.Repo, Consent: e.Consent, Log: e.Log.With("component", "ledger"), Now: now}
	e.Policy = policy.Store{DB: e.DB, Repo: e.Repo, Events: e.Events, Locker: e.Locker, Log: e.Log.With("component", "policy"), Now: now}
	e.Feedback = feedback.Log{Repo: e.Repo, Now: now}
	e.Telemetry = telemetry.Source{Repo: e.Repo}
	e.Settings = effects.SettingsExecutor{Repo: e.Repo, Now: now}
	e.Governor = governor.Governor{
		DB:       e.DB,
		Repo:     e.Repo,
		Events:   e.Events,
		Feedback: e.Feedback,
		Executor: e.Settings,
		TTL:      cfg.Proposals.TTL.Std(),
		Log:      e.Log.With("component", "governor"),
		Now:      now,
	}
	e.Profiles = profile.Engine{
		Consent:     e.Consent,
		Weights:     e.Policy,
		Experiences: e.Ledger,
		Telemetry:   e.Telemetry,
		Now:         now,
	}
	e.Job = learning.Job{
		Repo:    e.Repo,
		Ledger:  e.Ledger,
		Consent: e.Consent,
		Policy:  e.Policy,
		Shaper:  reward.New(cfg.Reward),
		Updater: update.Updater{Config: update.Config{
			LearningRate:  cfg.Learning.LearningRate,
			MaxStepNorm:   cfg.Learning.MaxStepNorm,
			MaxWeightNorm: cfg.Learning.MaxWeightNorm,
		}},
		Telemetry: e.Telemetry,
		Feedback:  e.Feedback,
		Expirer:   e.Governor,
		Config:    cfg.Job,
		Log:       e.Log.With("component", "learning"),
		Now:       now,
	}
	return e
}

type DecideInput struct {
	UserID  string
	Context []float64
	// MetricsBefore defaults to telemetry over learning.metrics_lookback.
	MetricsBefore map[string]float64
	ActorID       string
}

type Decision struct {
	RunID        string               `json:"run_id,omitempty"`
	Action       domain.Action        `json:"action"`
	Scores       []policy.ActionScore `json:"scores,omitempty"`
	ExperienceID string               `json:"experience_id,omitempty"`
	Skipped      bool                 `json:"skipped"`
	Reason       string               `json:"reason,omitempty"`
	Proposal     *domain.Proposal     `json:"proposal,omitempty"`
	Metrics      map[string]float64   `json:"metrics_before,omitempty"`
}

// Decide scores every action for the user's context, records the choice in
// the ledger and, for reviewable actions, opens a proposal under the same run
// id. Without learning consent nothing is written and the answer is silent.
func (e Engine) Decide(ctx context.Context, in DecideInput) (Decision, error) {
	ctx, span := tracer.Start(ctx, "engine.decide", trace.WithAttributes(attribute.String("user_id", in.UserID)))
	defer span.End()
	if in.UserID == "" {
		return Decision{}, errors.New("user_id is required")
	}
	if len(in.Context) == 0 {
		return Decision{}, errors.New("context vector is empty")
	}
	for i, v := range in.Context {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Decision{}, fmt.Errorf("context[%d] is not finite", i)
		}
	}
	if !e.Consent.LearningEnabled(ctx, in.UserID) {
		return Decision{Action: domain.ActionSilent, Skipped: true, Reason: ledger.ReasonConsentDenied}, nil
	}
	scores, err := e.Policy.Score(ctx, in.UserID, in.Context)
	if err != nil {
		return Decision{}, err
	}
	action := scores[0].Action

	before := in.MetricsBefore
	if before == nil {
		now := e.now()
		before, err = e.Telemetry.Metrics(ctx, in.UserID, now.Add(-e.Config.Learning.MetricsLookback.Std()), now)
		if err != nil {
			return Decision{}, fmt.Errorf("metrics before decision: %w", err)
		}
	}

	runID := uuid.NewString()
	var proposal *domain.Proposal
	record := ledger.RecordInput{
		UserID:        in.UserID,
		RunID:         runID,
		Context:       in.Context,
		Action:        action,
		MetricsBefore: before,
	}
	if e.Config.ProposalAction(string(action)) {
		confidence := confidenceOf(scores)
		gen := governor.GenerateInput{
			UserID:          in.UserID,
			RunID:           runID,
			Type:            string(action),
			ProposedActions: proposedActions(action, runID),
			Reasoning:       fmt.Sprintf("%s scored %.3f, highest of %d actions", action, scores[0].Score, len(scores)),
			ConfidenceScore: confidence,
			Priority:        priorityFor(confidence),
			ActorID:         in.ActorID,
		}
		// The proposal commits with its experience or not at all.
		record.Within = func(tx *sql.Tx) error {
			p, err := e.Governor.GenerateTx(ctx, tx, gen)
			if err != nil {
				return fmt.Errorf("generate proposal: %w", err)
			}
			proposal = &p
			return nil
		}
	}
	rec, err := e.Ledger.Record(ctx, record)
	if err != nil {
		return Decision{}, err
	}
	if rec.Skipped {
		return Decision{Action: domain.ActionSilent, Skipped: true, Reason: rec.Reason}, nil
	}
	d := Decision{
		RunID:        runID,
		Action:       action,
		Scores:       scores,
		ExperienceID: rec.ExperienceID,
		Proposal:     proposal,
		Metrics:      before,
	}
	span.SetAttributes(attribute.String("action", string(action)), attribute.String("run_id", runID))
	e.Log.Info("decision made", "user_id", in.UserID, "action", action, "run_id", runID, "proposal", d.Proposal != nil)
	return d, nil
}

// confidenceOf is the softmax probability of the top score.
func confidenceOf(scores []policy.ActionScore) float64 {
	if len(scores) == 0 {
		return 0
	}
	top := scores[0].Score
	var sum float64
	for _, s := range scores {
		sum += math.Exp(s.Score - top)
	}
	return 1 / sum
}

func priorityFor(confidence float64) string {
	switch {
	case confidence >= 0.5:
		return "high"
	case confidence >= 0.2:
		return "medium"
	}
	return "low"
}

var settingKeys = map[domain.Action]string{
	domain.ActionProtect:      "focus_protection",
	domain.ActionChallenge:    "active_challenge",
	domain.ActionSuggestTask:  "suggested_task",
	domain.ActionSuggestBreak: "break_reminder",
	domain.ActionWeeklyReview: "weekly_review",
}

func proposedActions(action domain.Action, runID string) []domain.ProposedAction {
	key, ok := settingKeys[action]
	if !ok {
		key = "coach." + string(action)
	}
	value := fmt.Sprintf(`{"enabled":true,"action":%q,"run_id":%q}`, action, runID)
	return []domain.ProposedAction{{Op: effects.OpSet, Key: key, Value: []byte(value)}}
}

type ApprovalResult struct {
	Result domain.AgentAction `json:"result"`
	RunID  string             `json:"run_id"`
}

type RejectionResult struct {
	Result domain.Proposal `json:"result"`
	RunID  string          `json:"run_id"`
}

type UndoResult struct {
	Result domain.AgentAction `json:"result"`
	RunID  string             `json:"run_id"`
}

func (e Engine) ApproveProposal(ctx context.Context, proposalID, actorID string) (ApprovalResult, error) {
	a, err := e.Governor.Approve(ctx, proposalID, actorID)
	if err != nil {
		return ApprovalResult{}, err
	}
	return ApprovalResult{Result: a, RunID: a.RunID}, nil
}

func (e Engine) RejectProposal(ctx context.Context, proposalID, reason, actorID string) (RejectionResult, error) {
	p, err := e.Governor.Reject(ctx, proposalID, reason, actorID)
	if err != nil {
		return RejectionResult{}, err
	}
	return RejectionResult{Result: p, RunID: p.RunID}, nil
}

func (e Engine) UndoAction(ctx context.Context, actionID, actorID string) (UndoResult, error) {
	a, err := e.Governor.Undo(ctx, actionID, actorID)
	if err != nil {
		return UndoResult{}, err
	}
	return UndoResult{Result: a, RunID: a.RunID}, nil
}

// GenerateProfile returns nil when the user has not consented to profiling.
func (e Engine) GenerateProfile(ctx context.Context, userID string) (*domain.BehavioralProfile, error) {
	return e.Profiles.Generate(ctx, userID)
}

func (e Engine) RunLearning(ctx context.Context, trigger string) (domain.JobSummary, error) {
	return e.Job.Run(ctx, trigger)
}

// SetConsent records one purpose grant or revocation with an audit entry.
func (e Engine) SetConsent(ctx context.Context, userID string, purpose domain.Purpose, granted bool, actorID string) (domain.ConsentSnapshot, error) {
	if userID == "" {
		return domain.ConsentSnapshot{}, errors.New("user_id is required")
	}
	if !domain.ValidPurpose(string(purpose)) {
		return domain.ConsentSnapshot{}, fmt.Errorf("unknown consent purpose %q", purpose)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConsentSnapshot{}, err
	}
	defer tx.Rollback()
	prev, err := e.Repo.SetConsentTx(ctx, tx, userID, purpose, granted, e.now())
	if err != nil {
		return domain.ConsentSnapshot{}, fmt.Errorf("set consent: %w", err)
	}
	var old any
	if prev != nil {
		old = map[string]bool{string(purpose): *prev}
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		UserID: userID, Action: "consent.set", Entity: "consent", EntityID: userID + "/" + string(purpose),
		OldValue: old, NewValue: map[string]bool{string(purpose): granted}, ActorID: actorID,
	}); err != nil {
		return domain.ConsentSnapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ConsentSnapshot{}, err
	}
	return e.Consent.Snapshot(ctx, userID), nil
}

// LogBehavior stores one telemetry entry. It is dropped, not failed, when the
// user has not agreed to behavioural tracking.
func (e Engine) LogBehavior(ctx context.Context, l domain.BehaviorLog) (domain.BehaviorLog, bool, error) {
	if l.UserID == "" {
		return l, false, errors.New("user_id is required")
	}
	valid := false
	for _, k := range domain.BehaviorKinds {
		if k == l.Kind {
			valid = true
		}
	}
	if !valid {
		return l, false, fmt.Errorf("unknown behavior kind %q", l.Kind)
	}
	if math.IsNaN(l.Value) || math.IsInf(l.Value, 0) {
		return l, false, errors.New("value is not finite")
	}
	if !e.Consent.Snapshot(ctx, l.UserID).BehavioralTracking {
		return l, false, nil
	}
	if l.TS.IsZero() {
		l.TS = e.now()
	}
	id, err := e.Repo.InsertBehaviorLog(ctx, l)
	if err != nil {
		return l, false, err
	}
	l.ID = id
	return l, true, nil
}
