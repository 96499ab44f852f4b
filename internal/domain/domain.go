package domain

import (
	"encoding/json"
	"time"
)

// TimeFormat is the fixed-width UTC layout used for every stored timestamp so
// that lexical order in SQLite matches chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a TimeFormat (or RFC3339) timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Action string

const (
	ActionNudge        Action = "nudge"
	ActionReframe      Action = "reframe"
	ActionChallenge    Action = "challenge"
	ActionCelebrate    Action = "celebrate"
	ActionProtect      Action = "protect"
	ActionObserve      Action = "observe"
	ActionSuggestTask  Action = "suggest_task"
	ActionSuggestBreak Action = "suggest_break"
	ActionWeeklyReview Action = "weekly_review"
	ActionSilent       Action = "silent"
)

// Actions lists every action in declaration order. Scoring ties resolve to the
// earlier entry.
var Actions = []Action{
	ActionNudge,
	ActionReframe,
	ActionChallenge,
	ActionCelebrate,
	ActionProtect,
	ActionObserve,
	ActionSuggestTask,
	ActionSuggestBreak,
	ActionWeeklyReview,
	ActionSilent,
}

func ValidAction(a string) bool {
	for _, x := range Actions {
		if string(x) == a {
			return true
		}
	}
	return false
}

type FeedbackType string

const (
	FeedbackAccepted FeedbackType = "accepted"
	FeedbackRejected FeedbackType = "rejected"
	FeedbackIgnored  FeedbackType = "ignored"
	FeedbackNone     FeedbackType = "none"
)

// Signal is an entry in the append-only feedback log. Undone is recorded next
// to the original accepted signal, never in place of it.
type Signal string

const (
	SignalAccepted Signal = "accepted"
	SignalRejected Signal = "rejected"
	SignalIgnored  Signal = "ignored"
	SignalUndone   Signal = "undone"
)

type Purpose string

const (
	PurposeAIProfiling        Purpose = "ai_profiling"
	PurposePolicyLearning     Purpose = "policy_learning"
	PurposeBehavioralTracking Purpose = "behavioral_tracking"
	PurposeDataExport         Purpose = "data_export"
)

var Purposes = []Purpose{
	PurposeAIProfiling,
	PurposePolicyLearning,
	PurposeBehavioralTracking,
	PurposeDataExport,
}

func ValidPurpose(p string) bool {
	for _, x := range Purposes {
		if string(x) == p {
			return true
		}
	}
	return false
}

type Consent struct {
	UserID    string    `json:"user_id"`
	Purpose   Purpose   `json:"purpose"`
	Granted   bool      `json:"granted"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConsentSnapshot is the resolved consent state for one user at one instant.
type ConsentSnapshot struct {
	AIProfiling        bool `json:"ai_profiling"`
	PolicyLearning     bool `json:"policy_learning"`
	BehavioralTracking bool `json:"behavioral_tracking"`
	DataExport         bool `json:"data_export"`
}

func (s ConsentSnapshot) LearningEnabled() bool {
	return s.AIProfiling && s.PolicyLearning
}

func (s ConsentSnapshot) AsMap() map[string]bool {
	return map[string]bool{
		string(PurposeAIProfiling):        s.AIProfiling,
		string(PurposePolicyLearning):     s.PolicyLearning,
		string(PurposeBehavioralTracking): s.BehavioralTracking,
		string(PurposeDataExport):         s.DataExport,
	}
}

type Experience struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	RunID           string             `json:"run_id"`
	ContextVector   []float64          `json:"context_vector"`
	Action          Action             `json:"action"`
	FeedbackType    *FeedbackType      `json:"feedback_type,omitempty"`
	MetricsBefore   map[string]float64 `json:"metrics_before"`
	MetricsAfter    map[string]float64 `json:"metrics_after,omitempty"`
	Reward          *float64           `json:"reward,omitempty"`
	LearningEnabled bool               `json:"learning_enabled"`
	AbandonedAt     *time.Time         `json:"abandoned_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	FinalizedAt     *time.Time         `json:"finalized_at,omitempty"`
}

type PolicyWeights struct {
	UserID    string    `json:"user_id"`
	Action    Action    `json:"action"`
	Weights   []float64 `json:"weights"`
	Updates   int       `json:"updates"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

func (s ProposalStatus) Terminal() bool {
	return s == ProposalAccepted || s == ProposalRejected || s == ProposalExpired
}

// ProposedAction is one reversible change a proposal would make to the
// user's coaching settings.
type ProposedAction struct {
	Op    string          `json:"op" enum:"set,unset"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type Proposal struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	RunID           string           `json:"run_id"`
	Type            string           `json:"type"`
	ProposedActions []ProposedAction `json:"proposed_actions"`
	Reasoning       string           `json:"reasoning"`
	ConfidenceScore float64          `json:"confidence_score"`
	Priority        string           `json:"priority" enum:"low,medium,high"`
	Status          ProposalStatus   `json:"status" enum:"pending,accepted,rejected,expired"`
	ReviewReason    string           `json:"review_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty"`
	ExpiresAt       time.Time        `json:"expires_at"`
}

type ActionStatus string

const (
	ActionApplied ActionStatus = "applied"
	ActionUndone  ActionStatus = "undone"
)

type AgentAction struct {
	ID            string          `json:"id"`
	ProposalID    string          `json:"proposal_id"`
	RunID         string          `json:"run_id"`
	UserID        string          `json:"user_id"`
	PreviousState json.RawMessage `json:"previous_state"`
	Status        ActionStatus    `json:"status" enum:"applied,undone"`
	AppliedAt     time.Time       `json:"applied_at"`
	UndoneAt      *time.Time      `json:"undone_at,omitempty"`
}

type FeedbackSignal struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	UserID     string    `json:"user_id"`
	Signal     Signal    `json:"signal"`
	SourceKind string    `json:"source_kind"`
	SourceID   string    `json:"source_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type BehaviorLog struct {
	ID     int64     `json:"id"`
	UserID string    `json:"user_id"`
	Kind   string    `json:"kind" enum:"habit,task,journal,score"`
	Value  float64   `json:"value"`
	TS     time.Time `json:"ts"`
}

var BehaviorKinds = []string{"habit", "task", "journal", "score"}

type Setting struct {
	UserID    string          `json:"user_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AuditEntry is one row of the append-only audit log.
type AuditEntry struct {
	ID       int64     `json:"id"`
	TS       time.Time `json:"ts"`
	UserID   string    `json:"user_id,omitempty"`
	Action   string    `json:"action"`
	Entity   string    `json:"entity"`
	EntityID string    `json:"entity_id,omitempty"`
	OldValue string    `json:"old_value,omitempty"`
	NewValue string    `json:"new_value,omitempty"`
	ActorID  string    `json:"actor_id"`
	RunID    string    `json:"run_id,omitempty"`
}

type JobSummary struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Errors     int       `json:"errors"`
	Abandoned  int       `json:"abandoned"`
	Deferred   int       `json:"deferred"`
	Expired    int       `json:"expired_proposals"`
	AvgReward  float64   `json:"avg_reward"`
	DurationMS int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

type Chronotype struct {
	Label     string `json:"label" enum:"early_bird,midday,night_owl,unknown"`
	PeakHours []int  `json:"peak_hours"`
}

type TriggerStat struct {
	Action     Action  `json:"action"`
	MeanReward float64 `json:"mean_reward"`
	Samples    int     `json:"samples"`
}

type DisciplineProfile struct {
	Style              string        `json:"style"`
	MotivationTriggers []TriggerStat `json:"motivation_triggers"`
	AcceptanceRate     float64       `json:"acceptance_rate"`
	StrongestAction    Action        `json:"strongest_action,omitempty"`
}

type DropoutRisk struct {
	Score   float64  `json:"score"`
	Level   string   `json:"level" enum:"low,medium,high"`
	Factors []string `json:"factors,omitempty"`
}

type ScorePrediction struct {
	Current   float64 `json:"current"`
	Projected float64 `json:"projected"`
	Trend     float64 `json:"trend_per_day"`
	Horizon   int     `json:"horizon_days"`
}

// BehavioralProfile is derived state. It can always be regenerated from
// experiences, policy weights and telemetry.
type BehavioralProfile struct {
	UserID          string            `json:"user_id"`
	Chronotype      Chronotype        `json:"chronotype"`
	Discipline      DisciplineProfile `json:"discipline"`
	DropoutRisk     DropoutRisk       `json:"dropout_risk"`
	ScorePrediction ScorePrediction   `json:"score_prediction"`
	GeneratedAt     time.Time         `json:"generated_at"`
}
