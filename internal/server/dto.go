package server

import (
	"encoding/json"
	"time"

	"sage/internal/domain"
	"sage/internal/engine"
	"sage/internal/policy"
)

// Request payloads

type DecideRequest struct {
	Context       []float64          `json:"context" minItems:"1"`
	MetricsBefore map[string]float64 `json:"metrics_before,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty" maxLength:"500"`
}

type ConsentUpdateRequest struct {
	Consents map[string]bool `json:"consents"`
}

type TelemetryRequest struct {
	Kind  string     `json:"kind" enum:"habit,task,journal,score"`
	Value float64    `json:"value"`
	TS    *time.Time `json:"ts,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type DecisionResponse struct {
	RunID         string               `json:"run_id,omitempty"`
	Action        domain.Action        `json:"action"`
	Scores        []policy.ActionScore `json:"scores"`
	ExperienceID  string               `json:"experience_id,omitempty"`
	Skipped       bool                 `json:"skipped"`
	Reason        string               `json:"reason,omitempty"`
	Proposal      *domain.Proposal     `json:"proposal,omitempty"`
	MetricsBefore map[string]float64   `json:"metrics_before,omitempty"`
}

type ProfileResponse struct {
	Profile *domain.BehavioralProfile `json:"profile"`
}

type ConsentResponse struct {
	UserID   string          `json:"user_id"`
	Consents map[string]bool `json:"consents"`
	Learning bool            `json:"learning_enabled"`
}

type TelemetryResponse struct {
	Log    domain.BehaviorLog `json:"log"`
	Stored bool               `json:"stored"`
}

type SettingsResponse struct {
	UserID   string                     `json:"user_id"`
	Settings map[string]json.RawMessage `json:"settings"`
}

type ExpireResponse struct {
	Expired int `json:"expired"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

func decisionResponse(d engine.Decision) DecisionResponse {
	return DecisionResponse{
		RunID:         d.RunID,
		Action:        d.Action,
		Scores:        nonNilSlice(d.Scores),
		ExperienceID:  d.ExperienceID,
		Skipped:       d.Skipped,
		Reason:        d.Reason,
		Proposal:      d.Proposal,
		MetricsBefore: d.Metrics,
	}
}

func consentResponse(userID string, snap domain.ConsentSnapshot) ConsentResponse {
	return ConsentResponse{UserID: userID, Consents: snap.AsMap(), Learning: snap.LearningEnabled()}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
