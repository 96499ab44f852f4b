// Package sagesdk is a small client for the Sage HTTP API.
package sagesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Sage HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set. Dev servers only.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

type ActionScore struct {
	Action string  `json:"action"`
	Score  float64 `json:"score"`
}

type ProposedAction struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Proposal represents the API proposal model.
type Proposal struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	RunID           string           `json:"run_id"`
	Type            string           `json:"type"`
	ProposedActions []ProposedAction `json:"proposed_actions"`
	Reasoning       string           `json:"reasoning"`
	ConfidenceScore float64          `json:"confidence_score"`
	Priority        string           `json:"priority"`
	Status          string           `json:"status"`
	ReviewReason    string           `json:"review_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	ReviewedAt      *time.Time       `json:"reviewed_at,omitempty"`
	ExpiresAt       time.Time        `json:"expires_at"`
}

type Decision struct {
	RunID         string             `json:"run_id"`
	Action        string             `json:"action"`
	Scores        []ActionScore      `json:"scores"`
	ExperienceID  string             `json:"experience_id"`
	Skipped       bool               `json:"skipped"`
	Reason        string             `json:"reason"`
	Proposal      *Proposal          `json:"proposal,omitempty"`
	MetricsBefore map[string]float64 `json:"metrics_before,omitempty"`
}

type AgentAction struct {
	ID            string          `json:"id"`
	ProposalID    string          `json:"proposal_id"`
	RunID         string          `json:"run_id"`
	UserID        string          `json:"user_id"`
	PreviousState json.RawMessage `json:"previous_state"`
	Status        string          `json:"status"`
	AppliedAt     time.Time       `json:"applied_at"`
	UndoneAt      *time.Time      `json:"undone_at,omitempty"`
}

// ActionResult is returned by approve and undo.
type ActionResult struct {
	Result AgentAction `json:"result"`
	RunID  string      `json:"run_id"`
}

// ProposalResult is returned by reject.
type ProposalResult struct {
	Result Proposal `json:"result"`
	RunID  string   `json:"run_id"`
}

type Consents struct {
	UserID   string          `json:"user_id"`
	Consents map[string]bool `json:"consents"`
	Learning bool            `json:"learning_enabled"`
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

// Event represents an audit log entry.
type Event struct {
	ID       int64     `json:"id"`
	TS       time.Time `json:"ts"`
	UserID   string    `json:"user_id"`
	Action   string    `json:"action"`
	Entity   string    `json:"entity"`
	EntityID string    `json:"entity_id"`
	OldValue string    `json:"old_value"`
	NewValue string    `json:"new_value"`
	ActorID  string    `json:"actor_id"`
	RunID    string    `json:"run_id"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the envelope code when the body
// carried one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Decide asks for the next coaching action for userID.
func (c *Client) Decide(ctx context.Context, userID string, contextVec []float64, metricsBefore map[string]float64) (Decision, error) {
	body := map[string]any{"context": contextVec}
	if metricsBefore != nil {
		body["metrics_before"] = metricsBefore
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, userPath(userID, "decisions"), body, &resp)
	return resp, err
}

// ListProposals lists proposals for userID, optionally filtered by status.
func (c *Client) ListProposals(ctx context.Context, userID, status string) ([]Proposal, error) {
	endpoint := userPath(userID, "proposals")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Proposal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, "proposals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) ApproveProposal(ctx context.Context, id string) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, "proposals/"+url.PathEscape(id)+"/approve", nil, &resp)
	return resp, err
}

func (c *Client) RejectProposal(ctx context.Context, id, reason string) (ProposalResult, error) {
	var resp ProposalResult
	err := c.do(ctx, http.MethodPost, "proposals/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) UndoAction(ctx context.Context, id string) (ActionResult, error) {
	var resp ActionResult
	err := c.do(ctx, http.MethodPost, "actions/"+url.PathEscape(id)+"/undo", nil, &resp)
	return resp, err
}

// Profile returns the raw profile JSON, or nil when the user has not
// consented to profiling.
func (c *Client) Profile(ctx context.Context, userID string) (json.RawMessage, error) {
	var resp struct {
		Profile json.RawMessage `json:"profile"`
	}
	if err := c.do(ctx, http.MethodGet, userPath(userID, "profile"), nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Profile) == 0 || string(resp.Profile) == "null" {
		return nil, nil
	}
	return resp.Profile, nil
}

func (c *Client) Consents(ctx context.Context, userID string) (Consents, error) {
	var resp Consents
	err := c.do(ctx, http.MethodGet, userPath(userID, "consents"), nil, &resp)
	return resp, err
}

func (c *Client) SetConsents(ctx context.Context, userID string, consents map[string]bool) (Consents, error) {
	var resp Consents
	err := c.do(ctx, http.MethodPut, userPath(userID, "consents"), map[string]any{"consents": consents}, &resp)
	return resp, err
}

// LogBehavior records one telemetry entry. The bool reports whether it was
// stored; entries without tracking consent are dropped.
func (c *Client) LogBehavior(ctx context.Context, userID, kind string, value float64, ts time.Time) (bool, error) {
	body := map[string]any{"kind": kind, "value": value}
	if !ts.IsZero() {
		body["ts"] = ts.UTC()
	}
	var resp struct {
		Stored bool `json:"stored"`
	}
	err := c.do(ctx, http.MethodPost, userPath(userID, "telemetry"), body, &resp)
	return resp.Stored, err
}

func (c *Client) RunLearning(ctx context.Context) (JobSummary, error) {
	var resp JobSummary
	err := c.do(ctx, http.MethodPost, "jobs/learning/runs", nil, &resp)
	return resp, err
}

func (c *Client) LearningRuns(ctx context.Context, limit int) ([]JobSummary, error) {
	var resp []JobSummary
	err := c.do(ctx, http.MethodGet, "jobs/learning/runs?limit="+strconv.Itoa(limit), nil, &resp)
	return resp, err
}

// Events pages through the audit log. Pass the previous NextCursor to tail.
func (c *Client) Events(ctx context.Context, userID, cursor string, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func userPath(userID, p string) string {
	return fmt.Sprintf("users/%s/%s", url.PathEscape(userID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
