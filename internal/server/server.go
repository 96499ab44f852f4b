package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"sage/internal/domain"
	"sage/internal/engine"
	"sage/internal/engine/auth"
	"sage/internal/governor"
	"sage/internal/learning"
	"sage/internal/repo"
	"sage/internal/scheduler"
	"sage/internal/update"
)

// JobRunner triggers a learning run on demand. The scheduler satisfies it so
// manual runs are tracked with scheduled ones.
type JobRunner interface {
	RunNow(ctx context.Context) (domain.JobSummary, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Jobs     JobRunner
	Version  string
}

type engineRunner struct {
	e engine.Engine
}

func (r engineRunner) RunNow(ctx context.Context) (domain.JobSummary, error) {
	return r.e.RunLearning(ctx, scheduler.TriggerManual)
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_reviewed"`
	Message string         `json:"message" example:"proposal 1f0c already reviewed (accepted)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Sage API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	jobs := cfg.Jobs
	if jobs == nil {
		jobs = engineRunner{e: cfg.Engine}
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Sage API", version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.AllowLegacyActorHeader {
		registerDevAuth(group, cfg.Auth)
	}
	registerDecisions(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerConsents(group, cfg.Engine)
	registerTelemetry(group, cfg.Engine)
	registerPolicy(group, cfg.Engine)
	registerJobs(group, cfg.Engine, jobs)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ite *governor.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, ite.Code(), err.Error(), map[string]any{
			"entity": ite.Entity, "id": ite.ID, "from": ite.From, "to": ite.To,
		})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, update.ErrDimensionMismatch):
		return newAPIError(http.StatusBadRequest, "dimension_mismatch", err.Error(), nil)
	case errors.Is(err, learning.ErrJobRunning):
		return newAPIError(http.StatusConflict, "job_running", err.Error(), nil)
	case errors.Is(err, scheduler.ErrStopped):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"),
		strings.Contains(lowered, "not finite"),
		strings.Contains(lowered, "is empty"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error envelope {error:{code,message,details}}",
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Sage API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		status := "ok"
		if err := e.Repo.Ping(ctx); err != nil {
			status = "degraded"
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": status}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(auth.Permissions(p.Roles, p.Permissions)),
			Source:      p.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		for _, r := range input.Body.Roles {
			if !auth.KnownRole(r) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+r, nil)
			}
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

type userPath struct {
	UserID string `path:"user_id"`
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "decide",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/decisions",
		Summary:       "Score actions for a context and record the decision",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string        `path:"user_id"`
		Body   DecideRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		p, err := requireFor(ctx, auth.PermDecide, input.UserID)
		if err != nil {
			return nil, err
		}
		d, err := e.Decide(ctx, engine.DecideInput{
			UserID:        input.UserID,
			Context:       input.Body.Context,
			MetricsBefore: input.Body.MetricsBefore,
			ActorID:       p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(d)}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/proposals",
		Summary:     "List proposals for a user",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Status string `query:"status" doc:"pending, accepted, rejected or expired"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Proposal `json:"body"`
	}, error) {
		if _, err := requireFor(ctx, auth.PermProposalsRead, input.UserID); err != nil {
			return nil, err
		}
		switch domain.ProposalStatus(input.Status) {
		case "", domain.ProposalPending, domain.ProposalAccepted, domain.ProposalRejected, domain.ProposalExpired:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status filter", map[string]any{"status": input.Status})
		}
		items, err := e.Governor.List(ctx, repo.ProposalFilters{
			UserID: input.UserID,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proposal `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		prop, err := proposalFor(ctx, e, input.ProposalID, auth.PermProposalsRead)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: prop}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/approve",
		Summary:     "Approve a pending proposal and apply its actions",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body engine.ApprovalResult `json:"body"`
	}, error) {
		if _, err := proposalFor(ctx, e, input.ProposalID, auth.PermReview); err != nil {
			return nil, err
		}
		p, _ := principalFromContext(ctx)
		res, err := e.ApproveProposal(ctx, input.ProposalID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ApprovalResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/reject",
		Summary:     "Reject a pending proposal",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProposalID string         `path:"proposal_id"`
		Body       *RejectRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body engine.RejectionResult `json:"body"`
	}, error) {
		if _, err := proposalFor(ctx, e, input.ProposalID, auth.PermReview); err != nil {
			return nil, err
		}
		reason := ""
		if input.Body != nil {
			reason = strings.TrimSpace(input.Body.Reason)
		}
		p, _ := principalFromContext(ctx)
		res, err := e.RejectProposal(ctx, input.ProposalID, reason, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RejectionResult `json:"body"`
		}{Body: res}, nil
	})
}

// proposalFor loads a proposal and checks perm against its owner.
func proposalFor(ctx context.Context, e engine.Engine, id, perm string) (domain.Proposal, error) {
	if _, authErr := principalFromRequest(ctx); authErr != nil {
		return domain.Proposal{}, authErr
	}
	prop, err := e.Governor.Get(ctx, id)
	if err != nil {
		return domain.Proposal{}, handleError(err)
	}
	if _, err := requireFor(ctx, perm, prop.UserID); err != nil {
		return domain.Proposal{}, err
	}
	return prop, nil
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get an applied action",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body domain.AgentAction `json:"body"`
	}, error) {
		a, err := actionFor(ctx, e, input.ActionID, auth.PermProposalsRead)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.AgentAction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "undo-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/undo",
		Summary:     "Undo an applied action and restore the previous state",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body engine.UndoResult `json:"body"`
	}, error) {
		if _, err := actionFor(ctx, e, input.ActionID, auth.PermUndo); err != nil {
			return nil, err
		}
		p, _ := principalFromContext(ctx)
		res, err := e.UndoAction(ctx, input.ActionID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.UndoResult `json:"body"`
		}{Body: res}, nil
	})
}

func actionFor(ctx context.Context, e engine.Engine, id, perm string) (domain.AgentAction, error) {
	if _, authErr := principalFromRequest(ctx); authErr != nil {
		return domain.AgentAction{}, authErr
	}
	a, err := e.Governor.GetAction(ctx, id)
	if err != nil {
		return domain.AgentAction{}, handleError(err)
	}
	if _, err := requireFor(ctx, perm, a.UserID); err != nil {
		return domain.AgentAction{}, err
	}
	return a, nil
}

func registerProfiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/profile",
		Summary:     "Behavioral profile, null without ai_profiling consent",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		if _, err := requireFor(ctx, auth.PermProfileRead, input.UserID); err != nil {
			return nil, err
		}
		prof, err := e.GenerateProfile(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: ProfileResponse{Profile: prof}}, nil
	})
}

func registerConsents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-consents",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/consents",
		Summary:     "Current consent snapshot",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body ConsentResponse `json:"body"`
	}, error) {
		if _, err := requireFor(ctx, auth.PermProfileRead, input.UserID); err != nil {
			return nil, err
		}
		return &struct {
			Body ConsentResponse `json:"body"`
		}{Body: consentResponse(input.UserID, e.Consent.Snapshot(ctx, input.UserID))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-consents",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}/consents",
		Summary:     "Grant or revoke consent purposes",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string               `path:"user_id"`
		Body   ConsentUpdateRequest `json:"body"`
	}) (*struct {
		Body ConsentResponse `json:"body"`
	}, error) {
		p, err := requireFor(ctx, auth.PermConsentWrite, input.UserID)
		if err != nil {
			return nil, err
		}
		if len(input.Body.Consents) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "consents is required", nil)
		}
		for purpose := range input.Body.Consents {
			if !domain.ValidPurpose(purpose) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown consent purpose "+purpose, map[string]any{"purpose": purpose})
			}
		}
		snap := e.Consent.Snapshot(ctx, input.UserID)
		// Purposes apply in a fixed order so the audit trail is stable.
		for _, purpose := range domain.Purposes {
			granted, ok := input.Body.Consents[string(purpose)]
			if !ok {
				continue
			}
			snap, err = e.SetConsent(ctx, input.UserID, purpose, granted, p.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body ConsentResponse `json:"body"`
		}{Body: consentResponse(input.UserID, snap)}, nil
	})
}

func registerTelemetry(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "log-behavior",
		Method:        http.MethodPost,
		Path:          "/users/{user_id}/telemetry",
		Summary:       "Record a behaviour log entry",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string           `path:"user_id"`
		Body   TelemetryRequest `json:"body"`
	}) (*struct {
		Body TelemetryResponse `json:"body"`
	}, error) {
		if _, err := requireFor(ctx, auth.PermTelemetryLog, input.UserID); err != nil {
			return nil, err
		}
		l := domain.BehaviorLog{UserID: input.UserID, Kind: input.Body.Kind, Value: input.Body.Value}
		if input.Body.TS != nil {
			l.TS = input.Body.TS.UTC()
		}
		stored, ok, err := e.LogBehavior(ctx, l)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TelemetryResponse `json:"body"`
		}{Body: TelemetryResponse{Log: stored, Stored: ok}}, nil
	})
}

func registerPolicy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-policy",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/policy",
		Summary:     "Learned weight vectors per action",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body []domain.PolicyWeights `json:"body"`
	}, error) {
		if _, err := requireFor(ctx, auth.PermPolicyRead, input.UserID); err != nil {
			return nil, err
		}
		items, err := e.Policy.List(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PolicyWeights `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/settings",
		Summary:     "Coaching settings changed by approved proposals",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *userPath) (*struct {
		Body SettingsResponse `json:"body"`
	}, error) {
		if _, err := requireFor(ctx, auth.PermProposalsRead, input.UserID); err != nil {
			return nil, err
		}
		state, err := e.Settings.State(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingsResponse `json:"body"`
		}{Body: SettingsResponse{UserID: input.UserID, Settings: state}}, nil
	})
}

func registerJobs(api huma.API, e engine.Engine, jobs JobRunner) {
	huma.Register(api, huma.Operation{
		OperationID: "run-learning",
		Method:      http.MethodPost,
		Path:        "/jobs/learning/runs",
		Summary:     "Trigger a learning run now",
		Errors:      []int{http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.JobSummary `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermJobsRun); err != nil {
			return nil, err
		}
		summary, err := jobs.RunNow(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.JobSummary `json:"body"`
		}{Body: summary}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-learning-runs",
		Method:      http.MethodGet,
		Path:        "/jobs/learning/runs",
		Summary:     "Recent learning run summaries",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body []domain.JobSummary `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAuditRead); err != nil {
			return nil, err
		}
		runs, err := e.Job.Runs(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.JobSummary `json:"body"`
		}{Body: nonNilSlice(runs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-proposals",
		Method:      http.MethodPost,
		Path:        "/jobs/proposals/expire",
		Summary:     "Expire overdue pending proposals",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExpireResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermJobsRun); err != nil {
			return nil, err
		}
		n, err := e.Governor.ExpireStale(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExpireResponse `json:"body"`
		}{Body: ExpireResponse{Expired: n}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, oldest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID   string `query:"user_id"`
		Entity   string `query:"entity" doc:"proposal, agent_action, policy_weights or consent"`
		EntityID string `query:"entity_id"`
		RunID    string `query:"run_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, auth.PermAuditRead); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			UserID:   input.UserID,
			Entity:   input.Entity,
			EntityID: input.EntityID,
			RunID:    input.RunID,
			AfterID:  cursorID,
			Limit:    limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.AuditEntry{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
