package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"paperline/internal/audit"
	"paperline/internal/engine"
	"paperline/internal/repo"
	"paperline/internal/store"
	"paperline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"artifact changed since proposal was drafted"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type actorKey struct{}

// New returns an HTTP handler exposing the Paperline API. Callers identify
// themselves through the X-Actor header; authentication is out of scope.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Logger))
	router.Use(actorMiddleware)
	hcfg := huma.DefaultConfig("Paperline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerWorkflow(group, cfg.Engine)
	registerAudit(group, cfg.Engine)

	return router, nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.status).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get("X-Actor")
		if actor == "" {
			actor = "anonymous"
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "anonymous"
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

// handleError maps the core's typed errors onto the envelope. Conflict and
// InvalidTransition are expected outcomes, not system failures.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ite workflow.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"allowed": ite.Allowed})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), nil)
	}
	var se audit.SchemaError
	if errors.As(err, &se) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var sf store.StorageError
	if errors.As(err, &sf) {
		return newAPIError(http.StatusInternalServerError, "storage_failure", "storage failure", map[string]any{"op": sf.Op})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.Key == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "key is required", nil)
		}
		p, err := e.InitProject(ctx, input.Body.Key, input.Body.Name, input.Body.Methodology, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_key}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectKey string `path:"project_key"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_key}",
		Summary:     "Archive project (soft delete)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectKey string `path:"project_key"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.ArchiveProject(ctx, input.ProjectKey, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_key}/artifacts",
		Summary:     "List artifacts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectKey string `path:"project_key"`
		Prefix     string `query:"prefix"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		items, err := e.Artifacts(ctx, input.ProjectKey, input.Prefix)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: mapArtifacts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/projects/{project_key}/artifact",
		Summary:     "Get artifact content",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectKey string `path:"project_key"`
		Path       string `query:"path" required:"true"`
	}) (*struct {
		Body ArtifactContentResponse `json:"body"`
	}, error) {
		content, err := e.ReadArtifact(ctx, input.ProjectKey, input.Path)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactContentResponse `json:"body"`
		}{Body: ArtifactContentResponse{Path: input.Path, Type: store.TypeForPath(input.Path), Content: string(content)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-commits",
		Method:      http.MethodGet,
		Path:        "/projects/{project_key}/commits",
		Summary:     "List commit history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectKey string `path:"project_key"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []CommitResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectKey); err != nil {
			return nil, handleError(err)
		}
		commits, err := e.Store.ListCommits(ctx, input.ProjectKey, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CommitResponse `json:"body"`
		}{Body: mapCommits(commits)}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-proposal",
		Method:        http.MethodPost,
		Path:          "/projects/{project_key}/proposals",
		Summary:       "Draft a change proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectKey string                `path:"project_key"`
		Body       CreateProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.Propose(ctx, engine.ProposeOptions{
			ProjectKey: input.ProjectKey,
			Path:       input.Body.TargetArtifact,
			ChangeType: input.Body.ChangeType,
			NewContent: []byte(input.Body.NewContent),
			Rationale:  input.Body.Rationale,
			Author:     actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/projects/{project_key}/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectKey string `path:"project_key"`
		Status     string `query:"status" enum:"PENDING,ACCEPTED,REJECTED"`
	}) (*struct {
		Body []ProposalResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectKey); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListProposals(ctx, input.ProjectKey, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProposalResponse `json:"body"`
		}{Body: mapProposals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/apply",
		Summary:     "Apply a pending proposal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.Apply(ctx, input.ProposalID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/reject",
		Summary:     "Reject a pending proposal",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProposalID string                `path:"proposal_id"`
		Body       RejectProposalRequest `json:"body"`
	}) (*struct {
		Body ProposalResponse `json:"body"`
	}, error) {
		p, err := e.Reject(ctx, input.ProposalID, input.Body.Reason, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalResponse `json:"body"`
		}{Body: proposalResponse(p)}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-workflow-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project_key}/workflow",
		Summary:     "Get workflow state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectKey string `path:"project_key"`
	}) (*struct {
		Body WorkflowStateResponse `json:"body"`
	}, error) {
		s, err := e.State(ctx, input.ProjectKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowStateResponse `json:"body"`
		}{Body: WorkflowStateResponse{
			ProjectKey:    s.ProjectKey,
			CurrentState:  s.CurrentState,
			PreviousState: s.PreviousState,
			History:       s.History,
			UpdatedAt:     s.UpdatedAt,
			UpdatedBy:     s.UpdatedBy,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "allowed-transitions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_key}/workflow/transitions",
		Summary:     "List allowed transitions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectKey string `path:"project_key"`
	}) (*struct {
		Body AllowedTransitionsResponse `json:"body"`
	}, error) {
		s, err := e.State(ctx, input.ProjectKey)
		if err != nil {
			return nil, handleError(err)
		}
		allowed, err := e.AllowedTransitions(ctx, input.ProjectKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AllowedTransitionsResponse `json:"body"`
		}{Body: AllowedTransitionsResponse{CurrentState: s.CurrentState, Allowed: allowed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-workflow",
		Method:      http.MethodPost,
		Path:        "/projects/{project_key}/workflow/transitions",
		Summary:     "Transition to the next phase",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectKey string            `path:"project_key"`
		Body       TransitionRequest `json:"body"`
	}) (*struct {
		Body WorkflowStateResponse `json:"body"`
	}, error) {
		if input.Body.ToState == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "to_state is required", nil)
		}
		s, err := e.Transition(ctx, input.ProjectKey, input.Body.ToState, actorFromContext(ctx), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowStateResponse `json:"body"`
		}{Body: WorkflowStateResponse{
			ProjectKey:    s.ProjectKey,
			CurrentState:  s.CurrentState,
			PreviousState: s.PreviousState,
			History:       s.History,
			UpdatedAt:     s.UpdatedAt,
			UpdatedBy:     s.UpdatedBy,
		}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "query-audit-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_key}/audit",
		Summary:     "Query audit events (chronological ascending)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectKey string `path:"project_key"`
		EventType  string `query:"event_type"`
		Actor      string `query:"actor"`
		Since      string `query:"since"`
		Until      string `query:"until"`
		Limit      int    `query:"limit"`
		Offset     int    `query:"offset"`
	}) (*struct {
		Body AuditPageResponse `json:"body"`
	}, error) {
		page, err := e.AuditQuery(ctx, input.ProjectKey, audit.Filter{
			EventType: input.EventType,
			Actor:     input.Actor,
			Since:     input.Since,
			Until:     input.Until,
		}, input.Limit, input.Offset)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditPageResponse `json:"body"`
		}{Body: AuditPageResponse{Events: page.Events, Total: page.Total}}, nil
	})
}
