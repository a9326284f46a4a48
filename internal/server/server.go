package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stageline/internal/analytics"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/registry"
	"stageline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"transition under_review -> placed not allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stageline API.
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
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Stageline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerNotes(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerAnalytics(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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
	var pd auth.PermissionDeniedError
	if errors.As(err, &pd) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"capability": pd.Capability})
	}
	var us registry.UnknownStageError
	if errors.As(err, &us) {
		return newAPIError(http.StatusBadRequest, "unknown_stage", err.Error(), map[string]any{"stage": us.Stage})
	}
	var it engine.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{"from": it.From, "to": it.To})
	}
	var bi engine.BlockedByOpenIssueError
	if errors.As(err, &bi) {
		return newAPIError(http.StatusUnprocessableEntity, "blocked_by_open_issue", err.Error(), map[string]any{"stage": bi.Stage})
	}
	var na engine.NoActiveStageError
	if errors.As(err, &na) {
		return newAPIError(http.StatusConflict, "no_active_stage", err.Error(), nil)
	}
	var ip engine.InvalidProgressError
	if errors.As(err, &ip) {
		return newAPIError(http.StatusBadRequest, "invalid_progress", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stageline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "Stage definitions in pipeline order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []registry.StageDefinition `json:"body"`
	}, error) {
		return &struct {
			Body []registry.StageDefinition `json:"body"`
		}{Body: e.Registry.Definitions()}, nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/applications",
		Summary:       "Register an application",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateApplicationRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateApplication(ctx, engine.ApplicationCreateOptions{
			ID:            deref(input.Body.ID),
			CandidateName: input.Body.CandidateName,
			Program:       deref(input.Body.Program),
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/applications",
		Summary:     "List applications",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"active,withdrawn,"`
		Limit           int    `query:"limit" minimum:"0" maximum:"500"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []domain.Application `json:"body"`
	}, error) {
		items, err := e.Repo.ListApplications(ctx, repo.ApplicationFilters{
			Status:          input.Status,
			Limit:           input.Limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Application `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}",
		Summary:     "Get application",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		a, err := e.Repo.GetApplication(ctx, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-timeline",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/timeline",
		Summary:     "Full stage timeline with issues, notes and actions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
	}) (*struct {
		Body []domain.TimelineEntry `json:"body"`
	}, error) {
		entries, err := e.Timeline(ctx, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TimelineEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-application",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/withdraw",
		Summary:     "Withdraw an application",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ApplicationID string          `path:"application_id"`
		Body          WithdrawRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.WithdrawApplication(ctx, input.ApplicationID, actorID, deref(input.Body.Reason))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-progress",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/progress",
		Summary:     "Update active entry progress",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ApplicationID string          `path:"application_id"`
		Body          ProgressRequest `json:"body"`
	}) (*struct {
		Body domain.TimelineEntry `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.UpdateProgress(ctx, input.ApplicationID, deref(input.Body.Stage), input.Body.Progress, actorID, input.Body.AllowRegression)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TimelineEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-entry",
		Method:      http.MethodPost,
		Path:        "/applications/{application_id}/assignees",
		Summary:     "Assign an actor to the active entry",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ApplicationID string        `path:"application_id"`
		Body          AssignRequest `json:"body"`
	}) (*struct {
		Body domain.TimelineEntry `json:"body"`
	}, error) {
		entry, err := e.AssignEntry(ctx, input.ApplicationID, deref(input.Body.Stage), input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TimelineEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassign-entry",
		Method:      http.MethodDelete,
		Path:        "/applications/{application_id}/assignees/{actor_id}",
		Summary:     "Remove an actor from the active entry",
		Errors: []int{
			http.StatusConflict,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
		ActorID       string `path:"actor_id"`
	}) (*struct {
		Body domain.TimelineEntry `json:"body"`
	}, error) {
		entry, err := e.UnassignEntry(ctx, input.ApplicationID, "", input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TimelineEntry `json:"body"`
		}{Body: entry}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "transition-stage",
		Method:        http.MethodPost,
		Path:          "/applications/{application_id}/transition",
		Summary:       "Request a stage transition",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ApplicationID string            `path:"application_id"`
		Body          TransitionRequest `json:"body"`
	}) (*struct {
		Body engine.TransitionResult `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ToStage == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_stage is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.TransitionStage(ctx, engine.TransitionOptions{
			ApplicationID: input.ApplicationID,
			ToStage:       input.Body.ToStage,
			ActorID:       actorID,
			Reason:        deref(input.Body.Reason),
			Notes:         deref(input.Body.Notes),
			Automatic:     input.Body.Automatic,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TransitionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/transitions",
		Summary:     "Transition audit log, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
		Pending       bool   `query:"pending"`
		Limit         int    `query:"limit" minimum:"0" maximum:"500"`
		CursorAt      string `query:"cursor_at"`
		CursorID      string `query:"cursor_id"`
	}) (*struct {
		Body []domain.StageTransition `json:"body"`
	}, error) {
		if _, err := e.Repo.GetApplication(ctx, input.ApplicationID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTransitions(ctx, repo.TransitionFilters{
			ApplicationID: input.ApplicationID,
			PendingOnly:   input.Pending,
			Limit:         input.Limit,
			CursorAt:      input.CursorAt,
			CursorID:      input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StageTransition `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-transition",
		Method:      http.MethodPost,
		Path:        "/transitions/{transition_id}/approve",
		Summary:     "Approve a pending transition",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TransitionID string `path:"transition_id"`
	}) (*struct {
		Body engine.TransitionResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApproveTransition(ctx, input.TransitionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TransitionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-transition",
		Method:      http.MethodPost,
		Path:        "/transitions/{transition_id}/reject",
		Summary:     "Reject a pending transition",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		TransitionID string                  `path:"transition_id"`
		Body         RejectTransitionRequest `json:"body"`
	}) (*struct {
		Body engine.TransitionResult `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RejectTransition(ctx, input.TransitionID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TransitionResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-issue",
		Method:        http.MethodPost,
		Path:          "/applications/{application_id}/issues",
		Summary:       "Report an issue on the active entry",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ApplicationID string             `path:"application_id"`
		Body          ReportIssueRequest `json:"body"`
	}) (*struct {
		Body domain.StageIssue `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, _, err := e.ReportIssue(ctx, engine.IssueOptions{
			ApplicationID: input.ApplicationID,
			Stage:         deref(input.Body.Stage),
			Type:          deref(input.Body.Type),
			Severity:      deref(input.Body.Severity),
			Title:         input.Body.Title,
			Description:   deref(input.Body.Description),
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageIssue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{issue_id}/resolve",
		Summary:     "Resolve an issue",
		Errors: []int{
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		IssueID string              `path:"issue_id"`
		Body    ResolveIssueRequest `json:"body"`
	}) (*struct {
		Body domain.StageIssue `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.ResolveIssue(ctx, input.IssueID, actorID, deref(input.Body.Resolution))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageIssue `json:"body"`
		}{Body: issue}, nil
	})
}

func registerNotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-note",
		Method:        http.MethodPost,
		Path:          "/applications/{application_id}/notes",
		Summary:       "Attach a note to the active entry",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ApplicationID string         `path:"application_id"`
		Body          AddNoteRequest `json:"body"`
	}) (*struct {
		Body domain.StageNote `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		note, err := e.AddNote(ctx, engine.NoteOptions{
			ApplicationID: input.ApplicationID,
			Stage:         deref(input.Body.Stage),
			Content:       input.Body.Content,
			ActorID:       actorID,
			IsInternal:    input.Body.IsInternal,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageNote `json:"body"`
		}{Body: note}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-action",
		Method:        http.MethodPost,
		Path:          "/applications/{application_id}/actions",
		Summary:       "Add an action item to the active entry",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ApplicationID string           `path:"application_id"`
		Body          AddActionRequest `json:"body"`
	}) (*struct {
		Body domain.StageAction `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		action, err := e.AddAction(ctx, engine.ActionOptions{
			ApplicationID: input.ApplicationID,
			Stage:         deref(input.Body.Stage),
			Title:         input.Body.Title,
			Description:   deref(input.Body.Description),
			DueDate:       deref(input.Body.DueDate),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageAction `json:"body"`
		}{Body: action}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/complete",
		Summary:     "Mark an action item done",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body domain.StageAction `json:"body"`
	}, error) {
		action, err := e.CompleteAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageAction `json:"body"`
		}{Body: action}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/applications/{application_id}/notifications",
		Summary:     "Notifications for an application, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `path:"application_id"`
		Unread        bool   `query:"unread"`
		Limit         int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []domain.StageNotification `json:"body"`
	}, error) {
		if _, err := e.Repo.GetApplication(ctx, input.ApplicationID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListNotifications(ctx, repo.NotificationFilters{
			ApplicationID: input.ApplicationID,
			UnreadOnly:    input.Unread,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StageNotification `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{notification_id}/read",
		Summary:     "Mark a notification read",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct {
		Body domain.StageNotification `json:"body"`
	}, error) {
		n, err := e.MarkNotificationRead(ctx, input.NotificationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageNotification `json:"body"`
		}{Body: n}, nil
	})
}

func registerAnalytics(api huma.API, e engine.Engine) {
	a := analytics.Engine{DB: e.DB, Registry: e.Registry}
	huma.Register(api, huma.Operation{
		OperationID: "stage-statistics",
		Method:      http.MethodGet,
		Path:        "/stats/stages",
		Summary:     "Per-stage completion statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]analytics.StageStats `json:"body"`
	}, error) {
		stats, err := a.StageStatistics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]analytics.StageStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bottleneck-analysis",
		Method:      http.MethodGet,
		Path:        "/stats/bottlenecks",
		Summary:     "Stages running over their estimated duration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []analytics.Bottleneck `json:"body"`
	}, error) {
		items, err := a.BottleneckAnalysis(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []analytics.Bottleneck `json:"body"`
		}{Body: items}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/roles/assign",
		Summary:     "Grant a role to an actor",
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body AssignRoleRequest `json:"body"`
	}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Auth.EnsureActor(ctx, tx, input.Body.ActorID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AssignRole(ctx, tx, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ActorRoles(ctx, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ActorID: input.Body.ActorID, Roles: roles}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/roles/revoke",
		Summary:     "Revoke a role from an actor",
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body AssignRoleRequest `json:"body"`
	}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.RevokeRole(ctx, tx, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Repo.ActorRoles(ctx, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ActorID: input.Body.ActorID, Roles: roles}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "actor-roles",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/roles",
		Summary:     "List an actor's roles",
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		roles, err := e.Repo.ActorRoles(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: roles}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create an API key; the plaintext key is returned once",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		plaintext := uuid.New().String() + uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.Body.ActorID,
			Name:    deref(input.Body.Name),
			KeyHash: repo.HashAPIKey(plaintext),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     plaintext,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		roles, err := e.Repo.ActorRoles(ctx, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{ActorID: p.ActorID, Roles: roles, Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signToken(authCfg.JWTSecret, actor, input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
