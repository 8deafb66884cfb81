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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"conflux/internal/domain"
	"conflux/internal/engine"
	"conflux/internal/repo"
	"conflux/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"dependency_unmet"`
	Message string         `json:"message" example:"sub-problem sp-2 has unresolved dependencies: sp-1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing\":[\"sp-1\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Conflux API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
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
	hcfg := huma.DefaultConfig("Conflux API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProblems(group, cfg.Engine)
	registerSubProblems(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
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
	var ise engine.InvalidStateError
	if errors.As(err, &ise) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{
			"entity": ise.Entity,
			"id":     ise.ID,
			"status": ise.Status,
		})
	}
	var fe engine.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var due engine.DependencyUnmetError
	if errors.As(err, &due) {
		return newAPIError(http.StatusUnprocessableEntity, "dependency_unmet", err.Error(), map[string]any{
			"missing": due.Missing,
		})
	}
	if errors.Is(err, engine.ErrNothingToMerge) {
		return newAPIError(http.StatusUnprocessableEntity, "nothing_to_merge", err.Error(), nil)
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, session.ErrSessionInactive) {
		return newAPIError(http.StatusGone, "session_inactive", err.Error(), nil)
	}
	if errors.Is(err, session.ErrNotInitiator) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
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
		return "invalid_state"
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Conflux API Docs</title>
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

func registerProblems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-problem",
		Method:        http.MethodPost,
		Path:          "/problems",
		Summary:       "Create problem",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProblemRequest `json:"body"`
	}) (*struct {
		Body ProblemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProblemCreateOptions{
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			ActorID:     agentID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		p, err := e.CreateProblem(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProblemResponse `json:"body"`
		}{Body: problemResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-problems",
		Method:      http.MethodGet,
		Path:        "/problems",
		Summary:     "List problems",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,in_progress,closed,"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedProblems `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListProblems(ctx, repo.ProblemFilters{
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedProblems{Items: []ProblemResponse{}}
		if len(items) > limit {
			items = items[:limit]
			// cursor from the last returned row; the filter is strict, so
			// the next page starts right after it
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = mapProblems(items)
		return &struct {
			Body paginatedProblems `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-problem",
		Method:      http.MethodGet,
		Path:        "/problems/{id}",
		Summary:     "Get problem",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProblemResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProblem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProblemResponse `json:"body"`
		}{Body: problemResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "decompose-problem",
		Method:        http.MethodPost,
		Path:          "/problems/{id}/decompose",
		Summary:       "Decompose problem into sub-problems",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body DecomposeRequest `json:"body"`
	}) (*struct {
		Body []SubProblemResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if len(input.Body.SubProblems) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "sub_problems is required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		specs := make([]domain.SubProblemSpec, 0, len(input.Body.SubProblems))
		for _, entry := range input.Body.SubProblems {
			spec := domain.SubProblemSpec{
				Title:       entry.Title,
				Description: stringOrEmpty(entry.Description),
				Ord:         entry.Order,
				DependsOn:   entry.DependsOn,
			}
			if entry.ID != nil {
				spec.ID = *entry.ID
			}
			specs = append(specs, spec)
		}
		subs, err := e.Decompose(ctx, input.ID, specs, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubProblemResponse `json:"body"`
		}{Body: mapSubProblems(subs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sub-problems",
		Method:      http.MethodGet,
		Path:        "/problems/{id}/sub-problems",
		Summary:     "List sub-problems",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []SubProblemResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProblem(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		subs, err := e.Repo.ListSubProblems(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SubProblemResponse `json:"body"`
		}{Body: mapSubProblems(subs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-problem",
		Method:      http.MethodPost,
		Path:        "/problems/{id}/merge",
		Summary:     "Merge solved sub-problems into a solution",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body MergeRequest `json:"body"`
	}) (*struct {
		Body MergeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Solution == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "solution is required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Merge(ctx, input.ID, agentID, input.Body.Solution, input.Body.Explanation)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MergeResponse `json:"body"`
		}{Body: MergeResponse{SolutionID: res.SolutionID, MergedCount: res.MergedCount}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-solution",
		Method:        http.MethodPost,
		Path:          "/problems/{id}/solutions",
		Summary:       "Submit a direct solution",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body SubmitSolutionRequest `json:"body"`
	}) (*struct {
		Body SolutionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Solution == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "solution is required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sol, err := e.SubmitSolution(ctx, input.ID, agentID, input.Body.Solution, input.Body.Explanation)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SolutionResponse `json:"body"`
		}{Body: solutionResponse(sol)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-solutions",
		Method:      http.MethodGet,
		Path:        "/problems/{id}/solutions",
		Summary:     "List solutions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []SolutionResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProblem(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListSolutions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SolutionResponse `json:"body"`
		}{Body: mapSolutions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-collaborators",
		Method:      http.MethodGet,
		Path:        "/problems/{id}/collaborators",
		Summary:     "List active collaborators",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []CollaboratorResponse `json:"body"`
	}, error) {
		items, err := e.ListCollaborators(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CollaboratorResponse `json:"body"`
		}{Body: mapCollaborators(items)}, nil
	})
}

func registerSubProblems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-sub-problem",
		Method:      http.MethodPost,
		Path:        "/sub-problems/{id}/claim",
		Summary:     "Claim a sub-problem",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SubProblemResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Claim(ctx, input.ID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubProblemResponse `json:"body"`
		}{Body: subProblemResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "solve-sub-problem",
		Method:      http.MethodPost,
		Path:        "/sub-problems/{id}/solve",
		Summary:     "Record a sub-problem solution",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body SolveRequest `json:"body"`
	}) (*struct {
		Body SolveResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Solution == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "solution is required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, allSolved, err := e.Solve(ctx, input.ID, agentID, input.Body.Solution)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SolveResponse `json:"body"`
		}{Body: SolveResponse{SubProblem: subProblemResponse(s), AllSolved: allSolved}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sub-problem",
		Method:      http.MethodGet,
		Path:        "/sub-problems/{id}",
		Summary:     "Get sub-problem",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SubProblemResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSubProblem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubProblemResponse `json:"body"`
		}{Body: subProblemResponse(s)}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-session",
		Method:        http.MethodPost,
		Path:          "/collaboration-sessions",
		Summary:       "Open or join the session for a resource",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ResourceType string `query:"resource_type" enum:"problem,solution"`
		ResourceID   string `query:"resource_id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, ok := session.ParseResourceKind(input.ResourceType)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "resource_type must be problem or solution", nil)
		}
		if input.ResourceID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "resource_id is required", nil)
		}
		if kind == session.KindProblem {
			if _, err := e.Repo.GetProblem(ctx, input.ResourceID); err != nil {
				return nil, handleError(err)
			}
		}
		s, err := e.Sessions.OpenOrJoin(ctx, kind, input.ResourceID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/collaboration-sessions/{id}",
		Summary:     "Get session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Sessions.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "join-session",
		Method:      http.MethodPost,
		Path:        "/collaboration-sessions/{id}/join",
		Summary:     "Join session",
		Errors: []int{
			http.StatusNotFound,
			http.StatusGone,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Sessions.Join(ctx, input.ID, agentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-session-change",
		Method:        http.MethodPost,
		Path:          "/collaboration-sessions/{id}/changes",
		Summary:       "Record a session change",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusGone,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body SessionChangeRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ChangeType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "change_type is required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Sessions.RecordChange(ctx, input.ID, agentID, input.Body.ChangeType, input.Body.Details)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodPost,
		Path:        "/collaboration-sessions/{id}/end",
		Summary:     "End session (initiator only)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusGone,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body EndSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Sessions.End(ctx, input.ID, agentID, session.Status(input.Body.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log tail",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
		ProblemID  string `query:"problem_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body struct {
			Items      []EventResponse `json:"items"`
			NextCursor string          `json:"next_cursor,omitempty"`
		} `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursor, input.ProblemID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items      []EventResponse `json:"items"`
				NextCursor string          `json:"next_cursor,omitempty"`
			} `json:"body"`
		}{}
		if len(items) > limit {
			items = items[:limit]
			out.Body.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		out.Body.Items = mapEvents(items)
		return out, nil
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
