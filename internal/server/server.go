package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"buildtuner/internal/domain"
	"buildtuner/internal/engine"
	"buildtuner/internal/logging"
	"buildtuner/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
	// Metrics is served at /metrics when set.
	Metrics http.Handler
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"Another experiment is currently running. Please wait for it to complete before starting a new one."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"existing_experiment_id\":\"experiment-1704110400000\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the experiment API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logging.OrNop(cfg.Log)

	huma.DefaultArrayNullable = false
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
	router.Use(requestID)
	router.Use(accessLog(log))
	router.Use(middleware.Recoverer)
	router.Use(cors)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))

	hcfg := huma.DefaultConfig("Build Tuner API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerExperiments(group, cfg.Engine)
	registerFeedback(group, cfg.Engine)
	registerOpenAPI(router, api, basePath, cfg.Auth.JWTSecret != "")
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}

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
	var (
		verr     engine.ValidationError
		disabled engine.DisabledError
		conflict engine.ConflictError
		cfgErr   engine.ConfigurationError
		dispErr  engine.DispatchError
	)
	switch {
	case errors.As(err, &verr):
		return newAPIError(http.StatusBadRequest, "bad_request", verr.Error(), map[string]any{"field": verr.Field})
	case errors.As(err, &disabled):
		return newAPIError(http.StatusForbidden, "experiments_disabled", disabled.Message(), map[string]any{"issues_url": disabled.IssuesURL})
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "Experiment not found", nil)
	case errors.As(err, &conflict):
		return newAPIError(http.StatusConflict, "conflict", conflict.Error(), map[string]any{
			"existing_experiment_id": conflict.ExperimentID,
			"existing_status":        string(conflict.Status),
		})
	case errors.As(err, &cfgErr):
		return newAPIError(http.StatusInternalServerError, "configuration_error", "Server configuration error", map[string]any{"error": cfgErr.Err.Error()})
	case errors.As(err, &dispErr):
		return newAPIError(http.StatusInternalServerError, "dispatch_failed", "Failed to trigger experiment", map[string]any{
			"experiment_id": dispErr.ExperimentID,
			"error":         dispErr.Err.Error(),
		})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
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
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if isPublicPath(basePath, route) {
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
    <title>Build Tuner API Docs</title>
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

func registerExperiments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-experiment",
		Method:      http.MethodPost,
		Path:        "/experiments",
		Summary:     "Start an experiment",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateExperimentRequest `json:"body"`
	}) (*struct {
		Body CreateExperimentResponse `json:"body"`
	}, error) {
		res, err := e.CreateExperiment(ctx, engine.CreateOptions{
			Repository:      input.Body.Repository,
			Task:            input.Body.Task,
			SelectionMethod: input.Body.SelectionMethod,
			MaxIterations:   input.Body.MaxIterations,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateExperimentResponse `json:"body"`
		}{Body: CreateExperimentResponse{
			Success:        true,
			ExperimentID:   res.ExperimentID,
			Message:        res.Message,
			WorkflowInputs: res.WorkflowInputs,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "experiments-enabled",
		Method:      http.MethodGet,
		Path:        "/experiments/enabled",
		Summary:     "Report whether experiments can be started",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EnabledResponse `json:"body"`
	}, error) {
		enabled := e.ExperimentsEnabled()
		msg := "Experiments are currently disabled"
		if enabled {
			msg = "Experiments are enabled"
		}
		return &struct {
			Body EnabledResponse `json:"body"`
		}{Body: EnabledResponse{ExperimentsEnabled: enabled, Message: msg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-experiment",
		Method:      http.MethodGet,
		Path:        "/experiment",
		Summary:     "Get an experiment with its variants",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExperimentID string `query:"experiment_id"`
	}) (*struct {
		Body ExperimentResponse `json:"body"`
	}, error) {
		exp, err := e.GetExperiment(ctx, input.ExperimentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExperimentResponse `json:"body"`
		}{Body: ExperimentResponse{Success: true, Experiment: exp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-experiments",
		Method:      http.MethodGet,
		Path:        "/experiments",
		Summary:     "List experiments, newest first",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ExperimentsResponse `json:"body"`
	}, error) {
		items, err := e.ListExperiments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExperimentsResponse `json:"body"`
		}{Body: ExperimentsResponse{Success: true, Experiments: mapExperiments(items)}}, nil
	})
}

func registerFeedback(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-feedback",
		Method:      http.MethodPost,
		Path:        "/experiments/feedback",
		Summary:     "Record a workflow status report",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body FeedbackRequest `json:"body"`
	}) (*struct {
		Body FeedbackResponse `json:"body"`
	}, error) {
		b := input.Body
		err := e.RecordFeedback(ctx, engine.FeedbackOptions{
			ExperimentID:  b.ExperimentID,
			Status:        domain.Status(b.Status),
			Metrics:       b.Metrics,
			WorkflowRunID: runID(b.WorkflowRunID),
			Build: domain.BuildMetrics{
				BuildTime:             b.BuildTime,
				GradleGCTime:          b.GradleGCTime,
				KotlinGCTime:          b.KotlinGCTime,
				KotlinCompileDuration: b.KotlinCompileDuration,
			},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FeedbackResponse `json:"body"`
		}{Body: FeedbackResponse{Success: true, Message: "Experiment status updated"}}, nil
	})
}

func mapExperiments(items []domain.Experiment) []ExperimentSummary {
	out := make([]ExperimentSummary, 0, len(items))
	for _, exp := range items {
		out = append(out, experimentSummary(exp))
	}
	return out
}
