package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"driveline/internal/domain"
	"driveline/internal/engine"
	"driveline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"directive not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Driveline API.
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
	hcfg := huma.DefaultConfig("Driveline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTenants(group, cfg.Engine)
	registerDirectives(group, cfg.Engine)
	registerSignals(group, cfg.Engine)
	registerTimeline(group, cfg.Engine)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Msg, nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "only requested directives"),
		strings.Contains(lowered, "rerun applies"),
		strings.Contains(lowered, "no fan-out consumers"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Driveline API Docs</title>
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

func registerTenants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ensure-tenant",
		Method:        http.MethodPut,
		Path:          "/tenants/{tenant}",
		Summary:       "Ensure tenant exists",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Tenant string              `path:"tenant"`
		Body   EnsureTenantRequest `json:"body"`
	}) (*struct {
		Body TenantResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Tenant) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tenant is required", nil)
		}
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.EnsureTenant(ctx, input.Tenant, input.Body.Name, now); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTenant(ctx, input.Tenant)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TenantResponse `json:"body"`
		}{Body: tenantResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tenants",
		Method:      http.MethodGet,
		Path:        "/tenants",
		Summary:     "List tenants",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TenantResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTenants(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TenantResponse `json:"body"`
		}{Body: mapTenants(items)}, nil
	})
}

func registerDirectives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-directive",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant}/directives",
		Summary:       "Request a directive (idempotent per tenant, type and idempotency key)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Tenant string                  `path:"tenant"`
		Body   RequestDirectiveRequest `json:"body"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		var subject *domain.Subject
		if input.Body.Subject != nil {
			subject = &domain.Subject{Type: input.Body.Subject.Type, ID: input.Body.Subject.ID}
		}
		d, _, err := e.RequestDirective(ctx, engine.DirectiveRequest{
			Tenant:         input.Tenant,
			Type:           input.Body.Type,
			Payload:        input.Body.Payload,
			IdempotencyKey: input.Body.IdempotencyKey,
			Subject:        subject,
			ScheduledAt:    input.Body.ScheduledAt,
			MaxAttempts:    input.Body.MaxAttempts,
			CorrelationID:  input.Body.CorrelationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-directives",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/directives",
		Summary:     "List directives",
	}, func(ctx context.Context, input *struct {
		Tenant        string `path:"tenant"`
		Type          string `query:"type"`
		Status        string `query:"status"`
		SubjectType   string `query:"subject_type"`
		SubjectID     string `query:"subject_id"`
		CorrelationID string `query:"correlation_id"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body []DirectiveResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListDirectives(ctx, repo.DirectiveFilters{
			Tenant:        input.Tenant,
			Type:          input.Type,
			Status:        input.Status,
			SubjectType:   input.SubjectType,
			SubjectID:     input.SubjectID,
			CorrelationID: input.CorrelationID,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []DirectiveResponse `json:"body"`
		}{Body: mapDirectives(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-directive",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/directives/{id}",
		Summary:     "Get directive",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		ID     string `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDirective(ctx, input.Tenant, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-directive",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant}/directives/{id}/cancel",
		Summary:     "Cancel a requested directive",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		ID     string `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		d, err := e.CancelDirective(ctx, input.Tenant, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rerun-directive",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant}/directives/{id}/rerun",
		Summary:     "Flag a terminal directive for one more run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		ID     string `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		d, err := e.RequestRerun(ctx, input.Tenant, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deliver-directive",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant}/directives/{id}/deliver",
		Summary:     "Deliver one execution attempt (scheduler entry point)",
		Description: "At-least-once safe: redundant deliveries are absorbed by the runner's guardrails.",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		ID     string `path:"id"`
	}) (*struct {
		Body DirectiveResponse `json:"body"`
	}, error) {
		if err := e.ExecuteDirective(ctx, input.Tenant, input.ID); err != nil {
			return nil, handleError(err)
		}
		d, err := e.Repo.GetDirective(ctx, input.Tenant, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DirectiveResponse `json:"body"`
		}{Body: directiveResponse(d)}, nil
	})
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "emit-signal",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant}/signals",
		Summary:       "Emit a signal (deduplicated per tenant by dedupe key)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Tenant string            `path:"tenant"`
		Body   EmitSignalRequest `json:"body"`
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		now := e.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.EnsureTenant(ctx, input.Tenant, "", now); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Bus.Emit(ctx, input.Tenant, input.Body.Type,
			domain.Subject{Type: input.Body.Subject.Type, ID: input.Body.Subject.ID},
			input.Body.Payload, input.Body.DedupeKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: signalResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/signals",
		Summary:     "List signals",
	}, func(ctx context.Context, input *struct {
		Tenant      string `path:"tenant"`
		Type        string `query:"type"`
		SubjectType string `query:"subject_type"`
		SubjectID   string `query:"subject_id"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []SignalResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSignals(ctx, repo.SignalFilters{
			Tenant:      input.Tenant,
			Type:        input.Type,
			SubjectType: input.SubjectType,
			SubjectID:   input.SubjectID,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SignalResponse `json:"body"`
		}{Body: mapSignals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signal",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/signals/{id}",
		Summary:     "Get signal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Tenant string `path:"tenant"`
		ID     string `path:"id"`
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSignal(ctx, input.Tenant, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: signalResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-signal",
		Method:      http.MethodPost,
		Path:        "/signals/{id}/replay",
		Summary:     "Re-deliver a persisted signal to fan-out consumers",
		Description: "Debug/backfill only: no new signal is written and no directive is re-executed.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.Bus.Replay(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "replayed"}}, nil
	})
}

func registerTimeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "tenant-timeline",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant}/timeline",
		Summary:     "Audit timeline of interleaved signals and directives",
	}, func(ctx context.Context, input *struct {
		Tenant      string `path:"tenant"`
		SubjectType string `query:"subject_type"`
		SubjectID   string `query:"subject_id"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []TimelineEntry `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		sigs, err := e.Repo.ListSignals(ctx, repo.SignalFilters{
			Tenant:      input.Tenant,
			SubjectType: input.SubjectType,
			SubjectID:   input.SubjectID,
			Limit:       limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		dirs, err := e.Repo.ListDirectives(ctx, repo.DirectiveFilters{
			Tenant:      input.Tenant,
			SubjectType: input.SubjectType,
			SubjectID:   input.SubjectID,
			Limit:       limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		entries := make([]TimelineEntry, 0, len(sigs)+len(dirs))
		for _, s := range sigs {
			sr := signalResponse(s)
			entries = append(entries, TimelineEntry{Kind: "signal", CreatedAt: s.CreatedAt, Signal: &sr})
		}
		for _, d := range dirs {
			dr := directiveResponse(d)
			entries = append(entries, TimelineEntry{Kind: "directive", CreatedAt: d.CreatedAt, Directive: &dr})
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt > entries[j].CreatedAt })
		if len(entries) > limit {
			entries = entries[:limit]
		}
		return &struct {
			Body []TimelineEntry `json:"body"`
		}{Body: entries}, nil
	})
}
