package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gigline/internal/apperr"
	"gigline/internal/chat"
	"gigline/internal/engine"
	"gigline/internal/identity"
)

// Config for the HTTP API handler.
type Config struct {
	Engine             engine.Engine
	Chat               *chat.WSHandler
	Verifier           identity.Verifier
	BasePath           string
	CORSOrigins        []string
	RateLimitPerMinute int
	Logger             *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gig_not_open"`
	Message string         `json:"message" example:"gig is not open"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"accepted\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gigline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Verifier == nil {
		cfg.Verifier = cfg.Engine.Identity
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("server: a token verifier is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		// Schema and request validation errors are plain 400s.
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		code := ""
		if status == http.StatusBadRequest {
			code = "validation_failed"
		}
		return newAPIError(status, code, msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(cors(cfg.CORSOrigins))
	if cfg.RateLimitPerMinute > 0 {
		router.Use(rateLimit(cfg.RateLimitPerMinute))
	}
	router.Use(newAuthMiddleware(basePath, cfg.Verifier))
	hcfg := huma.DefaultConfig("Gigline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGigs(group, cfg.Engine)
	registerGigExtras(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerAuth(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerHomes(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerChat(router, basePath, cfg.Chat)
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

// handleError renders an engine error. Dependency failures and anything
// outside the taxonomy become an opaque 500.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var details map[string]any
	var ae *apperr.Error
	if errors.As(err, &ae) {
		details = ae.Details
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return newAPIError(http.StatusBadRequest, "validation_failed", ae.Message, details)
	case apperr.KindAuthentication:
		return newAPIError(http.StatusUnauthorized, "unauthorized", ae.Message, nil)
	case apperr.KindAuthorization:
		return newAPIError(http.StatusForbidden, "forbidden", ae.Message, details)
	case apperr.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", ae.Message, details)
	case apperr.KindConflict:
		status := http.StatusBadRequest
		switch ae.Code {
		case "cannot_accept_own_gig":
			status = http.StatusForbidden
		case "email_taken":
			status = http.StatusConflict
		}
		return newAPIError(status, ae.Code, ae.Message, details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
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
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

// eachOperation visits every registered operation with its path.
func eachOperation(oas *huma.OpenAPI, fn func(route string, op *huma.Operation)) {
	for route, item := range oas.Paths {
		ops := []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
		for _, op := range ops {
			if op != nil {
				fn(route, op)
			}
		}
	}
}

// ensureDefaultErrorResponses documents the error envelope on every operation.
func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil {
		return
	}
	envelope := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	eachOperation(oas, func(_ string, op *huma.Operation) {
		if op.Responses == nil {
			op.Responses = map[string]*huma.Response{}
		}
		op.Responses["default"] = envelope
	})
}

// publicRoutes need no credential. The value restricts the method; empty
// means every method.
var publicRoutes = map[string]string{
	"health":        "",
	"auth/register": "",
	"auth/login":    "",
	"gigs":          http.MethodGet,
	"gigs/{id}":     http.MethodGet,
}

func isPublic(rel, method string) bool {
	m, ok := publicRoutes[rel]
	return ok && (m == "" || m == method)
}

// applyAuthSecurity marks every operation outside publicRoutes as requiring
// the bearer scheme.
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	bearer := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = bearer
	eachOperation(oas, func(route string, op *huma.Operation) {
		rel := strings.Trim(strings.TrimPrefix(route, basePath), "/")
		if isPublic(rel, op.Method) {
			op.Security = []map[string][]string{}
			return
		}
		op.Security = bearer
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gigline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; from POST /auth/login.
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

// registerChat mounts the WebSocket endpoint. The auth middleware has already
// resolved the caller from the header or the token query parameter.
func registerChat(r chi.Router, basePath string, h *chat.WSHandler) {
	if h == nil {
		return
	}
	r.Get(path.Join(basePath, "ws"), func(w http.ResponseWriter, req *http.Request) {
		userID, authErr := actorIDFromContext(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		h.Serve(w, req, userID)
	})
}
