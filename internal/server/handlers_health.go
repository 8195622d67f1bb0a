package server

import (
	"net/http"
	"time"

	"github.com/selfdb-io/selfdb/internal/httpapi"
	"github.com/selfdb-io/selfdb/internal/model"
)

// HandleHealth handles GET /api/v1/health: process liveness only.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httpapi.WriteJSON(w, r, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}

// HandleHealthDB handles GET /api/v1/health/db: pings the pool.
func (h *Handlers) HandleHealthDB(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Error("db health check failed", "error", err)
		httpapi.WriteError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstream, "database unreachable")
		return
	}
	httpapi.WriteJSON(w, r, http.StatusOK, map[string]string{"status": "ok", "database": "ok"})
}

// HandleOpenAPISpec handles GET /api/v1/openapi.json.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		httpapi.WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "spec not embedded in this build")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

const docsPage = `<!DOCTYPE html>
<html>
<head>
  <title>SelfDB API</title>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
</head>
<body>
  <redoc spec-url="/api/v1/openapi.json"></redoc>
  <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>`

// HandleDocs handles GET /api/v1/docs: a minimal HTML page rendering
// the embedded spec.
func (h *Handlers) HandleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(docsPage))
}
