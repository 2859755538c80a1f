package agent

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bridgeaid/client/internal/apiclient"
	apperrors "github.com/bridgeaid/client/pkg/errors"
	"github.com/bridgeaid/client/pkg/httputil"
)

// maxProxyBodyBytes caps request bodies forwarded to the backend, which
// includes document uploads.
const maxProxyBodyBytes = 32 << 20

// forwardedHeaders are copied from the UI request to the backend request.
var forwardedHeaders = []string{"Accept", "Accept-Language"}

// ProxyHandler forwards /v1/api/* to the backend through the API client, so
// the UI never handles tokens itself.
type ProxyHandler struct {
	backend Dispatcher
	logger  *slog.Logger
}

// NewProxyHandler creates a proxy handler.
func NewProxyHandler(backend Dispatcher, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{backend: backend, logger: logger}
}

// ServeHTTP handles /v1/api/{path}. The backend's status and body are
// written back unchanged, including for failures.
func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		w.Header().Set("Allow", "GET, POST, PUT, PATCH, DELETE")
		httputil.WriteJSON(w, http.StatusMethodNotAllowed, httputil.Response{
			Error: &httputil.ErrorResponse{Code: "METHOD_NOT_ALLOWED", Message: "method not allowed"},
		})
		return
	}

	req := apiclient.NewRequest(r.Method, "/"+chi.URLParam(r, "*"))
	if len(r.URL.Query()) > 0 {
		req = req.WithQuery(r.URL.Query())
	}
	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			req = req.WithHeader(name, v)
		}
	}

	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodDelete {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBodyBytes))
		if err != nil {
			httputil.WriteError(w, r, apperrors.InvalidInput("read request body: "+err.Error()), h.logger)
			return
		}
		if len(body) > 0 {
			req = req.WithBody(r.Header.Get("Content-Type"), body)
		}
	}

	resp, err := h.backend.Dispatch(r.Context(), req)
	if err != nil {
		writeBackendError(w, r, err, h.logger)
		return
	}
	httputil.WriteRaw(w, resp.Status, resp.Header.Get("Content-Type"), resp.Body)
}
