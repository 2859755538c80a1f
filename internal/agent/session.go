package agent

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/bridgeaid/client/internal/session"
	apperrors "github.com/bridgeaid/client/pkg/errors"
	"github.com/bridgeaid/client/pkg/httpclient"
	"github.com/bridgeaid/client/pkg/httputil"
	"github.com/bridgeaid/client/pkg/logger"
	"github.com/bridgeaid/client/pkg/middleware"
)

// maxRequestBytes caps JSON bodies sent to the session endpoints.
const maxRequestBytes = 1 << 20

// SessionHandler exposes the session manager.
type SessionHandler struct {
	sessions       *session.Manager
	originPatterns []string
	logger         *slog.Logger
}

// NewSessionHandler creates a session handler. The event stream accepts the
// same origins as cors.
func NewSessionHandler(sessions *session.Manager, cors middleware.CORSConfig, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:       sessions,
		originPatterns: originPatterns(cors),
		logger:         logger,
	}
}

// --- Request DTOs ---

// LoginRequest is the JSON body of POST /v1/session/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// --- Handlers ---

// Get handles GET /v1/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: h.sessions.Current()})
}

// Login handles POST /v1/session/login
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	res := h.sessions.Login(r.Context(), req.Email, req.Password)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnauthorized
	}
	httputil.WriteJSON(w, status, res)
}

// Register handles POST /v1/session/register
func (h *SessionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req session.Registration
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	res := h.sessions.Register(r.Context(), req)
	status := http.StatusCreated
	if !res.Success {
		status = http.StatusBadRequest
	}
	httputil.WriteJSON(w, status, res)
}

// Logout handles POST /v1/session/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Logout(r.Context())
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: s})
}

// ReloadProfile handles GET /v1/session/profile
func (h *SessionHandler) ReloadProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.sessions.ReloadProfile(r.Context())
	if err != nil {
		writeBackendError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: profile})
}

// UpdateProfile handles PUT /v1/session/profile
func (h *SessionHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var fields map[string]any
	if err := decodeJSON(r, &fields); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	profile, err := h.sessions.UpdateProfile(r.Context(), fields)
	if err != nil {
		writeBackendError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: profile})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(dst); err != nil {
		return apperrors.InvalidInput("invalid request body: " + err.Error())
	}
	return nil
}

// writeBackendError writes a backend rejection with the backend's own status
// and body. Transport failures become 502; everything else goes through
// httputil.WriteError.
func writeBackendError(w http.ResponseWriter, r *http.Request, err error, log *slog.Logger) {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		httputil.WriteRaw(w, apiErr.Status, "application/json", apiErr.Body)
		return
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		httputil.WriteError(w, r, err, log)
		return
	}

	status, code, message := http.StatusBadGateway, "BAD_GATEWAY", "backend unreachable"
	if errors.Is(err, httpclient.ErrCircuitOpen) {
		status, code, message = http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "backend temporarily unavailable"
	}
	logger.WithContext(r.Context(), log).WarnContext(r.Context(), "backend call failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	httputil.WriteJSON(w, status, httputil.Response{
		Error: &httputil.ErrorResponse{
			Code:      code,
			Message:   message,
			RequestID: logger.CorrelationIDFromContext(r.Context()),
		},
	})
}
