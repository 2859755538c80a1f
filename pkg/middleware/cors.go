package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bridgeaid/client/pkg/httputil"
)

// AgentTokenHeader carries the per-launch agent secret.
const AgentTokenHeader = "X-BridgeAID-Agent-Token"

// CORSConfig holds configuration for the CORS middleware.
type CORSConfig struct {
	// AllowedOrigins lists origins (e.g. "http://localhost:19006") allowed to
	// call the agent. "*" allows any origin, but only in development.
	AllowedOrigins []string

	// AllowedMethods defaults to GET, POST, PUT, PATCH, DELETE, OPTIONS.
	AllowedMethods []string

	// AllowedHeaders defaults to Accept, Content-Type, X-Correlation-ID,
	// traceparent and the agent token header.
	AllowedHeaders []string

	// ExposedHeaders is the list of headers the browser may read.
	ExposedHeaders []string

	// MaxAge in seconds; defaults to 600.
	MaxAge int

	// Environment controls wildcard behavior. A "*" origin is honored only
	// when Environment is "development"; elsewhere it is ignored.
	Environment string
}

// DefaultCORSConfig admits no browser origin. Callers that send no Origin
// header (the desktop shell, the CLI, curl) are unaffected.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		ExposedHeaders: []string{CorrelationHeader, "traceparent"},
		Environment:    "production",
	}
}

// WildcardAllowed reports whether cfg admits any origin.
func (cfg CORSConfig) WildcardAllowed() bool {
	if cfg.Environment != "development" {
		return false
	}
	for _, o := range cfg.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// CORS returns middleware that answers preflights and sets CORS headers.
// A request carrying an Origin that is not allowed is refused with 403
// before it reaches the handler, so a foreign page can neither read nor
// trigger anything through the agent.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Accept", "Content-Type", CorrelationHeader, "traceparent", AgentTokenHeader}
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 600
	}

	allowAny := cfg.WildcardAllowed()
	originSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o != "" && o != "*" {
			originSet[strings.TrimRight(o, "/")] = struct{}{}
		}
	}

	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	exposed := strings.Join(cfg.ExposedHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			_, listed := originSet[origin]
			switch {
			case allowAny:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case listed:
				w.Header().Set("Access-Control-Allow-Origin", origin)
			default:
				httputil.WriteJSON(w, http.StatusForbidden, httputil.Response{
					Error: &httputil.ErrorResponse{
						Code:    "ORIGIN_NOT_ALLOWED",
						Message: "origin " + strconv.Quote(origin) + " may not call the agent",
					},
				})
				return
			}

			w.Header().Set("Access-Control-Allow-Methods", methods)
			w.Header().Set("Access-Control-Allow-Headers", headers)
			if exposed != "" {
				w.Header().Set("Access-Control-Expose-Headers", exposed)
			}
			w.Header().Set("Access-Control-Max-Age", maxAge)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
