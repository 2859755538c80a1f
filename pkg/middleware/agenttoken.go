package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/bridgeaid/client/pkg/httputil"
)

// AgentTokenQuery is accepted in place of AgentTokenHeader on WebSocket
// upgrades, where browsers cannot set request headers.
const AgentTokenQuery = "agent_token"

// NewAgentToken returns a random 256-bit secret, URL-safe encoded.
func NewAgentToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate agent token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// RequireAgentToken refuses requests that do not present token. An empty
// token disables the check.
func RequireAgentToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)

	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AgentTokenHeader)
			if got == "" && isWebSocketUpgrade(r) {
				got = r.URL.Query().Get(AgentTokenQuery)
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.Response{
					Error: &httputil.ErrorResponse{
						Code:    "AGENT_TOKEN_REQUIRED",
						Message: "missing or invalid " + AgentTokenHeader,
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
