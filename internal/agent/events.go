package agent

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/bridgeaid/client/internal/session"
	"github.com/bridgeaid/client/pkg/logger"
	"github.com/bridgeaid/client/pkg/middleware"
)

const (
	eventsWriteTimeout = 5 * time.Second
	eventsPingInterval = 30 * time.Second
)

// Events handles GET /v1/session/events. The stream carries the current
// Session first and then one JSON message per transition. Client messages
// are ignored.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		// Accept has already written the error response.
		h.logger.InfoContext(r.Context(), "session events upgrade rejected",
			slog.String("origin", r.Header.Get("Origin")),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	log := logger.WithContext(r.Context(), h.logger)

	// CloseRead drains client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	updates, cancel := h.sessions.Subscribe()
	defer cancel()

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			log.DebugContext(r.Context(), "session events stream closed")
			return
		case s, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := writeSession(ctx, conn, s); err != nil {
				log.InfoContext(r.Context(), "session events write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, eventsWriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				log.InfoContext(r.Context(), "session events ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeSession(parent context.Context, conn *websocket.Conn, s session.Session) error {
	ctx, cancel := context.WithTimeout(parent, eventsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, s)
}

// originPatterns turns the CORS origins into websocket.Accept host
// patterns. "*" is kept only where the CORS config honors it.
func originPatterns(cors middleware.CORSConfig) []string {
	if cors.WildcardAllowed() {
		return []string{"*"}
	}
	var patterns []string
	for _, o := range cors.AllowedOrigins {
		u, err := url.Parse(strings.TrimSpace(o))
		if err != nil || u.Host == "" {
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
