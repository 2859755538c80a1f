package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgeaid/client/internal/apiclient"
	"github.com/bridgeaid/client/internal/catalog"
	"github.com/bridgeaid/client/internal/session"
	"github.com/bridgeaid/client/internal/tokenstore"
	"github.com/bridgeaid/client/internal/tokenstore/memory"
	"github.com/bridgeaid/client/pkg/health"
	"github.com/bridgeaid/client/pkg/httpclient"
	"github.com/bridgeaid/client/pkg/logger"
	"github.com/bridgeaid/client/pkg/middleware"
)

// fakeBackend mimics the REST API the agent fronts.
type fakeBackend struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
}

func (b *fakeBackend) last() (*http.Request, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		return nil, ""
	}
	return b.requests[len(b.requests)-1], b.bodies[len(b.bodies)-1]
}

func (b *fakeBackend) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.requests = append(b.requests, r)
	b.bodies = append(b.bodies, string(body))
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	authed := r.Header.Get("Authorization") == "Bearer x"

	switch {
	case r.URL.Path == "/api/users/token/":
		var creds map[string]string
		_ = json.Unmarshal(body, &creds)
		if creds["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"No active account found with the given credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access":"x","refresh":"y"}`))
	case r.URL.Path == "/api/users/register/":
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"message":"User registered successfully"}`))
	case !authed:
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Authentication credentials were not provided."}`))
	case r.URL.Path == "/api/users/me/" && r.Method == http.MethodGet:
		_, _ = w.Write([]byte(`{"id":1,"email":"a@b.com"}`))
	case r.URL.Path == "/api/users/me/" && r.Method == http.MethodPut:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"phone":["Enter a valid phone number."]}`))
	case r.URL.Path == "/api/vacancies/" && r.Method == http.MethodGet:
		_, _ = w.Write([]byte(`[{"id":"v1","title":"Welder"}]`))
	case r.URL.Path == "/api/vacancies/" && r.Method == http.MethodPost:
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"Not found."}`))
	}
}

type testAgent struct {
	handler  http.Handler
	backend  *fakeBackend
	sessions *session.Manager
	tokens   *memory.Store
}

func newTestAgent(t *testing.T) *testAgent {
	t.Helper()
	return newTestAgentWith(t, DefaultConfig())
}

func newTestAgentWith(t *testing.T, cfg Config) *testAgent {
	t.Helper()

	backend := &fakeBackend{}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	tokens := memory.New()
	client, err := apiclient.New(srv.URL+"/api", httpclient.New(httpclient.DefaultConfig()), tokens, logger.Discard())
	require.NoError(t, err)

	sessions := session.NewManager(catalog.New(client).Users, tokens, logger.Discard())
	client.OnCredentialsCleared(sessions.CredentialsCleared)

	hh := health.NewHandler()
	hh.RegisterCritical("token_store", func(ctx context.Context) error {
		return tokenstore.Ping(ctx, tokens)
	})

	return &testAgent{
		handler:  NewRouter(cfg, sessions, client, hh, logger.Discard()),
		backend:  backend,
		sessions: sessions,
		tokens:   tokens,
	}
}

func (a *testAgent) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "127.0.0.1:53000"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *testAgent) login(t *testing.T) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/v1/session/login", `{"email":"a@b.com","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeSession(t *testing.T, body []byte) session.Session {
	t.Helper()
	var env struct {
		Data struct {
			State string          `json:"state"`
			User  session.Profile `json:"user"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	s := session.Session{User: env.Data.User}
	switch env.Data.State {
	case "authenticated":
		s.State = session.Authenticated
	case "unauthenticated":
		s.State = session.Unauthenticated
	}
	return s
}

func TestSession_GetBeforeInitialize(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodGet, "/v1/session", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"state":"unresolved","user":null,"loading":true}}`, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestSession_LoginSuccess(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodPost, "/v1/session/login", `{"email":"a@b.com","password":"pw"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())

	s := decodeSession(t, a.do(t, http.MethodGet, "/v1/session", "").Body.Bytes())
	assert.Equal(t, session.Authenticated, s.State)
	assert.Equal(t, "a@b.com", s.User.Email())

	pair, err := tokenstore.LoadPair(context.Background(), a.tokens)
	require.NoError(t, err)
	assert.Equal(t, tokenstore.Pair{Access: "x", Refresh: "y"}, pair)
}

func TestSession_LoginFailure(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodPost, "/v1/session/login", `{"email":"a@b.com","password":"nope"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"No active account found with the given credentials"}`, rec.Body.String())
}

func TestSession_LoginMalformedBody(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodPost, "/v1/session/login", `{"email":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_INPUT")
}

func TestSession_Register(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodPost, "/v1/session/register", `{"email":"a@b.com","password":"pw","password2":"pw"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":{"message":"User registered successfully"}}`, rec.Body.String())

	rec = a.do(t, http.MethodPost, "/v1/session/register", `{"email":"a@b.com","password":"pw","password2":"px"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"password2 must match password"}`, rec.Body.String())
}

func TestSession_Logout(t *testing.T) {
	a := newTestAgent(t)
	a.login(t)

	rec := a.do(t, http.MethodPost, "/v1/session/logout", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.Unauthenticated, decodeSession(t, rec.Body.Bytes()).State)
	pair, _ := tokenstore.LoadPair(context.Background(), a.tokens)
	assert.Equal(t, tokenstore.Pair{}, pair)
}

func TestSession_Profile(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodGet, "/v1/session/profile", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	a.login(t)

	rec = a.do(t, http.MethodGet, "/v1/session/profile", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"id":1,"email":"a@b.com"}}`, rec.Body.String())

	// Backend validation errors come back verbatim.
	rec = a.do(t, http.MethodPut, "/v1/session/profile", `{"phone":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"phone":["Enter a valid phone number."]}`, rec.Body.String())
}

func TestProxy_ForwardsWithBearer(t *testing.T) {
	a := newTestAgent(t)
	a.login(t)

	rec := a.do(t, http.MethodGet, "/v1/api/vacancies/?status=open", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"v1","title":"Welder"}]`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	req, _ := a.backend.last()
	require.NotNil(t, req)
	assert.Equal(t, "/api/vacancies/", req.URL.Path)
	assert.Equal(t, "open", req.URL.Query().Get("status"))
	assert.Equal(t, "Bearer x", req.Header.Get("Authorization"))
	assert.Equal(t, rec.Header().Get("X-Correlation-ID"), req.Header.Get("X-Correlation-ID"))
}

func TestProxy_ForwardsBody(t *testing.T) {
	a := newTestAgent(t)
	a.login(t)

	rec := a.do(t, http.MethodPost, "/v1/api/vacancies/", `{"title":"Welder"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"title":"Welder"}`, rec.Body.String())
	req, body := a.backend.last()
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"title":"Welder"}`, body)
}

func TestProxy_PassesBackendErrorsThrough(t *testing.T) {
	a := newTestAgent(t)
	a.login(t)

	rec := a.do(t, http.MethodGet, "/v1/api/housing/missing/", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"Not found."}`, rec.Body.String())
}

func TestProxy_UnauthenticatedGets401(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodGet, "/v1/api/vacancies/", "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"Authentication credentials were not provided."}`, rec.Body.String())
}

func TestProxy_RejectsAbsoluteTarget(t *testing.T) {
	a := newTestAgent(t)
	a.login(t)
	before := a.backend.count()

	rec := a.do(t, http.MethodGet, "/v1/api//evil.example/steal", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, before, a.backend.count())
}

func TestProxy_MethodNotAllowed(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodHead, "/v1/api/vacancies/", "")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type downDispatcher struct{ err error }

func (d downDispatcher) Dispatch(context.Context, apiclient.Request) (*apiclient.Response, error) {
	return nil, d.err
}

func TestProxy_TransportFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unreachable", errors.New("dial tcp 127.0.0.1:8000: connect: connection refused"), http.StatusBadGateway, "BAD_GATEWAY"},
		{"breaker open", httpclient.ErrCircuitOpen, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewProxyHandler(downDispatcher{err: tt.err}, logger.Discard())
			req := httptest.NewRequest(http.MethodGet, "/v1/api/vacancies/", nil)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.code)
		})
	}
}

func TestRouter_RejectsRemoteCallers(t *testing.T) {
	a := newTestAgent(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.RemoteAddr = "203.0.113.7:40000"
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_Health(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"token_store"`)
}

func TestRouter_Metrics(t *testing.T) {
	a := newTestAgent(t)
	a.do(t, http.MethodGet, "/v1/session", "")

	rec := a.do(t, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridgeaid_agent_requests_total")
}

func TestRouter_PprofDisabledByDefault(t *testing.T) {
	a := newTestAgent(t)

	rec := a.do(t, http.MethodGet, "/debug/pprof/", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvents_StreamsTransitions(t *testing.T) {
	a := newTestAgent(t)
	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/session/events", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var first map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, "unresolved", first["state"])

	resp, err := http.Post(srv.URL+"/v1/session/login", "application/json",
		strings.NewReader(`{"email":"a@b.com","password":"pw"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var next map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &next))
	assert.Equal(t, "authenticated", next["state"])
	user, ok := next["user"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a@b.com", user["email"])

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestRouter_RefusesForeignOrigin(t *testing.T) {
	a := newTestAgent(t)
	a.login(t)
	before := a.backend.count()

	req := httptest.NewRequest(http.MethodGet, "/v1/api/users/me/", nil)
	req.RemoteAddr = "127.0.0.1:53000"
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotContains(t, rec.Body.String(), "a@b.com")
	assert.Equal(t, before, a.backend.count())

	// A text/plain POST skips the preflight; it must not sign the user out.
	req = httptest.NewRequest(http.MethodPost, "/v1/session/logout", strings.NewReader("x"))
	req.RemoteAddr = "127.0.0.1:53000"
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, session.Authenticated, a.sessions.Current().State)
	pair, err := tokenstore.LoadPair(context.Background(), a.tokens)
	require.NoError(t, err)
	assert.Equal(t, tokenstore.Pair{Access: "x", Refresh: "y"}, pair)
}

func TestRouter_ListedOriginAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORS.AllowedOrigins = []string{"app://bridgeaid"}
	a := newTestAgentWith(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.RemoteAddr = "127.0.0.1:53000"
	req.Header.Set("Origin", "app://bridgeaid")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "app://bridgeaid", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_WildcardIgnoredOutsideDevelopment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CORS.AllowedOrigins = []string{"*"}
	a := newTestAgentWith(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/session", nil)
	req.RemoteAddr = "127.0.0.1:53000"
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouter_AgentToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AgentToken = "s3cret"
	a := newTestAgentWith(t, cfg)

	send := func(method, path, token string) int {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "127.0.0.1:53000"
		if token != "" {
			req.Header.Set(middleware.AgentTokenHeader, token)
		}
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, send(http.MethodGet, "/v1/session", ""))
	assert.Equal(t, http.StatusUnauthorized, send(http.MethodPost, "/v1/session/logout", "guess"))
	assert.Equal(t, http.StatusUnauthorized, send(http.MethodGet, "/v1/api/vacancies/", ""))
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/v1/session", "s3cret"))
	// Health stays reachable for the shell's readiness poll.
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "/health/live", ""))
}

func TestEvents_AgentTokenAndOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AgentToken = "s3cret"
	a := newTestAgentWith(t, cfg)
	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/session/events"

	_, resp, err := websocket.Dial(ctx, base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, base+"?"+middleware.AgentTokenQuery+"=s3cret", &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.Dial(ctx, base+"?"+middleware.AgentTokenQuery+"=s3cret", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var first map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, "unresolved", first["state"])
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestOriginPatterns(t *testing.T) {
	dev := middleware.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000", "*"},
		Environment:    "development",
	}
	assert.Equal(t, []string{"*"}, originPatterns(dev))

	prod := dev
	prod.Environment = "production"
	assert.Equal(t, []string{"localhost:3000"}, originPatterns(prod))

	assert.Equal(t, []string{"localhost:3000", "app.bridgeaid.example"}, originPatterns(middleware.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000", "https://app.bridgeaid.example", "::bad"},
	}))
	assert.Nil(t, originPatterns(middleware.CORSConfig{}))
}
