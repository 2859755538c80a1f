// Package apiclient is the single funnel for backend calls. It attaches the
// stored access token, and on a 401 performs at most one silent token
// refresh followed by at most one retry of the original request.
package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/bridgeaid/client/internal/tokenstore"
	apperrors "github.com/bridgeaid/client/pkg/errors"
	"github.com/bridgeaid/client/pkg/httpclient"
	"github.com/bridgeaid/client/pkg/logger"
	"github.com/bridgeaid/client/pkg/tracing"
)

// RefreshPath is the backend endpoint that exchanges a refresh token for a
// new access token.
const RefreshPath = "/users/token/refresh/"

// maxRetries bounds how often one logical request is re-sent after a refresh.
const maxRetries = 1

// maxBodyBytes caps how much of a response body is read into memory.
const maxBodyBytes = 32 << 20

// Doer sends a prepared HTTP request. *httpclient.Client and
// *httpclient.CircuitBreakerClient both satisfy it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client dispatches requests to the backend.
type Client struct {
	baseURL string
	doer    Doer
	tokens  tokenstore.Store
	logger  *slog.Logger
	tracer  trace.Tracer

	refreshGroup singleflight.Group

	mu        sync.RWMutex
	onCleared []func(ctx context.Context)
}

// New returns a Client sending to baseURL (e.g. "http://localhost:8000/api").
func New(baseURL string, doer Doer, tokens tokenstore.Store, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q: missing host", baseURL)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    doer,
		tokens:  tokens,
		logger:  logger,
		tracer:  tracing.Tracer("apiclient"),
	}, nil
}

// BaseURL returns the backend base address without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Tokens returns the token store the client reads credentials from.
func (c *Client) Tokens() tokenstore.Store {
	return c.tokens
}

// OnCredentialsCleared registers fn to run after a failed refresh has
// removed both stored tokens.
func (c *Client) OnCredentialsCleared(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCleared = append(c.onCleared, fn)
}

// Dispatch sends req and returns the response for any 2xx status.
//
// Non-2xx replies come back as *httpclient.APIError. A 401 on an
// authenticated request triggers one refresh; if that yields a new access
// token the request is re-sent exactly once and whatever that attempt
// returns is final. Transport failures are returned as is and never retried.
func (c *Client) Dispatch(ctx context.Context, req Request) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "apiclient.Dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLPath(req.Path),
			attribute.Bool("bridgeaid.anonymous", req.Anonymous),
		),
	)
	defer span.End()

	var bearer string
	if !req.Anonymous {
		bearer = c.readToken(ctx, tokenstore.AccessToken)
	}

	resp, err := c.dispatch(ctx, req, bearer, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.Status))
	return resp, nil
}

// dispatch sends one attempt. attempt counts the retries already made for
// this logical request.
func (c *Client) dispatch(ctx context.Context, req Request, bearer string, attempt int) (*Response, error) {
	resp, err := c.send(ctx, req, bearer)
	if err != nil {
		return nil, err
	}
	if httpclient.IsSuccess(resp.Status) {
		return resp, nil
	}

	apiErr := httpclient.ParseResponseError(resp.Status, resp.Body)
	if resp.Status != http.StatusUnauthorized || req.Anonymous || attempt >= maxRetries {
		return nil, apiErr
	}

	access, ok := c.refresh(ctx)
	if !ok {
		return nil, apiErr
	}

	dispatchRetriesTotal.Inc()
	logger.WithContext(ctx, c.logger).DebugContext(ctx, "retrying request with refreshed token",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
	)
	return c.dispatch(ctx, req, access, attempt+1)
}

// send performs one HTTP exchange and reads the whole body.
func (c *Client) send(ctx context.Context, req Request, bearer string) (*Response, error) {
	target, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", req.Method, req.Path, err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	correlationID := logger.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = ulid.Make().String()
	}
	httpReq.Header.Set("X-Correlation-ID", correlationID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := c.doer.Do(ctx, httpReq)
	if err != nil {
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "backend request failed",
			slog.String("method", req.Method),
			slog.String("path", req.Path),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", req.Method, req.Path, err)
	}

	logger.WithContext(ctx, c.logger).DebugContext(ctx, "backend request",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", httpResp.StatusCode),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("authenticated", bearer != ""),
		slog.String("correlation_id", correlationID),
	)

	return &Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   data,
	}, nil
}

// resolve joins the base URL and the request path. The path keeps its
// trailing slash because the backend routes depend on it. Absolute URLs are
// refused so the bearer token never leaves the configured backend.
func (c *Client) resolve(req Request) (string, error) {
	if strings.Contains(req.Path, "://") || strings.HasPrefix(req.Path, "//") {
		return "", apperrors.InvalidInput(fmt.Sprintf("path %q must be relative to the backend base url", req.Path))
	}

	path, rawQuery, _ := strings.Cut(req.Path, "?")
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", apperrors.InvalidInput(fmt.Sprintf("path %q: %v", req.Path, err))
	}
	for k, vs := range req.Query {
		query[k] = append(query[k], vs...)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target, nil
}

// readToken returns the stored token or "". Store failures are logged and
// treated as absence.
func (c *Client) readToken(ctx context.Context, name string) string {
	v, ok, err := c.tokens.Get(ctx, name)
	if err != nil {
		logger.WithContext(ctx, c.logger).WarnContext(ctx, "token store read failed",
			slog.String("token", name),
			slog.String("error", err.Error()),
		)
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

func (c *Client) credentialsCleared(ctx context.Context) {
	c.mu.RLock()
	hooks := slices.Clone(c.onCleared)
	c.mu.RUnlock()

	for _, fn := range hooks {
		fn(ctx)
	}
}
