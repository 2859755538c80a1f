package apiclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/codes"

	"github.com/bridgeaid/client/internal/tokenstore"
	apperrors "github.com/bridgeaid/client/pkg/errors"
	"github.com/bridgeaid/client/pkg/httpclient"
	"github.com/bridgeaid/client/pkg/logger"
)

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access string `json:"access"`
	// Refresh is only present when the backend rotates refresh tokens.
	Refresh string `json:"refresh,omitempty"`
}

// refresh obtains a new access token. Concurrent callers holding the same
// refresh token share one backend call. ok is false when no new token could
// be obtained; in every case except a missing refresh token both stored
// tokens have then been cleared.
func (c *Client) refresh(ctx context.Context) (access string, ok bool) {
	refreshToken := c.readToken(ctx, tokenstore.RefreshToken)
	if refreshToken == "" {
		tokenRefreshTotal.WithLabelValues(outcomeNoToken).Inc()
		return "", false
	}

	// The shared call must not die with whichever caller happened to start it.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.refreshGroup.Do(refreshToken, func() (any, error) {
		return c.exchange(shared, refreshToken)
	})
	if err != nil {
		return "", false
	}
	return v.(string), true
}

// exchange calls the refresh endpoint and stores the result. On failure it
// clears the credential pair and notifies OnCredentialsCleared hooks.
func (c *Client) exchange(ctx context.Context, refreshToken string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "apiclient.refresh")
	defer span.End()

	log := logger.WithContext(ctx, c.logger)

	access, err := c.requestAccessToken(ctx, refreshToken)
	if err != nil {
		outcome := outcomeFailed
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) {
			outcome = outcomeRejected
		}
		tokenRefreshTotal.WithLabelValues(outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "token refresh failed")

		log.WarnContext(ctx, "token refresh failed, clearing credentials",
			slog.String("outcome", outcome),
			slog.String("error", err.Error()),
		)
		if clearErr := tokenstore.ClearPair(ctx, c.tokens); clearErr != nil {
			log.ErrorContext(ctx, "clear credentials after failed refresh",
				slog.String("error", clearErr.Error()),
			)
		}
		c.credentialsCleared(ctx)
		return "", err
	}

	tokenRefreshTotal.WithLabelValues(outcomeRefreshed).Inc()
	log.InfoContext(ctx, "access token refreshed", logger.Token("access_token", access))
	return access, nil
}

func (c *Client) requestAccessToken(ctx context.Context, refreshToken string) (string, error) {
	req, err := JSONRequest(http.MethodPost, RefreshPath, refreshRequest{Refresh: refreshToken})
	if err != nil {
		return "", err
	}

	resp, err := c.send(ctx, req.AsAnonymous(), "")
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if !httpclient.IsSuccess(resp.Status) {
		return "", fmt.Errorf("refresh token: %w", httpclient.ParseResponseError(resp.Status, resp.Body))
	}

	var out refreshResponse
	if err := resp.Decode(&out); err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if out.Access == "" {
		return "", fmt.Errorf("refresh token: %w", apperrors.InvalidResponse("refresh response has no access token"))
	}

	if out.Refresh != "" {
		err = tokenstore.SavePair(ctx, c.tokens, tokenstore.Pair{Access: out.Access, Refresh: out.Refresh})
	} else {
		err = c.tokens.Set(ctx, tokenstore.AccessToken, out.Access)
	}
	if err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}
	return out.Access, nil
}
