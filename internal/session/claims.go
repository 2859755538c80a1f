package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims are the parts of a simplejwt access token the client reads.
type accessClaims struct {
	UserID    string
	ExpiresAt time.Time
}

// readClaims decodes the payload of an access token without verifying the
// signature. The client has no key to verify with; the result is used for
// display and log enrichment only and never decides authentication.
func readClaims(token string) (accessClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return accessClaims{}, fmt.Errorf("parse access token: %w", err)
	}

	var out accessClaims
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}

	switch v := claims["user_id"].(type) {
	case string:
		out.UserID = v
	case float64:
		out.UserID = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if out.UserID == "" {
		out.UserID, _ = claims.GetSubject()
	}
	return out, nil
}
