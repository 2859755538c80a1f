// Package session tracks whether a user is signed in and who they are.
//
// A Manager is the single writer of the current Session. Readers either poll
// Current or Subscribe to receive every transition.
package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// State is the authentication state of a session.
type State int

const (
	// Unresolved is the state before Initialize has finished.
	Unresolved State = iota
	Authenticated
	Unauthenticated
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is a snapshot of the authentication state. User is non-nil only
// when State is Authenticated.
type Session struct {
	State State   `json:"state"`
	User  Profile `json:"user"`
	// Loading is true until the initial resolution has finished.
	Loading bool `json:"loading"`
	// AccessExpiresAt is read from the stored access token, unverified. Zero
	// when unknown.
	AccessExpiresAt time.Time `json:"access_expires_at,omitzero"`
}

// Authenticated reports whether a user is signed in.
func (s Session) Authenticated() bool {
	return s.State == Authenticated
}

// ExpiresIn returns how long the access token of s stays valid, or zero when
// unknown or already expired.
func (s Session) ExpiresIn(now time.Time) time.Duration {
	if s.AccessExpiresAt.IsZero() || !now.Before(s.AccessExpiresAt) {
		return 0
	}
	return s.AccessExpiresAt.Sub(now)
}

func initial() Session {
	return Session{State: Unresolved, Loading: true}
}

// Profile is the user record as the backend returns it. Fields are passed
// through untouched; the accessors cover the ones the client reads itself.
type Profile map[string]any

// ParseProfile decodes a profile response body.
func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("decode profile: empty object")
	}
	return p, nil
}

// ID returns the user id as a string. Numeric ids are formatted without an
// exponent.
func (p Profile) ID() string {
	switch v := p["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func (p Profile) Email() string     { return p.str("email") }
func (p Profile) FirstName() string { return p.str("first_name") }
func (p Profile) LastName() string  { return p.str("last_name") }
func (p Profile) Phone() string     { return p.str("phone") }

func (p Profile) str(key string) string {
	s, _ := p[key].(string)
	return s
}

// Result is the outcome of Login and Register. Failures are reported here
// rather than as errors so callers can show Error directly.
type Result struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func failure(msg string) Result {
	return Result{Success: false, Error: msg}
}
