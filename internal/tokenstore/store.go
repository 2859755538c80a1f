// Package tokenstore persists the credential pair (access and refresh token)
// between runs. Values are opaque strings; nothing here inspects them.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
)

// Fixed entry names.
const (
	AccessToken  = "access_token"
	RefreshToken = "refresh_token"
)

// Store is durable key-value storage for token strings.
//
// Get reports ok=false with a nil error when nothing is stored under name.
// Set overwrites. Remove is idempotent.
type Store interface {
	Get(ctx context.Context, name string) (value string, ok bool, err error)
	Set(ctx context.Context, name, value string) error
	Remove(ctx context.Context, name string) error
}

// PairStore is implemented by backends that can write or clear both tokens
// in a single step.
type PairStore interface {
	SetPair(ctx context.Context, p Pair) error
	ClearPair(ctx context.Context) error
}

// Pinger is implemented by backends with a reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Pair is the credential pair issued at login.
type Pair struct {
	Access  string
	Refresh string
}

// Complete reports whether both tokens are present.
func (p Pair) Complete() bool {
	return p.Access != "" && p.Refresh != ""
}

// LoadPair reads both tokens. Missing entries come back empty.
func LoadPair(ctx context.Context, s Store) (Pair, error) {
	access, _, err := s.Get(ctx, AccessToken)
	if err != nil {
		return Pair{}, fmt.Errorf("get %s: %w", AccessToken, err)
	}
	refresh, _, err := s.Get(ctx, RefreshToken)
	if err != nil {
		return Pair{}, fmt.Errorf("get %s: %w", RefreshToken, err)
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

// SavePair stores both tokens, atomically when s is a PairStore. Otherwise
// the refresh token is written first so that a stored access token always
// has a refresh token beside it.
func SavePair(ctx context.Context, s Store, p Pair) error {
	if ps, ok := s.(PairStore); ok {
		return ps.SetPair(ctx, p)
	}
	if err := s.Set(ctx, RefreshToken, p.Refresh); err != nil {
		return fmt.Errorf("set %s: %w", RefreshToken, err)
	}
	if err := s.Set(ctx, AccessToken, p.Access); err != nil {
		return fmt.Errorf("set %s: %w", AccessToken, err)
	}
	return nil
}

// ClearPair removes both tokens. On a plain Store both removals are always
// attempted and their errors joined.
func ClearPair(ctx context.Context, s Store) error {
	if ps, ok := s.(PairStore); ok {
		return ps.ClearPair(ctx)
	}
	var errs []error
	if err := s.Remove(ctx, AccessToken); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", AccessToken, err))
	}
	if err := s.Remove(ctx, RefreshToken); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", RefreshToken, err))
	}
	return errors.Join(errs...)
}

// Ping checks s when it supports it.
func Ping(ctx context.Context, s Store) error {
	if p, ok := s.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
