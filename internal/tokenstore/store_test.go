package tokenstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgeaid/client/internal/tokenstore"
)

// plainStore implements only the base Store contract, with failure injection.
type plainStore struct {
	values    map[string]string
	setErr    map[string]error
	removeErr map[string]error
	getErr    error
	order     []string
}

func newPlainStore() *plainStore {
	return &plainStore{
		values:    make(map[string]string),
		setErr:    make(map[string]error),
		removeErr: make(map[string]error),
	}
}

func (s *plainStore) Get(_ context.Context, name string) (string, bool, error) {
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.values[name]
	return v, ok, nil
}

func (s *plainStore) Set(_ context.Context, name, value string) error {
	if err := s.setErr[name]; err != nil {
		return err
	}
	s.order = append(s.order, "set "+name)
	s.values[name] = value
	return nil
}

func (s *plainStore) Remove(_ context.Context, name string) error {
	s.order = append(s.order, "remove "+name)
	if err := s.removeErr[name]; err != nil {
		return err
	}
	delete(s.values, name)
	return nil
}

func TestSavePair_WritesRefreshFirst(t *testing.T) {
	s := newPlainStore()
	require.NoError(t, tokenstore.SavePair(context.Background(), s, tokenstore.Pair{Access: "a", Refresh: "r"}))

	assert.Equal(t, []string{"set refresh_token", "set access_token"}, s.order)
}

func TestSavePair_RefreshFailureStoresNothing(t *testing.T) {
	s := newPlainStore()
	s.setErr[tokenstore.RefreshToken] = errors.New("disk full")

	err := tokenstore.SavePair(context.Background(), s, tokenstore.Pair{Access: "a", Refresh: "r"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "set refresh_token")
	assert.Empty(t, s.values)
}

func TestClearPair_AttemptsBothAndJoinsErrors(t *testing.T) {
	s := newPlainStore()
	s.values[tokenstore.AccessToken] = "a"
	s.values[tokenstore.RefreshToken] = "r"
	errAccess := errors.New("locked")
	s.removeErr[tokenstore.AccessToken] = errAccess

	err := tokenstore.ClearPair(context.Background(), s)
	require.Error(t, err)
	assert.ErrorIs(t, err, errAccess)
	assert.Equal(t, []string{"remove access_token", "remove refresh_token"}, s.order)
	assert.NotContains(t, s.values, tokenstore.RefreshToken)
}

func TestLoadPair_PropagatesErrors(t *testing.T) {
	s := newPlainStore()
	s.getErr = errors.New("io error")

	_, err := tokenstore.LoadPair(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get access_token")
}

func TestLoadPair_MissingEntriesAreEmpty(t *testing.T) {
	s := newPlainStore()
	s.values[tokenstore.RefreshToken] = "r"

	p, err := tokenstore.LoadPair(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, tokenstore.Pair{Refresh: "r"}, p)
	assert.False(t, p.Complete())
}

func TestPing_WithoutPingerIsNil(t *testing.T) {
	assert.NoError(t, tokenstore.Ping(context.Background(), newPlainStore()))
}
