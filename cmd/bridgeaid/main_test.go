package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCLI(t *testing.T) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		authed := r.Header.Get("Authorization") == "Bearer acc"
		switch {
		case r.URL.Path == "/api/users/token/":
			var creds map[string]string
			_ = json.NewDecoder(r.Body).Decode(&creds)
			if creds["password"] != "secret" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"detail":"No active account found with the given credentials"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access":"acc","refresh":"ref"}`))
		case !authed:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Authentication credentials were not provided."}`))
		case r.URL.Path == "/api/users/me/":
			_, _ = w.Write([]byte(`{"id":9,"email":"cli@example.com"}`))
		case r.URL.Path == "/api/dashboard/stats/":
			_, _ = w.Write([]byte(`{"applications":2}`))
		case r.URL.Path == "/api/housing/":
			_, _ = w.Write([]byte(`[{"city":"` + r.URL.Query().Get("city") + `"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Not found."}`))
		}
	}))
	t.Cleanup(srv.Close)

	t.Setenv("BRIDGEAID_API_BASE_URL", srv.URL+"/api")
	t.Setenv("BRIDGEAID_TOKEN_STORE", "file")
	t.Setenv("BRIDGEAID_TOKEN_FILE", filepath.Join(t.TempDir(), "tokens.json"))
	t.Setenv("LOG_LEVEL", "error")
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout bytes.Buffer
	full := append([]string{"-env", filepath.Join(t.TempDir(), "missing.env")}, args...)
	err := run(context.Background(), full, strings.NewReader(stdin), &stdout, io.Discard)
	return stdout.String(), err
}

func TestCLI_LoginThenWhoami(t *testing.T) {
	setupCLI(t)

	out, err := runCLI(t, "secret\n", "login", "-email", "cli@example.com")
	require.NoError(t, err)
	assert.Equal(t, "signed in as cli@example.com\n", out)

	// A fresh process picks the tokens up from the file store.
	out, err = runCLI(t, "", "whoami")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":9,"email":"cli@example.com"}`, out)

	out, err = runCLI(t, "", "stats")
	require.NoError(t, err)
	assert.JSONEq(t, `{"applications":2}`, out)

	_, err = runCLI(t, "", "logout")
	require.NoError(t, err)

	_, err = runCLI(t, "", "whoami")
	assert.ErrorIs(t, err, errNotSignedIn)
}

func TestCLI_LoginRejected(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "", "login", "-email", "cli@example.com", "-password", "wrong")

	require.Error(t, err)
	assert.Equal(t, "No active account found with the given credentials", err.Error())
}

func TestCLI_ListAndGet(t *testing.T) {
	setupCLI(t)
	_, err := runCLI(t, "", "login", "-email", "cli@example.com", "-password", "secret")
	require.NoError(t, err)

	out, err := runCLI(t, "", "list", "housing", "city=Warsaw")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"city":"Warsaw"}]`, out)

	_, err = runCLI(t, "", "list", "spaceships")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resource")

	_, err = runCLI(t, "", "list", "housing", "nofilter")
	require.Error(t, err)

	_, err = runCLI(t, "", "get", "/nowhere/")
	require.Error(t, err)
	assert.Equal(t, "backend returned 404: Not found.", err.Error())
}

func TestCLI_Usage(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "")
	assert.ErrorIs(t, err, flag.ErrHelp)

	_, err = runCLI(t, "", "frobnicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestCLI_ServePrintsHandshake(t *testing.T) {
	setupCLI(t)
	t.Setenv("BRIDGEAID_AGENT_ADDR", "127.0.0.1:0")
	t.Setenv("BRIDGEAID_AGENT_TOKEN", "launch-secret")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout bytes.Buffer
	err := run(ctx, []string{"-env", filepath.Join(t.TempDir(), "missing.env"), "serve"},
		strings.NewReader(""), &stdout, io.Discard)
	require.NoError(t, err)

	assert.JSONEq(t, `{"addr":"127.0.0.1:0","agent_token":"launch-secret"}`, stdout.String())
}

func TestReadPassword(t *testing.T) {
	pw, err := readPassword(strings.NewReader("secret\r\nrest"))
	require.NoError(t, err)
	assert.Equal(t, "secret", pw)

	pw, err = readPassword(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", pw)

	// A pipe is an *os.File but not a terminal, so it is read as plain text.
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	_, err = w.WriteString("piped\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	pw, err = readPassword(r)
	require.NoError(t, err)
	assert.Equal(t, "piped", pw)
}
