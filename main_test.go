package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakePature is a minimal Pature backend: login, refresh, logout, users/me.
type fakePature struct {
	*httptest.Server

	mu      sync.Mutex
	access  string
	refresh string
	gen     int

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	deviceIDs    []string
}

func newFakePature(t *testing.T) *fakePature {
	t.Helper()
	f := &fakePature{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", f.login)
	mux.HandleFunc("POST /auth/refresh", f.rotate)
	mux.HandleFunc("POST /auth/logout", f.logout)
	mux.HandleFunc("GET /users/me", f.me)
	mux.HandleFunc("GET /animals/my", f.animals)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakePature) issue(w http.ResponseWriter) {
	f.gen++
	f.access = "access-" + string(rune('0'+f.gen))
	f.refresh = "refresh-" + string(rune('0'+f.gen))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"access_token": f.access, "refresh_token": f.refresh})
}

func (f *fakePature) login(w http.ResponseWriter, r *http.Request) {
	var body struct{ Login, Password string }
	json.NewDecoder(r.Body).Decode(&body)
	if body.Password != "s3cret" {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"detail":"Invalid credentials"}`)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceIDs = append(f.deviceIDs, r.Header.Get("X-Device-Id"))
	f.issue(w)
}

func (f *fakePature) rotate(w http.ResponseWriter, r *http.Request) {
	f.refreshCalls.Add(1)
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceIDs = append(f.deviceIDs, r.Header.Get("X-Device-Id"))
	if body.RefreshToken == "" || body.RefreshToken != f.refresh {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.issue(w)
}

func (f *fakePature) logout(w http.ResponseWriter, _ *http.Request) {
	f.logoutCalls.Add(1)
	f.mu.Lock()
	f.access, f.refresh = "", ""
	f.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakePature) me(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	valid := f.access
	f.mu.Unlock()
	if valid == "" || r.Header.Get("Authorization") != "Bearer "+valid {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"detail":"Not authenticated"}`)
		return
	}
	io.WriteString(w, `{"id":1,"email":"kate@example.com"}`)
}

func (f *fakePature) animals(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	valid := f.access
	f.mu.Unlock()
	if valid == "" || r.Header.Get("Authorization") != "Bearer "+valid {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	io.WriteString(w, `[{"id":7,"name":"Barsik"}]`)
}

// expireAccess invalidates the current access token only.
func (f *fakePature) expireAccess() {
	f.mu.Lock()
	f.access = "revoked"
	f.mu.Unlock()
}

type result struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, f *fakePature, tokenFile string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--api-url", f.URL, "--store", "file", "--token-file", tokenFile}, args...)
	code := execute(context.Background(), full, strings.NewReader(""), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestCLI_SessionLifecycle(t *testing.T) {
	clearConfigEnv(t)
	f := newFakePature(t)
	tokenFile := filepath.Join(t.TempDir(), "session.json")

	res := runCLI(t, f, tokenFile, "login", "--login", "kate@example.com", "--password", "s3cret")
	require.Equal(t, 0, res.code, res.stderr)
	require.Contains(t, res.stderr, "Logged in as kate@example.com")
	require.Contains(t, res.stderr, "WARNING: Using HTTP")

	info, err := os.Stat(tokenFile)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	res = runCLI(t, f, tokenFile, "get", "users/me")
	require.Equal(t, 0, res.code, res.stderr)
	require.JSONEq(t, `{"id":1,"email":"kate@example.com"}`, res.stdout)
	require.Zero(t, f.refreshCalls.Load())

	f.expireAccess()
	res = runCLI(t, f, tokenFile, "--metrics", "get", "users/me")
	require.Equal(t, 0, res.code, res.stderr)
	require.JSONEq(t, `{"id":1,"email":"kate@example.com"}`, res.stdout)
	require.EqualValues(t, 1, f.refreshCalls.Load())
	require.Contains(t, res.stderr, "pature_token_refresh_total{outcome=success} 1")

	res = runCLI(t, f, tokenFile, "status")
	require.Equal(t, 0, res.code, res.stderr)
	require.Contains(t, res.stderr, "Found existing session for kate@example.com")
	require.Contains(t, res.stderr, "Access Token: access-2...")

	res = runCLI(t, f, tokenFile, "logout")
	require.Equal(t, 0, res.code, res.stderr)
	require.Contains(t, res.stderr, "Local session cleared")
	require.EqualValues(t, 1, f.logoutCalls.Load())

	res = runCLI(t, f, tokenFile, "status")
	require.Equal(t, 0, res.code)
	require.Contains(t, res.stderr, "Not logged in")

	// The device id is stable across logins, refreshes and logout.
	f.mu.Lock()
	ids := append([]string(nil), f.deviceIDs...)
	f.mu.Unlock()
	require.Len(t, ids, 2)
	require.NotEmpty(t, ids[0])
	require.Equal(t, ids[0], ids[1])
}

func TestCLI_ProfileAndAnimals(t *testing.T) {
	clearConfigEnv(t)
	f := newFakePature(t)
	tokenFile := filepath.Join(t.TempDir(), "session.json")

	require.Equal(t, 0, runCLI(t, f, tokenFile, "login", "-u", "kate", "-p", "s3cret").code)

	res := runCLI(t, f, tokenFile, "whoami", "--raw")
	require.Equal(t, 0, res.code, res.stderr)
	require.Equal(t, "{\"id\":1,\"email\":\"kate@example.com\"}\n", res.stdout)

	f.expireAccess()
	res = runCLI(t, f, tokenFile, "animals")
	require.Equal(t, 0, res.code, res.stderr)
	require.JSONEq(t, `[{"id":7,"name":"Barsik"}]`, res.stdout)
	require.EqualValues(t, 1, f.refreshCalls.Load())
}

func TestCLI_ExpiredSessionRequiresLogin(t *testing.T) {
	clearConfigEnv(t)
	f := newFakePature(t)
	tokenFile := filepath.Join(t.TempDir(), "session.json")

	res := runCLI(t, f, tokenFile, "login", "-u", "kate", "-p", "s3cret")
	require.Equal(t, 0, res.code, res.stderr)

	// The server forgets the whole session.
	f.mu.Lock()
	f.access, f.refresh = "gone", "gone"
	f.mu.Unlock()

	res = runCLI(t, f, tokenFile, "get", "users/me")
	require.Equal(t, 1, res.code)
	require.Empty(t, res.stdout)
	require.Contains(t, res.stderr, "Session expired")
	require.Contains(t, res.stderr, "api error 401")

	res = runCLI(t, f, tokenFile, "refresh")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "Not logged in")
}

func TestCLI_LoginFailures(t *testing.T) {
	clearConfigEnv(t)
	f := newFakePature(t)
	tokenFile := filepath.Join(t.TempDir(), "session.json")

	res := runCLI(t, f, tokenFile, "login", "--login", "kate", "--password", "wrong")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "Invalid credentials")

	res = runCLI(t, f, tokenFile, "login", "--login", "kate")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, "password required")

	res = runCLI(t, f, tokenFile, "login", "--password", "s3cret")
	require.Equal(t, 1, res.code)
	require.Contains(t, res.stderr, `"login" not set`)
}

func TestCLI_LoginPasswordFromStdin(t *testing.T) {
	clearConfigEnv(t)
	f := newFakePature(t)
	tokenFile := filepath.Join(t.TempDir(), "session.json")

	var stdout, stderr bytes.Buffer
	args := []string{"--api-url", f.URL, "--token-file", tokenFile, "login", "-u", "kate", "--password-stdin"}
	code := execute(context.Background(), args, strings.NewReader("s3cret\n"), &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
}

func TestCLI_ExplicitRefresh(t *testing.T) {
	clearConfigEnv(t)
	f := newFakePature(t)
	tokenFile := filepath.Join(t.TempDir(), "session.json")

	require.Equal(t, 0, runCLI(t, f, tokenFile, "login", "-u", "kate", "-p", "s3cret").code)

	res := runCLI(t, f, tokenFile, "refresh")
	require.Equal(t, 0, res.code, res.stderr)
	require.Contains(t, res.stderr, "Token refreshed successfully!")

	data, err := os.ReadFile(tokenFile)
	require.NoError(t, err)
	require.Contains(t, string(data), "refresh-2")
}

func TestCLI_InvalidConfig(t *testing.T) {
	clearConfigEnv(t)

	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"--api-url", "ftp://nope", "status"}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "Error: invalid PATURE_API_URL")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, []byte(`{"a":1}`), true))
	require.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, writeJSON(&buf, []byte(`not json`), true))
	require.Equal(t, "not json\n", buf.String())

	buf.Reset()
	require.NoError(t, writeJSON(&buf, []byte(`{"a":1}`), false))
	require.Equal(t, "{\"a\":1}\n", buf.String())
}
