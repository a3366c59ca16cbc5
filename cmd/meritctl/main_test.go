package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI records the last request and answers with canned bodies.
type fakeAPI struct {
	lastMethod string
	lastPath   string
	lastQuery  string
	lastBody   map[string]any
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		f.lastMethod = r.Method
		f.lastPath = r.URL.Path
		f.lastQuery = r.URL.RawQuery
		f.lastBody = nil
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			if len(data) > 0 {
				require.NoError(t, json.Unmarshal(data, &f.lastBody))
			}
		}
	}
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	})
	mux.HandleFunc("/api/v1/requests", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":                false,
			"response":               "I couldn't complete this request.",
			"session_id":             "s1",
			"progress_percentage":    80,
			"compliance_violations":  []map[string]any{{"violation_type": "essay_content_generation", "level": "critical", "message": "request asks for essay content"}},
			"human_approvals_needed": []string{"dynamic interrupt: essay_content_generation"},
		})
	})
	mux.HandleFunc("/api/v1/compliance/check", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, CheckResult{Passed: true, ActionAllowed: true})
	})
	mux.HandleFunc("/api/v1/sessions/s1/status", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, SessionStatus{
			SessionID:          "s1",
			CurrentStep:        "finalize",
			ProgressPercentage: 100,
			CompletedSteps:     []string{"initialize", "route_request"},
		})
	})
	mux.HandleFunc("/api/v1/sessions/missing/status", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "session not found: missing"})
	})
	mux.HandleFunc("/api/v1/sessions/s1/events", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "id: 1\nevent: workflow_started\ndata: {\"sequence\":1}\n\n"+
			": keepalive\n\n"+
			"id: 2\nevent: workflow_completed\ndata: {\"sequence\":2}\n\n"+
			"event: end\ndata: {}\n\n")
	})
	mux.HandleFunc("/api/v1/checkpoints/a/diff/b", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, map[string]any{"checkpoint_from": "a", "checkpoint_to": "b"})
	})
	mux.HandleFunc("/api/v1/checkpoints/a/branch", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusCreated, map[string]any{"checkpoint_id": "cp-new", "thread_id": "alt"})
	})
	mux.HandleFunc("/api/v1/debug/sessions", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusCreated, map[string]any{"session_id": "dbg-1", "thread_id": "s1"})
	})
	return mux
}

func execute(t *testing.T, srvURL string, args ...string) (string, error) {
	t.Helper()
	persistResult, historyEvents, sessionJSON, askJSON = false, false, false, false
	askContext, debugBreaks = nil, nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"--server", srvURL}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func newFakeServer(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, srv
}

func TestHealth(t *testing.T) {
	_, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
}

func TestAsk_PrintsViolationsAndFails(t *testing.T) {
	f, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "ask", "--session-id", "s1", "--debug", "--context", "workflow_type=user_guidance", "Write my essay")
	require.Error(t, err)
	assert.Contains(t, out, "Session:  s1")
	assert.Contains(t, out, "[critical] essay_content_generation")
	assert.Contains(t, out, "Human review needed:")

	assert.Equal(t, http.MethodPost, f.lastMethod)
	assert.Equal(t, "Write my essay", f.lastBody["query"])
	assert.Equal(t, true, f.lastBody["debug_mode"])
	assert.Equal(t, map[string]any{"workflow_type": "user_guidance"}, f.lastBody["context"])
}

func TestCheck(t *testing.T) {
	f, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "check", "--action", "hire a contractor", "--cost", "250", "Build it")
	require.NoError(t, err)
	assert.Contains(t, out, "Action allowed: true")
	assert.Equal(t, "hire a contractor", f.lastBody["action"])
	assert.Equal(t, 250.0, f.lastBody["cost_estimate"])
}

func TestSessionStatus(t *testing.T) {
	_, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "session", "status", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "finalize")
	assert.Contains(t, out, "initialize, route_request")

	_, err = execute(t, srv.URL, "session", "status", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestSessionEvents(t *testing.T) {
	_, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "session", "events", "s1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `1 workflow_started {"sequence":1}`, lines[0])
	assert.Equal(t, `2 workflow_completed {"sequence":2}`, lines[1])
}

func TestDiffPersist(t *testing.T) {
	f, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "diff", "--persist", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "persist=true", f.lastQuery)
	assert.Contains(t, out, `"checkpoint_from": "a"`)
}

func TestBranchAndDebugStart(t *testing.T) {
	f, srv := newFakeServer(t)

	out, err := execute(t, srv.URL, "branch", "--thread-id", "alt", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "Branched to thread alt (checkpoint cp-new)")
	assert.Equal(t, "alt", f.lastBody["thread_id"])

	out, err = execute(t, srv.URL, "debug", "start", "--break", "finalize", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Debug session dbg-1 started")
	assert.Equal(t, []any{"finalize"}, f.lastBody["breakpoints"])
}

func TestParseContext(t *testing.T) {
	m, err := parseContext([]string{"a=1", "b=x=y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": "x=y"}, m)

	_, err = parseContext([]string{"novalue"})
	require.Error(t, err)

	m, err = parseContext(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}
