package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/taskpilot/pkg/session"
	"github.com/harun/taskpilot/pkg/turn"
)

type stubRunner struct {
	content string
	err     error
}

func (r *stubRunner) Run(_ context.Context, req turn.Request) (string, error) {
	if r.err != nil && req.SessionID != "" {
		return "", r.err
	}
	return r.content, nil
}

func setupServer(t *testing.T, runner turn.Runner) (*httptest.Server, *session.Manager) {
	t.Helper()

	store, err := session.OpenStore(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	manager, err := session.NewManager(session.ManagerConfig{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)

	pipeline, err := turn.NewPipeline(runner, manager, zerolog.Nop())
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Host:     "127.0.0.1",
		Port:     8742,
		Pipeline: pipeline,
		Manager:  manager,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, manager
}

func postMessage(t *testing.T, ts *httptest.Server, threadID, userID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/threads/%s/messages", ts.URL, threadID),
		strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestServer_PostMessage(t *testing.T) {
	ts, _ := setupServer(t, &stubRunner{content: "Added milk."})

	resp := postMessage(t, ts, uuid.NewString(), uuid.NewString(), `{"content":"add milk"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply turn.Reply
	decodeBody(t, resp, &reply)
	assert.Equal(t, "Added milk.", reply.Content)
	assert.Empty(t, reply.Warning)
}

func TestServer_PostMessage_BadRequests(t *testing.T) {
	ts, _ := setupServer(t, &stubRunner{content: "ok"})
	threadID := uuid.NewString()
	userID := uuid.NewString()

	tests := []struct {
		name   string
		thread string
		user   string
		body   string
		status int
	}{
		{"invalid thread id", "not-a-uuid", userID, `{"content":"hi"}`, http.StatusBadRequest},
		{"missing user id", threadID, "", `{"content":"hi"}`, http.StatusUnauthorized},
		{"malformed user id", threadID, "abc", `{"content":"hi"}`, http.StatusBadRequest},
		{"empty content", threadID, userID, `{"content":""}`, http.StatusBadRequest},
		{"invalid body", threadID, userID, `{not json`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postMessage(t, ts, tt.thread, tt.user, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestServer_PostMessage_DegradesWhenStoreUnavailable(t *testing.T) {
	// Stateful runs fail as unavailable; the stateless rerun succeeds
	ts, _ := setupServer(t, &stubRunner{content: "answered anyway", err: session.ErrStoreUnavailable})

	resp := postMessage(t, ts, uuid.NewString(), uuid.NewString(), `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply turn.Reply
	decodeBody(t, resp, &reply)
	assert.Equal(t, "answered anyway", reply.Content)
	assert.Equal(t, turn.WarningUnavailable, reply.Warning)
}

func TestServer_PostMessage_InternalErrorIsGeneric(t *testing.T) {
	ts, _ := setupServer(t, &stubRunner{err: errors.New("api key sk-secret rejected")})

	resp := postMessage(t, ts, uuid.NewString(), uuid.NewString(), `{"content":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body errorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "internal server error", body.Error)
	assert.NotContains(t, body.Error, "sk-secret")
}

// persistingRunner writes the exchange to the session the way the real
// provider-backed runner does, pausing between the two writes so an
// overlapping turn for the same thread would interleave the transcript.
type persistingRunner struct {
	store *session.Store
}

func (r *persistingRunner) Run(ctx context.Context, req turn.Request) (string, error) {
	if req.SessionID == "" {
		return "stateless", nil
	}
	if _, err := r.store.AppendEntry(ctx, req.SessionID, entryPayload("user", req.Utterance)); err != nil {
		return "", err
	}
	time.Sleep(2 * time.Millisecond)
	reply := "re: " + req.Utterance
	if _, err := r.store.AppendEntry(ctx, req.SessionID, entryPayload("assistant", reply)); err != nil {
		return "", err
	}
	return reply, nil
}

func entryPayload(role, content string) string {
	b, _ := json.Marshal(map[string]string{"role": role, "content": content})
	return string(b)
}

func TestServer_ConcurrentTurnsSameThreadSerialized(t *testing.T) {
	runner := &persistingRunner{}
	ts, manager := setupServer(t, runner)
	runner.store = manager.Store()

	threadID := uuid.New()
	userID := uuid.New()

	const turns = 5
	errs := make(chan error, turns)
	var wg sync.WaitGroup
	wg.Add(turns)
	for i := 0; i < turns; i++ {
		go func(i int) {
			defer wg.Done()

			req, err := http.NewRequest(http.MethodPost,
				fmt.Sprintf("%s/threads/%s/messages", ts.URL, threadID),
				strings.NewReader(fmt.Sprintf(`{"content":"msg %d"}`, i)))
			if err != nil {
				errs <- err
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set(userIDHeader, userID.String())

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("unexpected status %d", resp.StatusCode)
				return
			}
			errs <- nil
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sessionID := session.DeriveSessionID(userID, threadID)
	entries, err := manager.Store().ListEntries(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, entries, 2*turns)

	// Each user entry must be immediately followed by its own reply;
	// overlapping turns would interleave the pairs.
	for i := 0; i < len(entries); i += 2 {
		var user, reply struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		require.NoError(t, json.Unmarshal([]byte(entries[i].Payload), &user))
		require.NoError(t, json.Unmarshal([]byte(entries[i+1].Payload), &reply))
		assert.Equal(t, "user", user.Role)
		assert.Equal(t, "assistant", reply.Role)
		assert.Equal(t, "re: "+user.Content, reply.Content)
	}
}

func TestServer_ThreadStats(t *testing.T) {
	ts, manager := setupServer(t, &stubRunner{content: "ok"})
	threadID := uuid.New()
	userID := uuid.New()
	ctx := context.Background()

	get := func() (*http.Response, threadStatsResponse) {
		req, err := http.NewRequest(http.MethodGet,
			fmt.Sprintf("%s/threads/%s", ts.URL, threadID), nil)
		require.NoError(t, err)
		req.Header.Set(userIDHeader, userID.String())
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var stats threadStatsResponse
		decodeBody(t, resp, &stats)
		return resp, stats
	}

	// Unknown thread: zero count, absent timestamps
	resp, stats := get()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, stats.MessageCount)
	assert.Nil(t, stats.CreatedAt)

	sessionID := session.DeriveSessionID(userID, threadID)
	for i := 0; i < 2; i++ {
		_, err := manager.Store().AppendEntry(ctx, sessionID, `{"role":"user","content":"hi"}`)
		require.NoError(t, err)
	}

	resp, stats = get()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, stats.MessageCount)
	require.NotNil(t, stats.CreatedAt)
	require.NotNil(t, stats.LastActivity)
}

func TestServer_ThreadDelete(t *testing.T) {
	ts, manager := setupServer(t, &stubRunner{content: "ok"})
	threadID := uuid.New()
	userID := uuid.New()
	ctx := context.Background()

	sessionID := session.DeriveSessionID(userID, threadID)
	_, err := manager.Store().AppendEntry(ctx, sessionID, `{"role":"user","content":"hi"}`)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/threads/%s", ts.URL, threadID), nil)
	require.NoError(t, err)
	req.Header.Set(userIDHeader, userID.String())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	count, err := manager.Store().CountEntries(ctx, sessionID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestServer_Healthz(t *testing.T) {
	ts, _ := setupServer(t, &stubRunner{content: "ok"})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{Port: 0})
	assert.Error(t, err)

	_, err = NewServer(Config{Port: 8742})
	assert.Error(t, err)
}
