package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pepperpark/mailshift/internal/eventlog"
	"github.com/pepperpark/mailshift/internal/jobs"
	"github.com/pepperpark/mailshift/internal/mailstore/memstore"
	"github.com/pepperpark/mailshift/internal/state"
	"github.com/pepperpark/mailshift/internal/stats"
	"github.com/pepperpark/mailshift/internal/syncer"
)

type testEnv struct {
	src     *memstore.Server
	stats   *stats.Stats
	manager *jobs.Manager
	server  *Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	events, err := eventlog.New(t.TempDir())
	require.NoError(t, err)
	src := memstore.NewServer()
	src.AddFolder("INBOX")
	st := stats.New()
	runner := syncer.NewMailboxSyncer(src.Dial, events, st, syncer.Options{})
	m := jobs.NewManager(context.Background(), runner, events, &state.State{}, "")
	s := New(m, st, src.Dial, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		s.Close()
	})
	return &testEnv{src: src, stats: st, manager: m, server: s}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func readStream(t *testing.T, body *bufio.Reader) []StreamEvent {
	t.Helper()
	var out []StreamEvent
	for {
		line, err := body.ReadString('\n')
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "data: "):
			var ev StreamEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			out = append(out, ev)
		case line != "":
			t.Fatalf("unexpected stream line %q", line)
		}
		if err != nil {
			return out
		}
	}
}

func TestSyncStreamsUntilDone(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.src.AddMessage("INBOX", time.Now(), []byte("Subject: a\r\n\r\nA\r\n"))
	env.src.AddMessage("INBOX", time.Now(), []byte("Subject: b\r\n\r\nB\r\n"))
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	body := `{"sync_id":"web1","src_host":"src","src_port":"993","src_user":"u","src_pass":"p",
		"dest_host":"dst","dest_user":"u","dest_pass":"p","concurrency":"2","dry_run":"true"}`
	resp, err := http.Post(ts.URL+"/api/sync", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "web1", resp.Header.Get("X-Sync-Id"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream"))

	events := readStream(t, bufio.NewReader(resp.Body))
	require.NotEmpty(t, events)
	require.NotNil(t, events[0].Progress)
	assert.Equal(t, 0, *events[0].Progress)
	last := events[len(events)-1]
	assert.Equal(t, "Sync completed! 2 synced, 0 failed.", last.Message)
	require.NotNil(t, last.Progress)
	assert.Equal(t, 100, *last.Progress)

	w := env.do(t, http.MethodGet, "/api/logs/web1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history []eventlog.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, len(events))

	w = env.do(t, http.MethodGet, "/api/status/web1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"completed","active":false}`, w.Body.String())
}

func TestDisconnectedObserverDoesNotStopJob(t *testing.T) {
	env := newTestEnv(t, Options{})
	for i := 0; i < 20; i++ {
		env.src.AddMessage("INBOX", time.Now(), []byte("Subject: x\r\n\r\nx\r\n"))
	}
	env.src.SetLatency(10 * time.Millisecond)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	body := `{"sync_id":"detach","src_host":"src","dest_host":"dst","dry_run":true}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/api/sync", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_, err = bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		st, err := env.manager.Status("detach")
		return err == nil && st.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	history, err := env.manager.Logs("detach")
	require.NoError(t, err)
	assert.Equal(t, "Sync completed! 20 synced, 0 failed.", history[len(history)-1].Message)
}

func TestSyncRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, Options{})
	cases := map[string]string{
		"not json":     `{`,
		"bad date":     `{"src_host":"s","dest_host":"d","since_date":"yesterday"}`,
		"bad bool":     `{"src_host":"s","dest_host":"d","dry_run":"maybe"}`,
		"no source":    `{"dest_host":"d"}`,
		"no dest":      `{"src_host":"s"}`,
		"bad id":       `{"sync_id":"../x","src_host":"s","dest_host":"d"}`,
		"bad port":     `{"src_host":"s","dest_host":"d","src_port":"imap"}`,
		"bad excludes": `{"src_host":"s","dest_host":"d","exclude_folders":5}`,
	}
	for name, body := range cases {
		w := env.do(t, http.MethodPost, "/api/sync", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		var resp SimpleApiResp
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), name)
		assert.Equal(t, RespFailed, resp.Status, name)
	}
}

func TestSyncDuplicateIsConflict(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.src.SetDialDelay(10 * time.Second)
	_, sub, err := env.manager.Start(syncer.Config{ID: "busy", DryRun: true})
	require.NoError(t, err)
	defer sub.Close()

	w := env.do(t, http.MethodPost, "/api/sync", `{"sync_id":"busy","src_host":"s","dry_run":true}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStopAlwaysSucceeds(t *testing.T) {
	env := newTestEnv(t, Options{})
	for _, body := range []string{`{"sync_id":"nobody"}`, `{}`, `garbage`} {
		w := env.do(t, http.MethodPost, "/api/stop", body)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"success"}`, w.Body.String())
	}

	env.src.SetDialDelay(10 * time.Second)
	_, sub, err := env.manager.Start(syncer.Config{ID: "victim", DryRun: true})
	require.NoError(t, err)
	defer sub.Close()
	w := env.do(t, http.MethodPost, "/api/stop", `{"sync_id":"victim"}`)
	assert.JSONEq(t, `{"status":"success"}`, w.Body.String())

	require.Eventually(t, func() bool {
		st, err := env.manager.Status("victim")
		return err == nil && st.Status == "stopped" && !st.Active
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStatusAndLogsNotFound(t *testing.T) {
	env := newTestEnv(t, Options{})
	w := env.do(t, http.MethodGet, "/api/status/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/api/logs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsAndReset(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.stats.Add(3, 300)

	w := env.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"totalEmails":3,"totalBytes":300}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/stats/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())
	w = env.do(t, http.MethodGet, "/api/stats", "")
	assert.JSONEq(t, `{"totalEmails":0,"totalBytes":0}`, w.Body.String())
}

func TestTestConnection(t *testing.T) {
	env := newTestEnv(t, Options{ConnectTimeout: time.Second})

	w := env.do(t, http.MethodPost, "/api/test-connection", `{"host":"h","user":"u"}`)
	assert.JSONEq(t, `{"success":false,"error":"Missing Host, User or Password"}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/test-connection", `{"host":"h","user":"u","pass":"p","secure":"true"}`)
	var ok TestConnectionResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ok))
	assert.True(t, ok.Success)
	assert.Equal(t, []string{"INBOX"}, ok.Folders)

	env.src.SetDialError(assert.AnError)
	w = env.do(t, http.MethodPost, "/api/test-connection", `{"host":"h","user":"u","pass":"p"}`)
	var failed TestConnectionResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &failed))
	assert.False(t, failed.Success)
	assert.Equal(t, assert.AnError.Error(), failed.Error)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.stats.Add(1, 10)
	w := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mailshift_messages_migrated_total")
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 2, RateWindow: time.Minute})
	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodGet, "/api/stats", "")
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := env.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = env.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code, "only /api is limited")
}

func TestRateLimiterWindowResets(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)
	defer rl.stop()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.Equal(t, 1, rl.take("1.2.3.4").count)
	assert.Equal(t, 2, rl.take("1.2.3.4").count)
	assert.Equal(t, 1, rl.take("5.6.7.8").count)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, rl.take("1.2.3.4").count)
}

func TestRequestParsing(t *testing.T) {
	var req syncRequest
	require.NoError(t, json.NewDecoder(bytes.NewBufferString(`{
		"src_host":" imap.a.com ","src_port":143,"src_secure":false,"src_starttls":"1",
		"dest_host":"imap.b.com","dest_secure":"true",
		"since_date":"01-Mar-2024","exclude_folders":" Spam, Trash ,,",
		"folder_mapping":{"Old":"New"},"smart_map":"on","concurrency":""}`)).Decode(&req))

	cfg, err := req.config()
	require.NoError(t, err)
	assert.Equal(t, "imap.a.com", cfg.Source.Host)
	assert.Equal(t, 143, cfg.Source.Port)
	assert.False(t, cfg.Source.TLS)
	assert.True(t, cfg.Source.StartTLS)
	assert.Equal(t, 993, cfg.Destination.Port)
	assert.True(t, cfg.Destination.TLS)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), cfg.Since)
	assert.Equal(t, []string{"Spam", "Trash"}, cfg.Exclude)
	assert.Equal(t, map[string]string{"Old": "New"}, cfg.Map)
	assert.True(t, cfg.SmartMap)
	assert.Zero(t, cfg.Concurrency)

	since, err := parseSince("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, cfg.Since, since)

	var list flexList
	require.NoError(t, json.Unmarshal([]byte(`["a"," b ",""]`), &list))
	assert.Equal(t, flexList{"a", "b"}, list)
}
