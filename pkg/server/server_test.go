package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/charsnap/pkg/browser"
	"github.com/entrhq/charsnap/pkg/chat"
	"github.com/entrhq/charsnap/pkg/metrics"
	"github.com/entrhq/charsnap/pkg/resolver"
	"github.com/entrhq/charsnap/pkg/snapshot"
)

type stubSnapshots struct {
	art      *snapshot.Artifact
	err      error
	byID     []string
	byName   []string
	panicked bool
}

func (s *stubSnapshots) GetSnapshot(ctx context.Context, identifier, name string) (*snapshot.Artifact, error) {
	s.byID = append(s.byID, identifier+"/"+name)
	return s.art, s.err
}

func (s *stubSnapshots) SnapshotByName(ctx context.Context, name string) (*snapshot.Artifact, error) {
	if s.panicked {
		panic("boom")
	}
	s.byName = append(s.byName, name)
	return s.art, s.err
}

func (s *stubSnapshots) MaxAge() time.Duration {
	return 24 * time.Hour
}

type stubEngine struct {
	state browser.State
}

func (e stubEngine) State() browser.State { return e.state }

func (e stubEngine) ListSessions() []browser.SessionInfo {
	return []browser.SessionInfo{{Name: "capture", CurrentURL: "about:blank"}}
}

func newTestServer(t *testing.T, snaps *stubSnapshots, mutate func(*Options)) *Server {
	t.Helper()
	opts := Options{
		Snapshots: snaps,
		Bot:       chat.NewBot(snaps, chat.Options{}),
		Engine:    stubEngine{state: browser.StateReady},
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func snapshotPath(name string) string {
	return "/v1/snapshots/" + url.PathEscape(name)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(t, &stubSnapshots{}, nil), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReadyz(t *testing.T) {
	s := newTestServer(t, &stubSnapshots{}, nil)
	rec := do(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp readyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.State)
	assert.Len(t, resp.Sessions, 1)

	s = newTestServer(t, &stubSnapshots{}, func(o *Options) {
		o.Engine = stubEngine{state: browser.StateInitializing}
	})
	rec = do(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "initializing")
}

func TestSnapshot_ByName(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snaps := &stubSnapshots{art: &snapshot.Artifact{Name: "忘归人", Data: []byte("jpeg"), FromCache: true, CreatedAt: created}}
	rec := do(t, newTestServer(t, snaps, nil), http.MethodGet, snapshotPath("忘归人"), "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hit", rec.Header().Get("X-Snapshot-Cache"))
	assert.Equal(t, created.Format(http.TimeFormat), rec.Header().Get("Last-Modified"))
	assert.Equal(t, "public, max-age=0", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "jpeg", rec.Body.String())
	assert.Equal(t, []string{"忘归人"}, snaps.byName)
	assert.Empty(t, snaps.byID)
}

func TestSnapshot_ByIdentifier(t *testing.T) {
	snaps := &stubSnapshots{art: &snapshot.Artifact{Data: []byte("jpeg")}}
	rec := do(t, newTestServer(t, snaps, nil), http.MethodGet, snapshotPath("忘归人")+"?id=1225", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "miss", rec.Header().Get("X-Snapshot-Cache"))
	assert.Equal(t, "public, max-age=86400", rec.Header().Get("Cache-Control"))
	assert.Equal(t, []string{"1225/忘归人"}, snaps.byID)
}

func TestSnapshot_ErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", &snapshot.Error{Kind: snapshot.KindNotFound, Stage: snapshot.StageResolve, Err: resolver.ErrNotFound}, http.StatusNotFound, "not_found"},
		{"initializing", &snapshot.Error{Kind: snapshot.KindInitializing, Stage: snapshot.StageRender, Err: snapshot.ErrEngineNotReady}, http.StatusServiceUnavailable, "initializing"},
		{"timeout", fmt.Errorf("render: %w", browser.ErrTimeout), http.StatusBadGateway, "transient_io"},
		{"fatal", errors.New("boom"), http.StatusBadGateway, "fatal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestServer(t, &stubSnapshots{err: tt.err}, nil), http.MethodGet, snapshotPath("忘归人"), "")
			assert.Equal(t, tt.status, rec.Code)

			var resp errorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.code, resp.Error)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestMessages(t *testing.T) {
	snaps := &stubSnapshots{art: &snapshot.Artifact{Data: []byte("jpeg")}}
	s := newTestServer(t, snaps, nil)

	rec := do(t, s, http.MethodPost, "/v1/messages", `{"text":"爬取崩铁：忘归人"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var reply chat.Reply
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&reply))
	assert.Equal(t, chat.ReplyImage, reply.Kind)
	assert.NotEmpty(t, reply.Base64)

	rec = do(t, s, http.MethodPost, "/v1/messages", `{"text":"hello"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/messages", `{"text":"`+strings.Repeat("x", maxMessageBytes)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoversFromPanic(t *testing.T) {
	rec := do(t, newTestServer(t, &stubSnapshots{panicked: true}, nil), http.MethodGet, snapshotPath("x"), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_server_error")
}

func TestRateLimit(t *testing.T) {
	snaps := &stubSnapshots{art: &snapshot.Artifact{Data: []byte("jpeg")}}
	s := newTestServer(t, snaps, func(o *Options) {
		o.RateLimit = 0.5
		o.RateBurst = 2
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(t, s, http.MethodGet, snapshotPath("x"), "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	rec := do(t, s, http.MethodGet, snapshotPath("x"), "")
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	// Health checks are never limited.
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder()
	require.NoError(t, recorder.Register(reg))

	s := newTestServer(t, &stubSnapshots{}, func(o *Options) {
		o.Metrics = recorder
		o.Gatherer = reg
	})

	do(t, s, http.MethodGet, "/healthz", "")
	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `charsnap_http_latency_seconds_count{method="GET",route="/healthz",status_code="200"} 1`)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, &stubSnapshots{}, func(o *Options) {
		o.Addr = "127.0.0.1:0"
		o.ShutdownTimeout = time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
