package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlap-dev/tracer/internal/events"
)

func TestAdd_DropsEventsWhenSuspended(t *testing.T) {
	s := New(DefaultConfig(), nil, nil)
	s.Suspend("https://team")
	s.Add("https://team", "tok", events.Event{SessionID: "s1"})

	require.Equal(t, 0, s.Stats("https://team").QueueLength)
}

func TestAdd_DropsNewestWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 2
	cfg.BatchIntervalMS = 60_000 // keep the flush timer from firing during the test
	s := New(cfg, nil, nil)

	s.Add("https://team", "tok", events.Event{SessionID: "1"})
	s.Add("https://team", "tok", events.Event{SessionID: "2"})
	s.Add("https://team", "tok", events.Event{SessionID: "3"})

	require.Equal(t, 2, s.Stats("https://team").QueueLength)
}

func TestFlush_SuccessResetsRetryCountAndCallsOnSent(t *testing.T) {
	var sentProcessed int
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ingestRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"processed": len(req.Events)},
		})
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	s := New(cfg, func(team string, processed int) {
		mu.Lock()
		sentProcessed = processed
		mu.Unlock()
	}, nil)

	s.Add(srv.URL, "tok", events.Event{SessionID: "s1"})
	require.NoError(t, s.Flush(context.Background(), srv.URL))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, sentProcessed)
	require.Equal(t, 0, s.Stats(srv.URL).QueueLength)
}

func TestFlush_401SuspendsTeamAndFiresAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var authFailed int32
	s := New(DefaultConfig(), nil, func(team string) {
		atomic.AddInt32(&authFailed, 1)
	})

	s.Add(srv.URL, "bad-tok", events.Event{SessionID: "s1"})
	err := s.Flush(context.Background(), srv.URL)
	require.Error(t, err)

	require.Equal(t, int32(1), atomic.LoadInt32(&authFailed))
	require.True(t, s.Stats(srv.URL).Suspended)

	// A subsequent Add must be a no-op.
	s.Add(srv.URL, "bad-tok", events.Event{SessionID: "s2"})
	require.Equal(t, 0, s.Stats(srv.URL).QueueLength)
}

func TestFlush_NonAuthErrorRequeuesAndIncrementsRetryCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BatchIntervalMS = 60_000
	s := New(cfg, nil, nil)

	s.Add(srv.URL, "tok", events.Event{SessionID: "s1"})
	err := s.Flush(context.Background(), srv.URL)
	require.Error(t, err)

	stats := s.Stats(srv.URL)
	require.Equal(t, 1, stats.QueueLength)
	require.Equal(t, 1, stats.RetryCount)
}

func TestFlush_DropsBatchAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	cfg.BatchIntervalMS = 60_000
	s := New(cfg, nil, nil)

	s.Add(srv.URL, "tok", events.Event{SessionID: "s1"})
	s.Flush(context.Background(), srv.URL)
	s.Flush(context.Background(), srv.URL)

	require.Equal(t, 0, s.Stats(srv.URL).QueueLength)
	require.Equal(t, 0, s.Stats(srv.URL).RetryCount)
}

func TestNew_ClampsMaxBatchSizeTo100(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 500
	s := New(cfg, nil, nil)
	require.Equal(t, 100, s.cfg.MaxBatchSize)
}

func TestFlushAll_CompletesWithinTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"processed": 1}})
	}))
	defer srv.Close()

	s := New(DefaultConfig(), nil, nil)
	s.Add(srv.URL, "tok", events.Event{SessionID: "s1"})

	require.NoError(t, s.FlushAll(2*time.Second))
}
