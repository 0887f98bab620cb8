// Package sender implements the per-team batched delivery queue: size/
// time flush, exponential backoff, auth-failure suspension, and a queue
// cap. The retry/backoff shape is a deliberately narrowed subset of the
// steveyegge-vc pack repo's internal/ai/retry.go (capped exponential
// backoff keyed by a per-target retry counter) -- this sender needs
// neither its circuit breaker nor its quota-wait scheduling, since the
// spec's failure policy is exactly "retry up to max_retries, then drop".
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/overlap-dev/tracer/internal/events"
)

// Config holds the sender's tunables, normally sourced from
// config.TracerConfig.
type Config struct {
	BatchIntervalMS int
	MaxBatchSize    int
	MaxQueueSize    int
	MaxRetries      int
	MaxRetryDelay   time.Duration
	// RequestsPerSecond bounds outbound ingest POSTs per team; zero
	// disables throttling.
	RequestsPerSecond float64
}

// DefaultConfig returns the spec's named defaults (§4.6): max_batch_size
// clamped to 100, max_queue_size 500, max_retries 5, max_retry_delay 60s.
func DefaultConfig() Config {
	return Config{
		BatchIntervalMS: 2000,
		MaxBatchSize:    50,
		MaxQueueSize:    500,
		MaxRetries:      5,
		MaxRetryDelay:   60 * time.Second,
	}
}

// OnSent is invoked after a batch is acknowledged by the team, with the
// number of events the server reported as processed.
type OnSent func(team string, processed int)

// OnAuthFailure is invoked the first time a team's token is rejected.
type OnAuthFailure func(team string)

// Stats is a burn-rate-style operational snapshot of one team's queue --
// grounded on the teacher's calculateBurnRate, not part of any wire
// format. The supervisor reads only QueueLength (to gate offset
// commits); the acked-bytes/events window is not logged anywhere.
type Stats struct {
	QueueLength        int
	Suspended          bool
	RetryCount         int
	BytesAckedLastMin  int64
	EventsAckedLastMin int
}

type ingestRequest struct {
	Events []events.Event `json:"events"`
}

type ingestResponse struct {
	Data struct {
		Processed int      `json:"processed"`
		Errors    []string `json:"errors"`
	} `json:"data"`
}

type teamQueue struct {
	mu         sync.Mutex
	token      string
	events     []events.Event
	suspended  bool
	retryCount int
	inflight   bool
	flushTimer *time.Timer
	retryTimer *time.Timer
	limiter    *rate.Limiter

	ackWindow []ackSample // rolling burn-rate window
}

type ackSample struct {
	at     time.Time
	events int
	bytes  int64
}

// Sender owns one queue per team URL.
type Sender struct {
	cfg           Config
	client        *http.Client
	onSent        OnSent
	onAuthFailure OnAuthFailure

	mu    sync.Mutex
	teams map[string]*teamQueue
}

// New returns a Sender ready to accept events.
func New(cfg Config, onSent OnSent, onAuthFailure OnAuthFailure) *Sender {
	if cfg.MaxBatchSize <= 0 || cfg.MaxBatchSize > 100 {
		cfg.MaxBatchSize = 100
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 500
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 60 * time.Second
	}
	return &Sender{
		cfg:           cfg,
		client:        &http.Client{Timeout: 10 * time.Second},
		onSent:        onSent,
		onAuthFailure: onAuthFailure,
		teams:         make(map[string]*teamQueue),
	}
}

func (s *Sender) queueFor(team, token string) *teamQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.teams[team]
	if !ok {
		var limiter *rate.Limiter
		if s.cfg.RequestsPerSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), 1)
		}
		q = &teamQueue{token: token, limiter: limiter}
		s.teams[team] = q
	} else if token != "" {
		q.token = token
	}
	return q
}

// Add enqueues one event for team. Silently dropped if the team is
// suspended; silently drops the *incoming* event if the queue is already
// at capacity (spec §4.6: "newest-dropped").
func (s *Sender) Add(team, token string, ev events.Event) {
	q := s.queueFor(team, token)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.suspended {
		return
	}
	if len(q.events) >= s.cfg.MaxQueueSize {
		return
	}
	q.events = append(q.events, ev)

	switch {
	case len(q.events) >= s.cfg.MaxBatchSize && !q.inflight && q.retryTimer == nil:
		q.scheduleImmediateLocked(func() { s.flushLocked(context.Background(), team, q) })
	case q.flushTimer == nil && q.retryTimer == nil:
		interval := time.Duration(s.cfg.BatchIntervalMS) * time.Millisecond
		q.flushTimer = time.AfterFunc(interval, func() {
			q.mu.Lock()
			q.flushTimer = nil
			q.mu.Unlock()
			s.flushLocked(context.Background(), team, q)
		})
	}
}

func (q *teamQueue) scheduleImmediateLocked(fn func()) {
	go fn()
}

// Flush pops up to MaxBatchSize events and POSTs them, reentrancy-
// guarded per team.
func (s *Sender) Flush(ctx context.Context, team string) error {
	s.mu.Lock()
	q, ok := s.teams[team]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.flushLocked(ctx, team, q)
}

func (s *Sender) flushLocked(ctx context.Context, team string, q *teamQueue) error {
	q.mu.Lock()
	if q.inflight || q.suspended || len(q.events) == 0 {
		q.mu.Unlock()
		return nil
	}
	q.inflight = true
	n := s.cfg.MaxBatchSize
	if n > len(q.events) {
		n = len(q.events)
	}
	batch := make([]events.Event, n)
	copy(batch, q.events[:n])
	remaining := make([]events.Event, len(q.events)-n)
	copy(remaining, q.events[n:])
	token := q.token
	limiter := q.limiter
	q.mu.Unlock()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			q.mu.Lock()
			q.inflight = false
			q.mu.Unlock()
			return err
		}
	}

	processed, err := s.postIngest(ctx, team, token, batch)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight = false

	switch {
	case err == errAuthRejected:
		q.suspended = true
		q.events = nil
		q.retryCount = 0
		s.stopTimersLocked(q)
		if s.onAuthFailure != nil {
			// Released for the callback, which may call back into this
			// Sender (e.g. Suspend) and lock q.mu itself.
			q.mu.Unlock()
			s.onAuthFailure(team)
			q.mu.Lock()
		}
		return err

	case err != nil:
		// Requeue the batch at the head; bound retries.
		q.events = append(batch, remaining...)
		q.retryCount++
		if q.retryCount > s.cfg.MaxRetries {
			q.events = remaining
			q.retryCount = 0
			log.Printf("[sender] %s: dropping batch of %d after %d retries: %v", team, n, s.cfg.MaxRetries, err)
			return err
		}
		delay := time.Duration(s.cfg.BatchIntervalMS) * time.Millisecond
		for i := 0; i < q.retryCount; i++ {
			delay *= 2
		}
		if delay > s.cfg.MaxRetryDelay {
			delay = s.cfg.MaxRetryDelay
		}
		q.retryTimer = time.AfterFunc(delay, func() {
			q.mu.Lock()
			q.retryTimer = nil
			q.mu.Unlock()
			s.flushLocked(context.Background(), team, q)
		})
		return err

	default:
		q.events = remaining
		q.retryCount = 0
		q.recordAckLocked(processed, batch)
		if s.onSent != nil {
			s.onSent(team, processed)
		}
		return nil
	}
}

func (q *teamQueue) recordAckLocked(processed int, batch []events.Event) {
	var bytes int64
	for _, ev := range batch {
		raw, _ := json.Marshal(ev)
		bytes += int64(len(raw))
	}
	now := time.Now()
	q.ackWindow = append(q.ackWindow, ackSample{at: now, events: processed, bytes: bytes})
	cutoff := now.Add(-time.Minute)
	kept := q.ackWindow[:0]
	for _, s := range q.ackWindow {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	q.ackWindow = kept
}

func (s *Sender) stopTimersLocked(q *teamQueue) {
	if q.flushTimer != nil {
		q.flushTimer.Stop()
		q.flushTimer = nil
	}
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
}

// FlushAll issues parallel flushes across every known team and returns
// once all complete or timeout elapses.
func (s *Sender) FlushAll(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	teams := make([]string, 0, len(s.teams))
	for team := range s.teams {
		teams = append(teams, team)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, team := range teams {
		team := team
		g.Go(func() error {
			_ = s.Flush(gctx, team)
			return nil
		})
	}
	return g.Wait()
}

// Suspend marks team suspended and clears its pending state.
func (s *Sender) Suspend(team string) {
	s.mu.Lock()
	q, ok := s.teams[team]
	s.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.suspended = true
	q.events = nil
	q.retryCount = 0
	s.stopTimersLocked(q)
}

// Unsuspend clears the suspension, allowing Add to accept events again.
func (s *Sender) Unsuspend(team string) {
	s.mu.Lock()
	q, ok := s.teams[team]
	s.mu.Unlock()
	if !ok {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.suspended = false
}

// Stats reports the team's current operational snapshot.
func (s *Sender) Stats(team string) Stats {
	s.mu.Lock()
	q, ok := s.teams[team]
	s.mu.Unlock()
	if !ok {
		return Stats{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var bytesAcked int64
	var eventsAcked int
	for _, sample := range q.ackWindow {
		bytesAcked += sample.bytes
		eventsAcked += sample.events
	}
	return Stats{
		QueueLength:        len(q.events),
		Suspended:          q.suspended,
		RetryCount:         q.retryCount,
		BytesAckedLastMin:  bytesAcked,
		EventsAckedLastMin: eventsAcked,
	}
}

var errAuthRejected = fmt.Errorf("sender: team rejected the bearer token")

func (s *Sender) postIngest(ctx context.Context, team, token string, batch []events.Event) (int, error) {
	body, err := json.Marshal(ingestRequest{Events: batch})
	if err != nil {
		return 0, fmt.Errorf("sender: encoding ingest batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, team+"/api/v1/ingest", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("sender: building ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	// Stamps each batch attempt with a fresh id. A retry of the same
	// batch gets a new id too, so the key identifies one POST attempt,
	// not one batch; dedup stays with the server (spec §6: "server is
	// the source of truth for dedup").
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sender: ingest request to %s: %w", team, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return 0, errAuthRejected
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return 0, fmt.Errorf("sender: ingest to %s returned %s", team, resp.Status)
	}

	var parsed ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("sender: decoding ingest response from %s: %w", team, err)
	}
	for _, e := range parsed.Data.Errors {
		log.Printf("[sender] %s: partial ingest error (not retried): %s", team, e)
	}
	return parsed.Data.Processed, nil
}
