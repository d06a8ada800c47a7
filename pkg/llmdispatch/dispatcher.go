package llmdispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned by Submit/Cancel. ErrNoHealthyBackend is not returned by
// either: a request with no healthy backend stays queued.
var (
	ErrQueueFull      = errors.New("llmdispatch: ingress queue full")
	ErrRequestUnknown = errors.New("llmdispatch: unknown request id")
	ErrNoHealthyBackend = errors.New("llmdispatch: no healthy backend available")
)

// Config holds the dispatcher's tunables (spec.md §6 "LLM Dispatcher" keys).
type Config struct {
	QueueCapacity    int           // default 1000
	Strategy         Strategy      // default least_connections
	HealthInterval   time.Duration // default 10s
	HealthTimeout    time.Duration // default 3s
	MaxRetries       int           // default 3
	RetryDelay       time.Duration // default 1s, ±50% jitter
	DispatchInterval time.Duration // default 50ms, ingress drain tick
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 1000
	}
	if c.Strategy == "" {
		c.Strategy = StrategyLeastConnections
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 10 * time.Second
	}
	if c.HealthTimeout == 0 {
		c.HealthTimeout = 3 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.DispatchInterval == 0 {
		c.DispatchInterval = 50 * time.Millisecond
	}
}

// Transport issues the actual backend calls. Production code uses
// httpTransport (transport.go); tests supply a fake.
type Transport interface {
	Generate(ctx context.Context, baseURL string, req RequestConfig, onChunk func(Event)) (text string, tokens int, err error)
	ListModels(ctx context.Context, baseURL string) ([]string, error)
	Ping(ctx context.Context, baseURL string) error
}

// Dispatcher is the LLM dispatcher described in spec.md §4.J.
type Dispatcher struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger

	ingress chan *pendingJob

	mu       sync.Mutex
	backends map[string]*backendState
	order    []string // stable iteration order for round-robin
	rrCursor int      // round-robin cursor; only touched while d.mu is held

	jobsMu sync.Mutex
	jobs   map[string]*pendingJob

	modelsMu sync.Mutex
	models   map[string]struct{} // union of models reported by refresh_models

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Dispatcher. Call AddBackend for each configured backend,
// then Start.
func New(cfg Config, transport Transport, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("component", "llm_dispatcher"),
		ingress:   make(chan *pendingJob, cfg.QueueCapacity),
		backends:  make(map[string]*backendState),
		jobs:      make(map[string]*pendingJob),
		models:    make(map[string]struct{}),
	}
}

// AddBackend registers a backend. Call before Start; the backend set is
// fixed for the dispatcher's lifetime.
func (d *Dispatcher) AddBackend(b Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backends[b.ID] = newBackendState(b)
	d.order = append(d.order, b.ID)
}

// Start launches the dispatch loop and the health-check loop. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(2)
	go d.runDispatchLoop(ctx)
	go d.runHealthLoop(ctx)
}

// Stop cancels both loops and waits for in-flight work to unwind.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Submit enqueues a request and returns its request id. The caller reads
// the returned channel for lifecycle events; it is closed after the
// terminal event (EventCompleted or EventFailed) is sent.
func (d *Dispatcher) Submit(req RequestConfig) (string, <-chan Event, error) {
	requestID := uuid.NewString()
	job := &pendingJob{
		requestID: requestID,
		req:       req,
		events:    make(chan Event, 8),
		submitted: time.Now(),
	}

	d.jobsMu.Lock()
	d.jobs[requestID] = job
	d.jobsMu.Unlock()

	select {
	case d.ingress <- job:
		return requestID, job.events, nil
	default:
		d.jobsMu.Lock()
		delete(d.jobs, requestID)
		d.jobsMu.Unlock()
		return "", nil, ErrQueueFull
	}
}

// Cancel best-effort cancels a request: if still queued it is dropped
// silently (no terminal event is ever sent); if dispatched, its in-flight
// HTTP call is cancelled and it resolves as EventFailed.
func (d *Dispatcher) Cancel(requestID string) error {
	d.jobsMu.Lock()
	job, ok := d.jobs[requestID]
	if ok {
		delete(d.jobs, requestID)
	}
	d.jobsMu.Unlock()
	if !ok {
		return ErrRequestUnknown
	}
	job.cancelIfDispatched()
	return nil
}

// RefreshModels queries every healthy backend for its model catalog and
// merges the results.
func (d *Dispatcher) RefreshModels(ctx context.Context) error {
	d.mu.Lock()
	states := make([]*backendState, 0, len(d.backends))
	for _, bs := range d.backends {
		states = append(states, bs)
	}
	d.mu.Unlock()

	var firstErr error
	merged := make(map[string]struct{})
	for _, bs := range states {
		if !bs.isHealthy() {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.HealthTimeout)
		names, err := d.transport.ListModels(callCtx, bs.backend.BaseURL)
		cancel()
		if err != nil {
			d.logger.Warn("refresh_models failed", "backend", bs.backend.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, name := range names {
			merged[name] = struct{}{}
		}
	}

	d.modelsMu.Lock()
	for name := range merged {
		d.models[name] = struct{}{}
	}
	d.modelsMu.Unlock()
	return firstErr
}

// Models returns the current merged model catalog.
func (d *Dispatcher) Models() []string {
	d.modelsMu.Lock()
	defer d.modelsMu.Unlock()
	out := make([]string, 0, len(d.models))
	for name := range d.models {
		out = append(out, name)
	}
	return out
}

// Stats returns a point-in-time snapshot of every backend's statistics.
func (d *Dispatcher) Stats() []Stats {
	d.mu.Lock()
	ids := append([]string(nil), d.order...)
	d.mu.Unlock()

	out := make([]Stats, 0, len(ids))
	for _, id := range ids {
		d.mu.Lock()
		bs := d.backends[id]
		d.mu.Unlock()
		out = append(out, bs.snapshot())
	}
	return out
}

// runDispatchLoop repeatedly selects a healthy, unsaturated backend for the
// head of the ingress queue. A job that cannot be placed this tick is
// requeued so later jobs don't starve behind it indefinitely.
func (d *Dispatcher) runDispatchLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
		}
	}
}

func (d *Dispatcher) drainOnce(ctx context.Context) {
	for {
		var job *pendingJob
		select {
		case job = <-d.ingress:
		default:
			return
		}

		d.jobsMu.Lock()
		_, stillPending := d.jobs[job.requestID]
		d.jobsMu.Unlock()
		if !stillPending {
			continue // cancelled while queued
		}

		bs := d.selectBackend()
		if bs == nil || !bs.tryAcquire() {
			// Nothing available this tick; put it back and stop draining so
			// we don't spin hot on an empty backend set.
			select {
			case d.ingress <- job:
			default:
			}
			return
		}

		d.wg.Add(1)
		go d.runJob(ctx, bs, job)
	}
}

// selectBackend picks among healthy backends per d.cfg.Strategy. Returns
// nil if no backend is healthy.
func (d *Dispatcher) selectBackend() *backendState {
	d.mu.Lock()
	defer d.mu.Unlock()

	var healthy []*backendState
	for _, id := range d.order {
		bs := d.backends[id]
		if bs.isHealthy() {
			healthy = append(healthy, bs)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	switch d.cfg.Strategy {
	case StrategyRoundRobin:
		return d.pickRoundRobin(healthy)
	case StrategyWeighted:
		return d.pickWeighted(healthy)
	default:
		return d.pickLeastConnections(healthy)
	}
}

func (d *Dispatcher) pickLeastConnections(healthy []*backendState) *backendState {
	best := healthy[0]
	bestLoad := best.inFlightCount()
	for _, bs := range healthy[1:] {
		if load := bs.inFlightCount(); load < bestLoad {
			best, bestLoad = bs, load
		}
	}
	return best
}

func (d *Dispatcher) pickRoundRobin(healthy []*backendState) *backendState {
	idx := d.rrCursor % len(healthy)
	d.rrCursor++
	return healthy[idx]
}

func (d *Dispatcher) pickWeighted(healthy []*backendState) *backendState {
	total := 0
	for _, bs := range healthy {
		total += bs.backend.Weight
	}
	if total == 0 {
		return healthy[0]
	}
	r := rand.IntN(total)
	for _, bs := range healthy {
		r -= bs.backend.Weight
		if r < 0 {
			return bs
		}
	}
	return healthy[len(healthy)-1]
}

func (d *Dispatcher) runJob(ctx context.Context, bs *backendState, job *pendingJob) {
	defer d.wg.Done()
	defer bs.release()

	jobCtx, cancel := context.WithCancel(ctx)
	job.setCancel(cancel)
	defer cancel()

	started := time.Now()
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			d.sleepWithJitter(jobCtx, attempt)
		}
		if jobCtx.Err() != nil {
			lastErr = jobCtx.Err()
			break
		}

		text, tokens, err := d.transport.Generate(jobCtx, bs.backend.BaseURL, job.req, func(ev Event) {
			ev.RequestID = job.requestID
			d.emit(job, ev)
		})
		if err == nil {
			d.finishSuccess(job, bs, text, tokens, time.Since(started))
			return
		}

		lastErr = err
		if !isRetriable(err) {
			break
		}
	}

	d.finishFailure(job, bs, lastErr)
}

func (d *Dispatcher) sleepWithJitter(ctx context.Context, attempt int) {
	base := d.cfg.RetryDelay
	jitter := time.Duration(rand.Int64N(int64(base))) - base/2 // ±50%
	delay := base + jitter
	if delay < 0 {
		delay = 0
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (d *Dispatcher) finishSuccess(job *pendingJob, bs *backendState, text string, tokens int, elapsed time.Duration) {
	bs.recordResult(true, job.req.Model, elapsed)
	d.forgetJob(job.requestID)
	d.emit(job, Event{Kind: EventCompleted, RequestID: job.requestID, Text: text, Tokens: tokens, Elapsed: elapsed})
	close(job.events)
}

func (d *Dispatcher) finishFailure(job *pendingJob, bs *backendState, err error) {
	bs.recordResult(false, job.req.Model, 0)
	d.forgetJob(job.requestID)
	d.emit(job, Event{Kind: EventFailed, RequestID: job.requestID, Err: err})
	close(job.events)
}

func (d *Dispatcher) forgetJob(requestID string) {
	d.jobsMu.Lock()
	delete(d.jobs, requestID)
	d.jobsMu.Unlock()
}

func (d *Dispatcher) emit(job *pendingJob, ev Event) {
	select {
	case job.events <- ev:
	default:
		d.logger.Warn("event channel full, dropping event", "request_id", job.requestID, "kind", ev.Kind)
	}
}

func (d *Dispatcher) runHealthLoop(ctx context.Context) {
	defer d.wg.Done()
	d.checkAll(ctx)
	ticker := time.NewTicker(d.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkAll(ctx)
		}
	}
}

func (d *Dispatcher) checkAll(ctx context.Context) {
	d.mu.Lock()
	states := make([]*backendState, 0, len(d.backends))
	for _, bs := range d.backends {
		states = append(states, bs)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, bs := range states {
		wg.Add(1)
		go func(bs *backendState) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, d.cfg.HealthTimeout)
			defer cancel()
			err := d.transport.Ping(checkCtx, bs.backend.BaseURL)
			if err != nil {
				bs.setHealth(false, err.Error())
				d.logger.Warn("backend health check failed", "backend", bs.backend.ID, "error", err)
				return
			}
			bs.setHealth(true, "")
		}(bs)
	}
	wg.Wait()
}

// isRetriable classifies transport errors: 5xx and connection-level errors
// are retriable, 4xx fail immediately (spec.md §4.J).
func isRetriable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return true // transport/connection errors
}

// statusError wraps a non-2xx HTTP response (transport.go raises these).
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.code, e.body)
}
