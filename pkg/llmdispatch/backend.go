// Package llmdispatch implements the LLM dispatcher (spec.md §4.J): a
// bounded ingress queue feeding a per-backend worker pool, health-checked
// backend selection, retry-with-jitter, streaming chunk delivery, and
// request/latency/model-usage statistics.
//
// Grounded on the teacher's pkg/mcp/health.go HealthMonitor (ticker-driven
// checkAll, cached per-server status, consecutive-success re-promotion) for
// the backend health loop, and pkg/queue/pool.go + pkg/queue/worker.go for
// the worker-pool shutdown/backoff idiom. Speaks a plain HTTP backend
// protocol instead of the teacher's MCP/gRPC transports, per spec.md §6.
package llmdispatch

import (
	"sync"
	"time"
)

// Backend describes one LLM backend endpoint.
type Backend struct {
	ID            string
	BaseURL       string
	MaxConcurrent int // default 4
	Weight        int // used by the "weighted" strategy; default 1
}

// Strategy selects among healthy backends for a dequeued request.
type Strategy string

const (
	StrategyLeastConnections Strategy = "least_connections"
	StrategyWeighted         Strategy = "weighted"
	StrategyRoundRobin       Strategy = "round_robin"
)

// backendState tracks a backend's live health, concurrency, and stats.
type backendState struct {
	backend Backend
	sem     chan struct{} // capacity MaxConcurrent

	mu                sync.Mutex
	healthy           bool
	consecutiveOK     int
	lastCheck         time.Time
	lastError         string
	inFlight          int
	roundRobinCounter int

	statsMu       sync.Mutex
	total         int64
	succeeded     int64
	failed        int64
	avgLatency    time.Duration
	latencySample int64
	modelUsage    map[string]int64
}

func newBackendState(b Backend) *backendState {
	if b.MaxConcurrent <= 0 {
		b.MaxConcurrent = 4
	}
	if b.Weight <= 0 {
		b.Weight = 1
	}
	return &backendState{
		backend:    b,
		sem:        make(chan struct{}, b.MaxConcurrent),
		healthy:    true, // assume healthy until the first check says otherwise
		modelUsage: make(map[string]int64),
	}
}

func (bs *backendState) setHealth(ok bool, errMsg string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.lastCheck = time.Now()
	if ok {
		bs.consecutiveOK++
		bs.lastError = ""
		if bs.consecutiveOK >= 2 {
			bs.healthy = true
		}
	} else {
		bs.consecutiveOK = 0
		bs.healthy = false
		bs.lastError = errMsg
	}
}

func (bs *backendState) isHealthy() bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.healthy
}

// tryAcquire attempts to claim one of MaxConcurrent slots without blocking.
func (bs *backendState) tryAcquire() bool {
	select {
	case bs.sem <- struct{}{}:
		bs.mu.Lock()
		bs.inFlight++
		bs.mu.Unlock()
		return true
	default:
		return false
	}
}

func (bs *backendState) release() {
	bs.mu.Lock()
	bs.inFlight--
	bs.mu.Unlock()
	<-bs.sem
}

func (bs *backendState) inFlightCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.inFlight
}

func (bs *backendState) recordResult(success bool, model string, latency time.Duration) {
	bs.statsMu.Lock()
	defer bs.statsMu.Unlock()
	bs.total++
	if success {
		bs.succeeded++
		bs.latencySample++
		bs.avgLatency += (latency - bs.avgLatency) / time.Duration(bs.latencySample)
		if model != "" {
			bs.modelUsage[model]++
		}
	} else {
		bs.failed++
	}
}

// Stats is a point-in-time snapshot of one backend's statistics.
type Stats struct {
	BackendID  string
	Healthy    bool
	Total      int64
	Succeeded  int64
	Failed     int64
	AvgLatency time.Duration
	ModelUsage map[string]int64
}

func (bs *backendState) snapshot() Stats {
	bs.statsMu.Lock()
	usage := make(map[string]int64, len(bs.modelUsage))
	for k, v := range bs.modelUsage {
		usage[k] = v
	}
	total, succ, fail, avg := bs.total, bs.succeeded, bs.failed, bs.avgLatency
	bs.statsMu.Unlock()

	return Stats{
		BackendID:  bs.backend.ID,
		Healthy:    bs.isHealthy(),
		Total:      total,
		Succeeded:  succ,
		Failed:     fail,
		AvgLatency: avg,
		ModelUsage: usage,
	}
}
