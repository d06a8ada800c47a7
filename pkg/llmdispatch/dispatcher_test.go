package llmdispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is a fully in-memory Transport double; no network I/O.
type fakeTransport struct {
	mu          sync.Mutex
	pingErr     map[string]error
	generateErr map[string]error
	chunks      map[string][]string // backend -> chunk texts to emit before done
	calls       int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		pingErr:     make(map[string]error),
		generateErr: make(map[string]error),
		chunks:      make(map[string][]string),
	}
}

func (f *fakeTransport) Generate(ctx context.Context, baseURL string, req RequestConfig, onChunk func(Event)) (string, int, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	err := f.generateErr[baseURL]
	chunks := f.chunks[baseURL]
	f.mu.Unlock()
	if err != nil {
		return "", 0, err
	}
	var text string
	for _, c := range chunks {
		if onChunk != nil {
			onChunk(Event{Kind: EventChunkReceived, ChunkText: c})
		}
		text += c
	}
	if text == "" {
		text = "response from " + baseURL
	}
	return text, len(text), nil
}

func (f *fakeTransport) ListModels(ctx context.Context, baseURL string) ([]string, error) {
	return []string{"model-a", "model-b"}, nil
}

func (f *fakeTransport) Ping(ctx context.Context, baseURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr[baseURL]
}

func newTestDispatcher(t *testing.T, ft *fakeTransport, backends ...Backend) *Dispatcher {
	t.Helper()
	cfg := Config{
		QueueCapacity:    16,
		HealthInterval:   time.Hour, // tests call checkAll/RefreshModels explicitly
		DispatchInterval: 5 * time.Millisecond,
		RetryDelay:       5 * time.Millisecond,
	}
	d := New(cfg, ft, nil)
	for _, b := range backends {
		d.AddBackend(b)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d.Start(ctx)
	t.Cleanup(d.Stop)
	return d
}

func TestSubmitRunsRequestToHealthyBackend(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, Backend{ID: "b1", BaseURL: "http://b1", MaxConcurrent: 2})

	_, events, err := d.Submit(RequestConfig{Model: "m1", Prompt: "hi"})
	require.NoError(t, err)

	ev := requireEvent(t, events, EventCompleted)
	require.Equal(t, "response from http://b1", ev.Text)
}

func TestSubmitFailsWhenQueueFull(t *testing.T) {
	ft := newFakeTransport()
	cfg := Config{QueueCapacity: 1, DispatchInterval: time.Hour} // never drains
	d := New(cfg, ft, nil)
	d.AddBackend(Backend{ID: "b1", BaseURL: "http://b1"})

	_, _, err := d.Submit(RequestConfig{Model: "m1", Prompt: "first"})
	require.NoError(t, err)
	_, _, err = d.Submit(RequestConfig{Model: "m1", Prompt: "second"})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestRetriableErrorIsRetriedThenSucceeds(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, Backend{ID: "b1", BaseURL: "http://b1"})

	ft.mu.Lock()
	ft.generateErr["http://b1"] = &statusError{code: 503}
	ft.mu.Unlock()

	// Flip to success after the first attempt via a goroutine racing the
	// dispatcher's retry backoff (RetryDelay is 5ms in test config).
	go func() {
		time.Sleep(2 * time.Millisecond)
		ft.mu.Lock()
		delete(ft.generateErr, "http://b1")
		ft.mu.Unlock()
	}()

	_, events, err := d.Submit(RequestConfig{Model: "m1", Prompt: "hi"})
	require.NoError(t, err)
	requireEvent(t, events, EventCompleted)
}

func TestNonRetriable4xxFailsImmediately(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, Backend{ID: "b1", BaseURL: "http://b1"})
	ft.mu.Lock()
	ft.generateErr["http://b1"] = &statusError{code: 400}
	ft.mu.Unlock()

	_, events, err := d.Submit(RequestConfig{Model: "m1", Prompt: "hi"})
	require.NoError(t, err)
	ev := requireEvent(t, events, EventFailed)
	require.Error(t, ev.Err)
	require.EqualValues(t, 1, atomic.LoadInt32(&ft.calls))
}

func TestStreamingEmitsChunksThenCompleted(t *testing.T) {
	ft := newFakeTransport()
	ft.chunks["http://b1"] = []string{"hel", "lo ", "world"}
	d := newTestDispatcher(t, ft, Backend{ID: "b1", BaseURL: "http://b1"})

	_, events, err := d.Submit(RequestConfig{Model: "m1", Prompt: "hi", Stream: true})
	require.NoError(t, err)

	var chunkCount int
	for ev := range events {
		if ev.Kind == EventChunkReceived {
			chunkCount++
			continue
		}
		require.Equal(t, EventCompleted, ev.Kind)
		require.Equal(t, "hello world", ev.Text)
	}
	require.Equal(t, 3, chunkCount)
}

func TestHealthCheckDemotesAndRePromotesBackend(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, Backend{ID: "b1", BaseURL: "http://b1"})

	ft.mu.Lock()
	ft.pingErr["http://b1"] = context.DeadlineExceeded
	ft.mu.Unlock()
	d.checkAll(context.Background())
	require.False(t, d.backends["b1"].isHealthy())

	ft.mu.Lock()
	delete(ft.pingErr, "http://b1")
	ft.mu.Unlock()
	d.checkAll(context.Background())
	require.False(t, d.backends["b1"].isHealthy(), "one success should not yet re-promote")
	d.checkAll(context.Background())
	require.True(t, d.backends["b1"].isHealthy(), "two consecutive successes should re-promote")
}

func TestSubmitStaysQueuedWithNoHealthyBackend(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, Backend{ID: "b1", BaseURL: "http://b1"})
	d.backends["b1"].setHealth(false, "forced unhealthy for test")

	_, events, err := d.Submit(RequestConfig{Model: "m1", Prompt: "hi"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		t.Fatalf("expected no event while backend stays unhealthy, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelQueuedRequestNeverResolves(t *testing.T) {
	ft := newFakeTransport()
	cfg := Config{QueueCapacity: 4, DispatchInterval: time.Hour}
	d := New(cfg, ft, nil)
	d.AddBackend(Backend{ID: "b1", BaseURL: "http://b1"})

	reqID, events, err := d.Submit(RequestConfig{Model: "m1", Prompt: "hi"})
	require.NoError(t, err)
	require.NoError(t, d.Cancel(reqID))

	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("expected no event for a cancelled queued request, got %+v", ev)
		}
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStatsTrackTotalsAndModelUsage(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, Backend{ID: "b1", BaseURL: "http://b1"})

	_, events, err := d.Submit(RequestConfig{Model: "gpt-x", Prompt: "hi"})
	require.NoError(t, err)
	requireEvent(t, events, EventCompleted)

	stats := d.Stats()
	require.Len(t, stats, 1)
	require.EqualValues(t, 1, stats[0].Total)
	require.EqualValues(t, 1, stats[0].Succeeded)
	require.EqualValues(t, 1, stats[0].ModelUsage["gpt-x"])
}

func TestRefreshModelsMergesAcrossBackends(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDispatcher(t, ft, Backend{ID: "b1", BaseURL: "http://b1"}, Backend{ID: "b2", BaseURL: "http://b2"})

	require.NoError(t, d.RefreshModels(context.Background()))
	models := d.Models()
	require.ElementsMatch(t, []string{"model-a", "model-b"}, models)
}

func requireEvent(t *testing.T, events <-chan Event, wantKind EventKind) Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "events channel closed before a %s event arrived", wantKind)
			if ev.Kind == wantKind {
				return ev
			}
			if ev.Kind == EventFailed && wantKind != EventFailed {
				t.Fatalf("request failed unexpectedly: %v", ev.Err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", wantKind)
		}
	}
}
