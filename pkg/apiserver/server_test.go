package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeCounter int

func (f fakeCounter) Count() int { return int(f) }

type fakeShards []ShardStatus

func (f fakeShards) Snapshot() []ShardStatus { return f }

type fakeBackends []BackendStatus

func (f fakeBackends) Stats() []BackendStatus { return f }

func newTestServer(db Pinger, shards ShardSnapshotter, backends BackendStatsReporter, agents, sessions Counter) *Server {
	return New(Config{GinMode: "test"}, db, shards, backends, agents, sessions)
}

func doGet(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func TestHealthHandlerHealthyWhenDatabaseReachable(t *testing.T) {
	s := newTestServer(fakePinger{}, nil, nil, nil, nil)
	rec := doGet(s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, healthStatusHealthy, resp.Status)
	require.Equal(t, "ok", resp.Checks.Database)
}

func TestHealthHandlerUnhealthyWhenDatabaseUnreachable(t *testing.T) {
	s := newTestServer(fakePinger{err: errors.New("connection refused")}, nil, nil, nil, nil)
	rec := doGet(s, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, healthStatusUnhealthy, resp.Status)
	require.Equal(t, "connection refused", resp.Checks.Database)
}

func TestHealthHandlerOmitsDatabaseCheckWhenNotWired(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil, nil)
	rec := doGet(s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, healthStatusHealthy, resp.Status)
	require.Empty(t, resp.Checks.Database)
}

func TestStatsHandlerReportsWiredComponents(t *testing.T) {
	shards := fakeShards{{ID: 1, CurrentCount: 3, Capacity: 10, Healthy: true, LastHeartbeat: time.Now()}}
	backends := fakeBackends{{BackendID: "primary", Healthy: true, Total: 5, Succeeded: 5}}
	s := newTestServer(fakePinger{}, shards, backends, fakeCounter(42), fakeCounter(7))

	rec := doGet(s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 42, resp.Agents)
	require.Equal(t, 7, resp.Sessions)
	require.Len(t, resp.Shards, 1)
	require.Equal(t, 1, resp.Shards[0].ID)
	require.Len(t, resp.LLMBackends, 1)
	require.Equal(t, "primary", resp.LLMBackends[0].BackendID)
	require.Positive(t, resp.GeneratedUnix)
}

func TestStatsHandlerOmitsUnwiredComponents(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil, nil)
	rec := doGet(s, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.Agents)
	require.Empty(t, resp.Shards)
	require.Empty(t, resp.LLMBackends)
}

func TestStartAndStopBindsAndReleasesListener(t *testing.T) {
	s := New(Config{ListenAddress: "127.0.0.1:0", GinMode: "test"}, fakePinger{}, nil, nil, nil, nil)
	require.NoError(t, s.Start(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestStopIsNoOpWhenNeverStarted(t *testing.T) {
	s := newTestServer(nil, nil, nil, nil, nil)
	require.NoError(t, s.Stop(context.Background()))
}
