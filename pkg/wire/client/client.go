// Package client implements the protocol client (spec.md §4.I): a
// reconnecting state machine with a bounded outbox, pending-request
// tracking with retry/timeout, and periodic heartbeats.
//
// Grounded on the teacher's pkg/events/listener.go reconnect-loop idiom
// (dedicated connection, command channel serializing access, atomic
// running flag) and pkg/mcp/health.go's consecutive-success re-promotion
// counting style, adapted here to a TCP/Unix client reconnecting to the
// protocol server instead of a database LISTEN connection.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarsy-ai/tarsy-ai/pkg/wire"
)

// State is one of the client's connection states.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// Config holds the client's tunables (spec.md §6 "Protocol Client" keys).
type Config struct {
	Network           string // "tcp" or "unix"
	Address           string
	MaxAttempts       int           // default 10
	ReconnectInterval time.Duration // default 5s
	OutboxCapacity    int           // default 10000
	OutboxDrainBatch  int           // default 10, per 100ms
	RequestTimeout    time.Duration // default 30s
	MaxRetries        int           // default 3
	ScanInterval      time.Duration // default 5s
	HeartbeatInterval time.Duration // default 30s
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 10
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.OutboxCapacity == 0 {
		c.OutboxCapacity = 10000
	}
	if c.OutboxDrainBatch == 0 {
		c.OutboxDrainBatch = 10
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
}

type pendingRequest struct {
	msg     wire.Message
	sentAt  time.Time
	retries int
	replyCh chan wire.Message
}

// NotificationHandler is invoked for every notification-kind frame the
// server sends.
type NotificationHandler func(wire.Message)

// Client is the protocol client.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	onNotify NotificationHandler

	mu    sync.Mutex
	state State
	conn  net.Conn

	outbox chan wire.Message

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	latencyMu  sync.Mutex
	avgLatency time.Duration
	sampleN    int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a disconnected Client.
func New(cfg Config, onNotify NotificationHandler, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "protocol_client"),
		onNotify: onNotify,
		state:    StateDisconnected,
		outbox:   make(chan wire.Message, cfg.OutboxCapacity),
		pending:  make(map[string]*pendingRequest),
		stopCh:   make(chan struct{}),
	}
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials the server and starts the reader/writer/heartbeat/scan
// loops. It auto-reconnects on connection loss until Disconnect is called.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)
	if err := c.dial(); err != nil {
		c.setState(StateReconnecting)
		c.wg.Add(1)
		go c.reconnectLoop(ctx)
		return nil
	}
	c.setState(StateConnected)

	c.wg.Add(4)
	go c.readerLoop(ctx)
	go c.writerLoop(ctx)
	go c.scanLoop(ctx)
	go c.heartbeatLoop(ctx)
	return nil
}

func (c *Client) dial() error {
	conn, err := net.Dial(c.cfg.Network, c.cfg.Address)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Disconnect tears the connection down permanently; no further reconnects
// are attempted.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.setState(StateDisconnected)
	c.wg.Wait()
}

func (c *Client) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}

		if err := c.dial(); err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.setState(StateConnected)
		c.wg.Add(4)
		go c.readerLoop(ctx)
		go c.writerLoop(ctx)
		go c.scanLoop(ctx)
		go c.heartbeatLoop(ctx)
		c.drainOutboxBurst()
		return
	}
	c.logger.Error("exhausted reconnect attempts", "max_attempts", c.cfg.MaxAttempts)
	c.setState(StateDisconnected)
}

// drainOutboxBurst is a best-effort nudge; the writerLoop itself enforces
// the ≤N-per-100ms drain rate on every send, this just logs the backlog
// size for observability right after reconnect.
func (c *Client) drainOutboxBurst() {
	if n := len(c.outbox); n > 0 {
		c.logger.Info("draining outbox after reconnect", "queued", n)
	}
}

// Send enqueues msg for delivery. While disconnected, it queues into the
// bounded outbox (spec.md §4.I); returns an error if the outbox is full.
func (c *Client) Send(msg wire.Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	select {
	case c.outbox <- msg:
		return nil
	default:
		return fmt.Errorf("wire client: outbox full (capacity %d)", c.cfg.OutboxCapacity)
	}
}

// Request sends a request frame and blocks until the matching response
// arrives, the context is cancelled, or retries are exhausted.
func (c *Client) Request(ctx context.Context, cmd string, data []byte) (wire.Message, error) {
	reqID := uuid.NewString()
	msg := wire.Message{Kind: wire.KindRequest, Cmd: cmd, RequestID: reqID, Timestamp: time.Now().UnixMilli(), Data: data}

	replyCh := make(chan wire.Message, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = &pendingRequest{msg: msg, sentAt: time.Now(), replyCh: replyCh}
	c.pendingMu.Unlock()

	if err := c.Send(msg); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return wire.Message{}, err
	}

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
		return wire.Message{}, ctx.Err()
	}
}

func (c *Client) writerLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.flushBatch()
		}
	}
}

func (c *Client) flushBatch() {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return
	}
	for i := 0; i < c.cfg.OutboxDrainBatch; i++ {
		select {
		case msg := <-c.outbox:
			if err := wire.WriteFrame(conn, msg); err != nil {
				c.logger.Warn("write failed, will reconnect", "error", err)
				c.handleConnLoss(conn)
				return
			}
		default:
			return
		}
	}
}

func (c *Client) readerLoop(ctx context.Context) {
	defer c.wg.Done()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	r := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		msg, err := wire.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("read failed, will reconnect", "error", err)
			}
			c.handleConnLoss(conn)
			return
		}

		switch msg.Kind {
		case wire.KindResponse:
			c.resolvePending(msg)
		case wire.KindNotification:
			if c.onNotify != nil {
				c.onNotify(msg)
			}
		}
	}
}

func (c *Client) resolvePending(msg wire.Message) {
	c.pendingMu.Lock()
	pr, ok := c.pending[msg.RequestID]
	if ok {
		delete(c.pending, msg.RequestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	c.recordLatency(time.Since(pr.sentAt))
	select {
	case pr.replyCh <- msg:
	default:
	}
}

func (c *Client) recordLatency(d time.Duration) {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	c.sampleN++
	c.avgLatency += (d - c.avgLatency) / time.Duration(c.sampleN)
}

// AverageLatency returns the moving-average request latency.
func (c *Client) AverageLatency() time.Duration {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	return c.avgLatency
}

func (c *Client) scanLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.scanPending()
		}
	}
}

func (c *Client) scanPending() {
	now := time.Now()
	c.pendingMu.Lock()
	var expired []*pendingRequest
	var toRetry []*pendingRequest
	for id, pr := range c.pending {
		if now.Sub(pr.sentAt) < c.cfg.RequestTimeout {
			continue
		}
		if pr.retries < c.cfg.MaxRetries {
			pr.retries++
			pr.sentAt = now
			toRetry = append(toRetry, pr)
		} else {
			expired = append(expired, pr)
			delete(c.pending, id)
		}
	}
	c.pendingMu.Unlock()

	for _, pr := range toRetry {
		_ = c.Send(pr.msg)
	}
	for _, pr := range expired {
		select {
		case pr.replyCh <- wire.Message{Kind: wire.KindResponse, RequestID: pr.msg.RequestID, Status: wire.StatusError, Error: wire.ErrRequestTimeout}:
		default:
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.State() == StateConnected {
				_ = c.Send(wire.Message{Kind: wire.KindHeartbeat, Timestamp: time.Now().UnixMilli()})
			}
		}
	}
}

// handleConnLoss is reachable concurrently from both readerLoop and
// writerLoop when the same connection drops. Only the first caller to
// observe c.conn still equal to conn proceeds past the check, so exactly
// one reconnectLoop is spawned per lost connection rather than one per
// caller.
func (c *Client) handleConnLoss(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	conn.Close()
	c.conn = nil
	alreadyStopped := false
	select {
	case <-c.stopCh:
		alreadyStopped = true
	default:
	}
	c.mu.Unlock()
	if alreadyStopped {
		return
	}
	c.setState(StateReconnecting)
	c.wg.Add(1)
	go c.reconnectLoop(context.Background())
}
