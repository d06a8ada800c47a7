// Package server implements the protocol server (spec.md §4.H): accepts
// clients over TCP or a Unix socket, one reader/writer goroutine pair per
// session, a command-handler dispatch table, a broadcast primitive with
// per-session backpressure disconnection, and periodic idle-session
// cleanup.
//
// Grounded on the teacher's pkg/events/manager.go ConnectionManager:
// connections map + RWMutex, channel/session registration, and the
// snapshot-then-send pattern in Broadcast (copy connection pointers under
// the lock, send outside it). Adapted from its WebSocket transport to raw
// net.Conn framed by pkg/wire's length-prefixed codec, since spec.md calls
// for a custom TCP/Unix protocol rather than WebSocket.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tarsy-ai/tarsy-ai/pkg/wire"
)

// Handler processes one request-kind Message and returns the response
// Message (kind=response) to send back. Handlers never see heartbeat or
// notification frames.
type Handler func(ctx context.Context, sessionID string, req wire.Message) wire.Message

// Config holds the server's tunables (spec.md §6 "Protocol Server" keys).
type Config struct {
	Network             string // "tcp" or "unix"; default "tcp"
	Address             string
	BroadcastQueueLimit int           // default 1024
	WriteStallTimeout   time.Duration // default 5s
	CleanupInterval     time.Duration // default 60s
	HeartbeatInterval   time.Duration // default 30s, used for the 2x idle-timeout rule
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.BroadcastQueueLimit == 0 {
		c.BroadcastQueueLimit = 1024
	}
	if c.WriteStallTimeout == 0 {
		c.WriteStallTimeout = 5 * time.Second
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
}

// session is one connected client.
type session struct {
	id         string
	conn       net.Conn
	outbox     chan wire.Message
	lastActive atomic64 // unix nanos, updated on every frame received or sent
	cancel     context.CancelFunc
	closeOnce  sync.Once
}

func (s *session) touch() { s.lastActive.store(time.Now().UnixNano()) }

// atomic64 is a minimal mutex-guarded int64 box used for the server's
// per-session timestamps.
type atomic64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic64) store(v int64) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic64) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// Server is the protocol server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	handlers map[string]Handler

	mu       sync.RWMutex
	sessions map[string]*session

	nextID   uint64
	nextIDMu sync.Mutex

	listener net.Listener

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Server. Register command handlers with Handle before Serve.
func New(cfg Config, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "protocol_server"),
		handlers: make(map[string]Handler),
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
}

// Handle registers the handler invoked for requests with the given cmd.
func (s *Server) Handle(cmd string, h Handler) {
	s.handlers[cmd] = h
}

// Serve opens the listener and accepts connections until ctx is done or
// Stop is called. Blocks until the accept loop exits.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return fmt.Errorf("protocol server listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("protocol server listening", "network", s.cfg.Network, "address", ln.Addr().String())

	s.wg.Add(1)
	go s.runCleanupLoop(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		<-s.stopCh
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.stopCh:
				return nil
			default:
				s.logger.Warn("accept failed", "error", err)
				return err
			}
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Stop closes the listener and every session, then waits for in-flight
// goroutines to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()
	for _, sess := range sessions {
		s.closeSession(sess)
	}
	s.wg.Wait()
}

func (s *Server) newSessionID() string {
	s.nextIDMu.Lock()
	defer s.nextIDMu.Unlock()
	s.nextID++
	return fmt.Sprintf("sess-%d", s.nextID)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		id:     s.newSessionID(),
		conn:   conn,
		outbox: make(chan wire.Message, s.cfg.BroadcastQueueLimit),
		cancel: cancel,
	}
	sess.touch()

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Info("session accepted", "session", sess.id, "remote", conn.RemoteAddr())

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		s.writerLoop(sess)
	}()

	s.readerLoop(sessCtx, sess)

	s.closeSession(sess)
	close(sess.outbox)
	writerWG.Wait()
	s.removeSession(sess)
}

func (s *Server) readerLoop(ctx context.Context, sess *session) {
	r := bufio.NewReader(sess.conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := wire.ReadFrame(r)
		if err != nil {
			if errors.Is(err, wire.ErrFrameInvalid) {
				s.logger.Warn("bad frame, terminating session", "session", sess.id, "error", err)
			}
			return
		}
		sess.touch()

		switch msg.Kind {
		case wire.KindHeartbeat:
			continue
		case wire.KindRequest:
			resp := s.dispatch(ctx, sess.id, msg)
			s.trySend(sess, resp)
		default:
			// Clients do not send response/notification frames; tolerate and
			// ignore rather than tearing down the session.
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sessionID string, req wire.Message) wire.Message {
	h, ok := s.handlers[req.Cmd]
	if !ok {
		return wire.Message{
			Kind: wire.KindResponse, RequestID: req.RequestID, Timestamp: nowMillis(),
			Status: wire.StatusError, Error: wire.ErrUnknownCommand,
		}
	}
	return h(ctx, sessionID, req)
}

// writerLoop serializes every outgoing message for one session. It exits
// when the outbox channel is closed (by readerLoop on teardown) or on a
// write error/stall.
func (s *Server) writerLoop(sess *session) {
	for msg := range sess.outbox {
		sess.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteStallTimeout))
		if err := wire.WriteFrame(sess.conn, msg); err != nil {
			s.logger.Warn("write failed, closing session", "session", sess.id, "error", err)
			s.closeSession(sess)
			return
		}
		sess.touch()
	}
}

// trySend enqueues msg on sess's outbox without blocking; if the outbox is
// full the session is disconnected with backpressure, per spec.md §4.H.
func (s *Server) trySend(sess *session, msg wire.Message) {
	select {
	case sess.outbox <- msg:
	default:
		s.logger.Warn("session outbox full, disconnecting", "session", sess.id, "limit", s.cfg.BroadcastQueueLimit)
		s.closeSession(sess)
	}
}

// Broadcast fans a notification out to every connected session. Sessions
// whose outbox is full are disconnected rather than allowed to block the
// broadcaster (spec.md §4.H).
func (s *Server) Broadcast(msg wire.Message) {
	msg.Kind = wire.KindNotification
	if msg.Timestamp == 0 {
		msg.Timestamp = nowMillis()
	}

	s.mu.RLock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		s.trySend(sess, msg)
	}
}

func (s *Server) closeSession(sess *session) {
	sess.closeOnce.Do(func() {
		sess.cancel()
		sess.conn.Close()
	})
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.logger.Info("session closed", "session", sess.id)
}

// SessionCount reports the number of currently tracked sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) runCleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	idleAfter := 2 * s.cfg.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepIdleSessions(idleAfter)
		}
	}
}

func (s *Server) sweepIdleSessions(idleAfter time.Duration) {
	now := time.Now().UnixNano()
	s.mu.RLock()
	var stale []*session
	for _, sess := range s.sessions {
		if time.Duration(now-sess.lastActive.load()) > idleAfter {
			stale = append(stale, sess)
		}
	}
	s.mu.RUnlock()
	for _, sess := range stale {
		s.logger.Info("closing idle session", "session", sess.id)
		s.closeSession(sess)
	}
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }
