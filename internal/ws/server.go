// Package ws accepts WebSocket connections, tracks them in a registry, keeps
// them alive with protocol-level heartbeats and hands inbound frames to the
// dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/metrics"
)

// errPeerClosed ends a read loop after the close handshake.
var errPeerClosed = errors.New("ws: peer sent close")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string          // address to listen on, e.g. ":4000"
	MaxConnections int             // hard cap on total connections
	MaxFrameBytes  int64           // largest accepted inbound message
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	RelayTimeout   time.Duration   // bound on one relay call
	Heartbeat      HeartbeatConfig // liveness probing
	AllowAnonymous bool            // admit connections without a valid token
	AllowedOrigin  string          // if set, reject upgrades from other origins
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":4000",
		MaxConnections: 100000,
		MaxFrameBytes:  16 << 20,
		WriteTimeout:   10 * time.Second,
		RelayTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// IdentityResolver extracts the caller's identity from the upgrade request.
type IdentityResolver interface {
	FromRequest(r *http.Request) (auth.Identity, error)
}

// PresenceMirror records connections outside the process.
type PresenceMirror interface {
	Create(ctx context.Context, connID string, id *auth.Identity, remoteAddr string) error
	Touch(ctx context.Context, connID, userID string) error
	Delete(ctx context.Context, connID, userID string) error
}

// ConnectLimiter throttles upgrades per client address.
type ConnectLimiter interface {
	AllowConnect(ctx context.Context, ip string) bool
}

// Server upgrades HTTP requests to WebSocket connections and runs one read
// goroutine per connection, so frames from a connection are handled in the
// order they arrive.
type Server struct {
	config     ServerConfig
	registry   *Registry
	identity   IdentityResolver
	dispatcher *MessageDispatcher
	mirror     PresenceMirror
	limiter    ConnectLimiter
	mux        *http.ServeMux
	httpServer *http.Server
	startedAt  time.Time
	slots      atomic.Int64 // reserved or admitted connections

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
}

// NewServer creates a Server that admits connections into registry and
// relays their chat frames through relay.
func NewServer(config ServerConfig, registry *Registry, identity IdentityResolver, relay MessageRelay) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		registry:   registry,
		identity:   identity,
		dispatcher: NewMessageDispatcher(relay, config.RelayTimeout),
		mux:        http.NewServeMux(),
		startedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
	registry.SetOnRemove(s.onRemove)

	s.mux.HandleFunc("/", s.handleUpgrade)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

// SetPresenceMirror enables the Redis presence mirror.
func (s *Server) SetPresenceMirror(m PresenceMirror) {
	s.mirror = m
}

// SetConnectLimiter enables upgrade rate limiting.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// Handle mounts an additional HTTP handler next to the WebSocket endpoint.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Registry returns the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start listens on ListenAddr and blocks until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("ws: server listening on %s (max_conns=%d, heartbeat=%s/%s, anonymous=%v)",
		s.config.ListenAddr, s.config.MaxConnections,
		s.config.Heartbeat.Interval, s.config.Heartbeat.Timeout, s.config.AllowAnonymous)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade resolves the caller, upgrades the request and admits the
// connection. Upgrade requests to any path are accepted; plain HTTP requests
// that are not upgrades get 404.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "" {
		http.NotFound(w, r)
		return
	}
	if !s.reserveSlot() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	admitted := false
	defer func() {
		if !admitted {
			s.releaseSlot()
		}
	}()

	if s.config.AllowedOrigin != "" {
		if origin := r.Header.Get("Origin"); origin != "" && origin != s.config.AllowedOrigin {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
	}

	ip := clientIP(r)
	if s.limiter != nil && !s.limiter.AllowConnect(r.Context(), ip) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	var id *auth.Identity
	resolved, err := s.identity.FromRequest(r)
	switch {
	case err == nil:
		id = &resolved
	case !auth.IsAuthFailure(err):
		log.Printf("ws: identity lookup failed for %s: %v", ip, err)
		http.Error(w, "identity unavailable", http.StatusServiceUnavailable)
		return
	case s.config.AllowAnonymous:
		log.Printf("ws: admitting anonymous connection from %s: %v", ip, err)
	default:
		log.Printf("ws: rejected upgrade from %s: %v", ip, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := NewConnection(uuid.New().String(), conn, s.config.WriteTimeout)
	c.liveness = NewMonitor(s.config.Heartbeat, c.WritePing, func() {
		if s.registry.Remove(c) {
			metrics.LivenessEvictions.Inc()
			log.Printf("ws: heartbeat timeout conn=%s user=%s", c.ID, c.UserID())
		}
	})

	metrics.Connections.Inc()
	admitted = true
	s.registry.Admit(c, id)
	c.liveness.Start()

	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.mirror.Create(ctx, c.ID, c.Identity(), c.RemoteAddr); err != nil {
			log.Printf("ws: failed to mirror conn=%s: %v", c.ID, err)
		}
		cancel()
	}

	log.Printf("ws: new connection conn=%s user=%s (total=%d)", c.ID, c.UserID(), s.registry.Count())

	s.loops.Add(1)
	go s.serve(c)
}

// serve is the connection's read loop. Any read error, protocol error or
// close frame ends the loop and removes the connection.
func (s *Server) serve(c *Connection) {
	defer s.loops.Done()
	defer s.registry.Remove(c)

	control := s.controlHandler(c)
	rd := &wsutil.Reader{
		Source:         c.Conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if !isClosedErr(err) {
				log.Printf("ws: read error conn=%s: %v", c.ID, err)
			}
			return
		}

		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(rd, s.maxFrameBytes()+1))
		if err != nil {
			if !isClosedErr(err) {
				log.Printf("ws: read error conn=%s: %v", c.ID, err)
			}
			return
		}
		if int64(len(data)) > s.maxFrameBytes() {
			log.Printf("ws: message too large conn=%s", c.ID)
			_ = c.WriteFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "")))
			return
		}
		if len(data) == 0 {
			continue
		}

		if err := s.dispatcher.Dispatch(s.ctx, c, data); err != nil {
			log.Printf("ws: write error conn=%s: %v", c.ID, err)
			return
		}
	}
}

// controlHandler answers control frames. Pongs feed the liveness monitor,
// pings are answered and a close frame completes the handshake.
func (s *Server) controlHandler(c *Connection) wsutil.FrameHandlerFunc {
	return func(h ws.Header, r io.Reader) error {
		payload, err := io.ReadAll(r)
		if err != nil {
			return err
		}

		switch h.OpCode {
		case ws.OpPong:
			if c.Liveness() != nil && c.Liveness().Pong() {
				s.touch(c)
			}
		case ws.OpPing:
			return c.WriteFrame(ws.NewPongFrame(payload))
		case ws.OpClose:
			code, _ := ws.ParseCloseFrameData(payload)
			if code.Empty() {
				code = ws.StatusNormalClosure
			}
			_ = c.WriteFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(code, "")))
			return errPeerClosed
		}
		return nil
	}
}

func (s *Server) touch(c *Connection) {
	if s.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.mirror.Touch(ctx, c.ID, c.UserID()); err != nil {
			log.Printf("ws: failed to touch mirror conn=%s: %v", c.ID, err)
		}
	}()
}

// reserveSlot claims one of MaxConnections before the upgrade. The slot is
// held until the connection is removed, so concurrent upgrades cannot
// overshoot the cap.
func (s *Server) reserveSlot() bool {
	n := s.slots.Add(1)
	if s.config.MaxConnections > 0 && n > int64(s.config.MaxConnections) {
		s.slots.Add(-1)
		return false
	}
	return true
}

func (s *Server) releaseSlot() {
	s.slots.Add(-1)
}

// onRemove runs once per removed connection, after its transport is closed.
func (s *Server) onRemove(c *Connection) {
	metrics.Connections.Dec()
	s.releaseSlot()

	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.mirror.Delete(ctx, c.ID, c.UserID()); err != nil {
			log.Printf("ws: failed to delete mirror conn=%s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID(), s.registry.Count())
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown stops accepting connections, sends every client a going-away
// close frame, removes it and waits for the read loops to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}
	s.cancel()

	goingAway := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutdown"))
	for _, c := range s.registry.All() {
		_ = c.WriteFrame(goingAway)
		s.registry.Remove(c)
	}

	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("ws: server stopped, all connections closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
}

func (s *Server) maxFrameBytes() int64 {
	if s.config.MaxFrameBytes <= 0 {
		return DefaultServerConfig().MaxFrameBytes
	}
	return s.config.MaxFrameBytes
}

// clientIP returns the peer address, preferring the first X-Forwarded-For
// hop when the server sits behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var closed wsutil.ClosedError
	return errors.As(err, &closed)
}
