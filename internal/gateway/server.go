package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pairline/pairline/internal/chat"
	"github.com/pairline/pairline/internal/config"
	"github.com/pairline/pairline/internal/domain"
	"github.com/pairline/pairline/internal/logging"
	"github.com/pairline/pairline/internal/version"
)

var ErrClientClosed = errors.New("client connection closed")

// Server is the pairline gateway HTTP + WebSocket server. Each accepted
// WebSocket connection attaches one user to one conversation; the chat
// hub does the rest.
type Server struct {
	cfg      config.Config
	auth     ResolvedAuth
	log      *logging.Logger
	hub      *chat.Hub
	clients  *ClientRegistry
	handlers map[string]RequestHandler
	version  string

	startedAt   time.Time
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
}

// authRateLimiter tracks failed auth attempts per IP to prevent brute-force attacks.
type authRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

const (
	authRateWindow   = 5 * time.Minute
	authRateMaxFails = 10
	authRateMaxIPs   = 10000 // max tracked IPs to prevent memory exhaustion
)

func newAuthRateLimiter() *authRateLimiter {
	rl := &authRateLimiter{failures: make(map[string][]time.Time)}
	go rl.periodicCleanup()
	return rl
}

// periodicCleanup removes stale entries every minute.
func (l *authRateLimiter) periodicCleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		cutoff := time.Now().Add(-authRateWindow)
		for ip, times := range l.failures {
			filtered := times[:0]
			for _, t := range times {
				if t.After(cutoff) {
					filtered = append(filtered, t)
				}
			}
			if len(filtered) == 0 {
				delete(l.failures, ip)
			} else {
				l.failures[ip] = filtered
			}
		}
		l.mu.Unlock()
	}
}

func (l *authRateLimiter) allow(remoteAddr string) bool {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-authRateWindow)
	recent := l.failures[host]
	filtered := recent[:0]
	for _, t := range recent {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		delete(l.failures, host)
		return true
	}
	l.failures[host] = filtered
	return len(filtered) < authRateMaxFails
}

func (l *authRateLimiter) recordFailure(remoteAddr string) {
	host, _, _ := net.SplitHostPort(remoteAddr)
	if host == "" {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Enforce max entries cap to prevent memory exhaustion from DDoS
	if _, exists := l.failures[host]; !exists && len(l.failures) >= authRateMaxIPs {
		var oldestIP string
		var oldestTime time.Time
		for ip, times := range l.failures {
			if len(times) > 0 && (oldestIP == "" || times[0].Before(oldestTime)) {
				oldestIP = ip
				oldestTime = times[0]
			}
		}
		if oldestIP != "" {
			delete(l.failures, oldestIP)
		}
	}

	l.failures[host] = append(l.failures[host], time.Now())
}

// New creates a gateway server. The hub must have been built over a
// Broadcaster sharing the same client registry, otherwise join events
// address connections the transport cannot see.
func New(cfg config.Config, hub *chat.Hub, clients *ClientRegistry, log *logging.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		auth:        ResolveAuth(cfg.Gateway.Auth),
		log:         log.Component("gateway"),
		hub:         hub,
		clients:     clients,
		handlers:    make(map[string]RequestHandler),
		version:     version.Version,
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
	}

	s.registerRPCHandlers()
	return s
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin headers.
// If no origins are configured, only same-origin (no Origin header) or non-browser
// clients are allowed. If origins are configured, the Origin must match one of them.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Same-origin or non-browser clients
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Handle registers an RPC method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the list of registered RPC method names.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	return methods
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)

	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux)

	handler := withMiddleware(mux, s.log, s.cfg.Gateway.AllowedOrigins)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.startedAt = time.Now()

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Gateway.Bind).
		Str("auth", s.auth.Mode).
		Int("methods", len(s.handlers)).
		Msg("gateway server ready")

	// Shutdown when context is cancelled
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.clients.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Rate-limit connection attempts per IP
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited — too many failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn.SetReadLimit(1 * 1024 * 1024)

	s.log.Debug().Str("remote", r.RemoteAddr).Msg("new websocket connection")

	// Counterpart may arrive via query string instead of connect params
	client, err := s.handshake(conn, r.URL.Query().Get("user"))
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake failed")
		s.authLimiter.recordFailure(conn.RemoteAddr().String())
		conn.Close()
		return
	}

	s.clients.Add(client)
	defer func() {
		s.clients.Remove(client.ConnID)
		client.Close()
	}()

	domainConn := domain.Connection{ID: client.ConnID, Username: client.Username}

	// Join the conversation. A registry or store failure rejects the
	// connect as a whole: the client gets an explicit error event and
	// the connection is dropped.
	if err := s.hub.Connect(r.Context(), domainConn, client.Counterpart); err != nil {
		s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("join rejected")
		client.SendEvent("connect.error", ErrorShape{Code: "join_failed", Message: err.Error()}, 0)
		s.hub.Abandon(domainConn)
		return
	}
	defer func() {
		if err := s.hub.Disconnect(context.Background(), domainConn); err != nil &&
			!errors.Is(err, chat.ErrConnectionNotTracked) {
			s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("disconnect cleanup failed")
		}
	}()

	// Message read loop
	s.readLoop(client)
}

// handshake performs the WebSocket authentication handshake.
// Flow: server sends challenge → client sends connect → server validates → sends hello-ok.
func (s *Server) handshake(conn *websocket.Conn, queryUser string) (*Client, error) {
	// Set a read deadline for the handshake
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	// Send challenge
	nonce := uuid.New().String()
	challenge, err := NewEvent("connect.challenge", map[string]any{
		"nonce": nonce,
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	// Read connect request
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}

	if frame.Type != FrameTypeRequest || frame.Method != "connect" {
		sendErrorAndClose(conn, frame.ID, "protocol_error", "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, "invalid_params", "invalid connect params")
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}

	username := domain.NormalizeUsername(params.Username)
	counterpart := domain.NormalizeUsername(params.With)
	if counterpart == "" {
		counterpart = domain.NormalizeUsername(queryUser)
	}

	if err := domain.ValidateUsername(username); err != nil {
		sendErrorAndClose(conn, frame.ID, "invalid_params", "username: "+err.Error())
		return nil, fmt.Errorf("validating username: %w", err)
	}
	if err := domain.ValidateUsername(counterpart); err != nil {
		sendErrorAndClose(conn, frame.ID, "invalid_params", "counterpart: "+err.Error())
		return nil, fmt.Errorf("validating counterpart: %w", err)
	}
	if username == counterpart {
		sendErrorAndClose(conn, frame.ID, "invalid_params", "cannot open a conversation with yourself")
		return nil, fmt.Errorf("user %q opened conversation with self", username)
	}

	// Authenticate
	authResult := Authorize(s.auth, params.Auth)
	if !authResult.OK {
		sendErrorAndClose(conn, frame.ID, "unauthorized", authResult.Reason)
		return nil, fmt.Errorf("auth failed: %s", authResult.Reason)
	}

	// Make sure the user exists before anything references it
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	user, err := s.hub.RegisterUser(ctx, username, params.DisplayName)
	if err != nil {
		sendErrorAndClose(conn, frame.ID, "internal_error", "registering user failed")
		return nil, fmt.Errorf("registering user %q: %w", username, err)
	}

	// Clear the read deadline for post-handshake
	conn.SetReadDeadline(time.Time{})

	client := NewClient(conn, user.Username, user.DisplayName, counterpart, s.log.Component("ws"))

	// Send hello-ok
	hello := HelloOK{
		Protocol: ProtocolVersion,
		Server: ServerInfo{
			Version: s.version,
			Commit:  version.Commit,
			ConnID:  client.ConnID,
		},
		Group: chat.CanonicalGroupName(user.Username, counterpart),
		Features: Features{
			Methods: s.Methods(),
			Events: []string{
				"connect.challenge",
				chat.EventUpdatedGroup,
				chat.EventReceiveMessageThread,
				chat.EventNewMessage,
				chat.EventNewMessageReceived,
				chat.EventUserIsOnline,
				chat.EventUserIsOffline,
				chat.EventOnlineUsers,
			},
		},
	}

	resp, err := NewResponse(frame.ID, hello)
	if err != nil {
		return nil, fmt.Errorf("creating hello response: %w", err)
	}
	if err := conn.WriteJSON(resp); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("user", user.Username).
		Str("with", counterpart).
		Str("authMethod", authResult.Method).
		Msg("client authenticated")

	return client, nil
}

// readLoop processes incoming frames from an authenticated client.
func (s *Server) readLoop(client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}

		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}

		s.dispatch(client, frame)
	}
}

// dispatch routes a request frame to the appropriate handler.
func (s *Server) dispatch(client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    "method_not_found",
			Message: "unknown method: " + frame.Method,
		})
		return
	}

	rc := &RequestContext{
		Client: client,
		Frame:  frame,
		Server: s,
	}

	handler(rc)
}

// sendErrorAndClose sends an error response and closes the connection.
func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	errFrame := NewErrorResponse(reqID, ErrorShape{
		Code:    code,
		Message: message,
	})
	conn.WriteJSON(errFrame)
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, message))
}
