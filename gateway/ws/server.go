package ws

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/replicant/broadcast"
	"github.com/c360/replicant/errors"
	"github.com/c360/replicant/metric"
	"github.com/c360/replicant/replicant"
)

const (
	readDeadline = 60 * time.Second
	pingInterval = 30 * time.Second

	// identityHeader carries the optional client identity recorded as
	// changedBy on writes. Absent, writes are attributed to the
	// connection id.
	identityHeader = "X-Replicant-Identity"
)

// Config holds configuration for the WebSocket gateway.
type Config struct {
	Port            int
	Path            string
	Store           *replicant.Store
	Broadcaster     *broadcast.Broadcaster
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// DefaultConfig returns sensible gateway defaults.
func DefaultConfig() Config {
	return Config{
		Port: 8081,
		Path: "/replicants",
	}
}

// Server is the WebSocket gateway: it upgrades connections, parses client
// commands, and routes them to the replicant store and the broadcaster.
type Server struct {
	port        int
	path        string
	store       *replicant.Store
	broadcaster *broadcast.Broadcaster
	logger      *slog.Logger
	metrics     *Metrics

	server    *http.Server
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	shutdown    chan struct{}
	running     bool
	startTime   time.Time
	mu          sync.RWMutex
	lifecycleMu sync.Mutex // serializes Start/Stop
	wg          *sync.WaitGroup
}

// NewServer creates a gateway from the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Server", "NewServer",
			"replicant store is required")
	}
	if cfg.Broadcaster == nil {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Server", "NewServer",
			"broadcaster is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultConfig().Port
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Server{
		port:        cfg.Port,
		path:        cfg.Path,
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		logger:      cfg.Logger,
		metrics:     newMetrics(cfg.MetricsRegistry),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				// Browser dashboards connect cross-origin; authentication
				// is the identity collaborator's concern, not the socket's
				return true
			},
		},
		clients: make(map[*websocket.Conn]*clientInfo),
		wg:      &sync.WaitGroup{},
	}, nil
}

// Start begins serving WebSocket connections.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.port < 1 || s.port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Start",
			fmt.Sprintf("invalid port %d", s.port))
	}

	s.shutdown = make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	s.running = true
	s.startTime = time.Now()

	s.wg.Add(2)
	go s.runServer()
	go s.maintainClients(ctx)

	s.logger.Info("websocket gateway started", "port", s.port, "path", s.path)
	return nil
}

// Stop shuts the gateway down, closing every client connection.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)
	server := s.server
	s.server = nil
	s.mu.Unlock()

	s.closeAllClients()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "http shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Server", "Stop", "goroutines did not drain")
	}

	s.logger.Info("websocket gateway stopped")
	return nil
}

// Address returns the gateway's listen address.
func (s *Server) Address() string {
	return fmt.Sprintf("ws://localhost:%d%s", s.port, s.path)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) runServer() {
	defer s.wg.Done()

	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()
	if server == nil {
		return
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("websocket server exited", "error", err)
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("listen").Inc()
		}
	}
}

// handleWebSocket upgrades a new connection and hands it to its own
// goroutine.
func (s *Server) handleWebSocket(wr http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(wr, r, nil)
	if err != nil {
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("connection_upgrade").Inc()
		}
		return
	}

	info := &clientInfo{
		id:          uuid.NewString(),
		identity:    r.Header.Get(identityHeader),
		conn:        conn,
		connectedAt: time.Now(),
	}
	if info.identity == "" {
		info.identity = info.id
	}
	info.lastPong.Store(time.Now())

	s.clientsMu.Lock()
	s.clients[conn] = info
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.broadcaster.AttachConnection(info.id, info)

	if s.metrics != nil {
		s.metrics.connectionTotal.Inc()
		s.metrics.clientsConnected.Set(float64(clientCount))
	}
	s.logger.Debug("client connected",
		"connection_id", info.id, "remote", r.RemoteAddr)

	s.wg.Add(1)
	go s.handleClient(info)
}

// handleClient runs one connection's read loop until it closes.
func (s *Server) handleClient(info *clientInfo) {
	defer s.wg.Done()
	defer s.removeClient(info, "read_loop_exit")

	// Capture the shutdown channel once: Start replaces it on restart,
	// and this loop outlives the lock that guards the field.
	s.mu.RLock()
	shutdown := s.shutdown
	s.mu.RUnlock()

	info.conn.SetPongHandler(func(string) error {
		info.lastPong.Store(time.Now())
		return nil
	})

	for {
		select {
		case <-shutdown:
			return
		default:
		}

		_ = info.conn.SetReadDeadline(time.Now().Add(readDeadline))

		_, data, err := info.conn.ReadMessage()
		if err != nil {
			return
		}

		var command broadcast.Command
		if err := json.Unmarshal(data, &command); err != nil {
			s.sendError(info, "", "", "bad_request", "malformed command")
			continue
		}

		s.dispatch(info, command)
	}
}

// dispatch executes one client command.
func (s *Server) dispatch(info *clientInfo, command broadcast.Command) {
	if s.metrics != nil {
		s.metrics.commandsReceived.WithLabelValues(command.Type).Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeDeadline)
	defer cancel()

	switch command.Type {
	case broadcast.CommandSubscribe:
		if err := s.broadcaster.Subscribe(ctx, info.id, command.Namespace, command.Name); err != nil {
			s.sendError(info, command.Namespace, command.Name, codeFor(err), safeDetail(err))
		}

	case broadcast.CommandUnsubscribe:
		s.broadcaster.Unsubscribe(info.id, command.Namespace, command.Name)

	case broadcast.CommandSet:
		_, err := s.store.Set(ctx, command.Namespace, command.Name, command.Value,
			replicant.SetOptions{ChangedBy: info.identity})
		if err != nil {
			s.sendError(info, command.Namespace, command.Name, codeFor(err), safeDetail(err))
		}
		// Subscribers, including this one, receive the change broadcast

	case broadcast.CommandGet:
		s.handleGet(ctx, info, command)

	case broadcast.CommandDelete:
		if _, err := s.store.Delete(ctx, command.Namespace, command.Name); err != nil {
			s.sendError(info, command.Namespace, command.Name, codeFor(err), safeDetail(err))
		}

	default:
		s.sendError(info, command.Namespace, command.Name, "bad_request",
			fmt.Sprintf("unknown command type %q", command.Type))
	}
}

// handleGet replies with a one-shot snapshot without subscribing.
func (s *Server) handleGet(ctx context.Context, info *clientInfo, command broadcast.Command) {
	snap, err := s.store.Snapshot(ctx, command.Namespace, command.Name)
	if err != nil {
		s.sendError(info, command.Namespace, command.Name, codeFor(err), safeDetail(err))
		return
	}

	var msg broadcast.Message
	if !snap.Exists {
		msg = broadcast.NotFoundMessage(command.Namespace, command.Name)
	} else {
		msg = broadcast.Message{
			Type:      broadcast.TypeFullSync,
			Namespace: command.Namespace,
			Name:      command.Name,
			Value:     snap.Value,
			Revision:  snap.Revision,
			Checksum:  snap.Checksum,
			Timestamp: time.Now().UTC(),
		}
	}
	s.deliver(info, msg)
}

func (s *Server) sendError(info *clientInfo, namespace, name, code, detail string) {
	s.deliver(info, broadcast.ErrorMessage(namespace, name, code, detail))
	if s.metrics != nil {
		s.metrics.errorsTotal.WithLabelValues(code).Inc()
	}
}

func (s *Server) deliver(info *clientInfo, msg broadcast.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeDeadline)
	defer cancel()
	if err := info.Send(ctx, msg); err != nil {
		s.logger.Debug("direct send failed", "connection_id", info.id, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.messagesSent.WithLabelValues(msg.Type).Inc()
	}
}

// removeClient tears one connection down exactly once.
func (s *Server) removeClient(info *clientInfo, reason string) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		s.broadcaster.DetachConnection(info.id)

		s.clientsMu.Lock()
		delete(s.clients, info.conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = info.conn.Close()

		if s.metrics != nil {
			s.metrics.clientsConnected.Set(float64(clientCount))
			s.metrics.disconnectionTotal.WithLabelValues(reason).Inc()
		}
		s.logger.Debug("client disconnected", "connection_id", info.id, "reason", reason)
	})
}

func (s *Server) closeAllClients() {
	s.clientsMu.RLock()
	infos := make([]*clientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		infos = append(infos, info)
	}
	s.clientsMu.RUnlock()

	for _, info := range infos {
		s.removeClient(info, "server_shutdown")
	}
}

// maintainClients pings connected clients so dead peers get reaped.
func (s *Server) maintainClients(ctx context.Context) {
	defer s.wg.Done()

	s.mu.RLock()
	shutdown := s.shutdown
	s.mu.RUnlock()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Server) pingClients() {
	s.clientsMu.RLock()
	infos := make([]*clientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		if !info.closed.Load() {
			infos = append(infos, info)
		}
	}
	s.clientsMu.RUnlock()

	for _, info := range infos {
		if err := info.ping(); err != nil {
			s.removeClient(info, "ping_failed")
		}
	}
}

// codeFor maps store errors onto wire error codes.
func codeFor(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrValidationFailed):
		return "validation_failed"
	case stderrors.Is(err, errors.ErrNoDefaultValue):
		return "not_found_no_default"
	case errors.IsInvalid(err):
		return "bad_request"
	case errors.IsFatal(err):
		return "not_initialized"
	default:
		return "internal_error"
	}
}

// safeDetail returns a client-facing message. Validation and bad-request
// errors are safe verbatim; anything else stays generic and server-side.
func safeDetail(err error) string {
	if errors.IsInvalid(err) {
		return err.Error()
	}
	return "operation failed"
}
