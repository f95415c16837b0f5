// Package solversession implements the solver session manager (C7):
// authenticated WebSocket connections that receive the global
// solver:intents broadcast and, per solver, their own bid_result
// notifications. The connection/session shape is grounded on the
// teacher's WSConn/WSHandler (pkg/rpc/websocket_handler.go), generalized
// from a JSON-RPC dispatch loop to a one-way fan-out loop and upgraded
// from that file's stubbed handshake to a real gorilla/websocket
// connection.
package solversession

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/intentauction/coordinator/internal/apperr"
	"github.com/intentauction/coordinator/internal/authtoken"
	"github.com/intentauction/coordinator/internal/bus"
	"github.com/intentauction/coordinator/internal/log"
)

// Config bundles the solver session manager's tunables.
type Config struct {
	// OutboundQueueSize bounds each session's send buffer; overflow closes
	// the session with BackPressure.
	OutboundQueueSize int
	// HeartbeatInterval is how often the server pings a session.
	HeartbeatInterval time.Duration
	// ConnectionTimeout is how long without a pong before Timeout closes
	// the session.
	ConnectionTimeout time.Duration
}

// DefaultConfig mirrors the coordinator's defaults for solver sessions.
func DefaultConfig() Config {
	return Config{
		OutboundQueueSize: 256,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 60 * time.Second,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Manager authenticates and tracks solver WebSocket sessions.
type Manager struct {
	cfg    Config
	issuer *authtoken.Issuer
	bus    bus.MessageBus
	log    *log.Logger

	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   atomic.Uint64
}

// NewManager wires a solver session manager.
func NewManager(cfg Config, issuer *authtoken.Issuer, msgBus bus.MessageBus, logger *log.Logger) *Manager {
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 256
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 60 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		issuer:   issuer,
		bus:      msgBus,
		log:      logger,
		sessions: make(map[uint64]*Session),
	}
}

// Count returns the number of currently open solver sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// authenticate recovers solverId from a short-lived token scoped to the
// "solver" audience.
func (m *Manager) authenticate(token string) (string, error) {
	return m.issuer.Verify(token, authtoken.AudienceSolver)
}

// ServeHTTP upgrades an authenticated request into a solver session and
// blocks until the session closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	solverID, err := m.authenticate(token)
	if err != nil {
		http.Error(w, "unauthorized", apperr.HTTPStatus(apperr.KindUnauthorized))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := m.newSession(conn, solverID)
	m.addSession(sess)
	defer m.removeSession(sess)

	sess.run(r.Context())
}

func (m *Manager) newSession(conn *websocket.Conn, solverID string) *Session {
	id := m.nextID.Add(1)
	return &Session{
		id:       id,
		solverID: solverID,
		conn:     conn,
		cfg:      m.cfg,
		bus:      m.bus,
		log:      m.log.With("sessionId", id, "solverId", solverID),
		sendCh:   make(chan []byte, m.cfg.OutboundQueueSize),
		closeCh:  make(chan struct{}),
	}
}

func (m *Manager) addSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.id] = s
}

func (m *Manager) removeSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s.id)
}

// Session is one authenticated solver's live WebSocket connection. It
// subscribes implicitly to bus.ChannelSolverIntents and to its own
// per-solver bid_result channel, fans both out FIFO to the client, and
// answers client pings with pongs.
type Session struct {
	id       uint64
	solverID string
	conn     *websocket.Conn
	cfg      Config
	bus      bus.MessageBus
	log      *log.Logger

	sendCh  chan []byte
	closeCh chan struct{}
	closed  atomic.Bool

	lastPong atomic.Int64
}

// SolverID returns the authenticated identity behind this session.
func (s *Session) SolverID() string { return s.solverID }

// run drives the session's subscriptions, the read pump (pings/close
// detection) and the write pump (ordered outbound delivery) until the
// connection closes or the context is cancelled.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	intentsSub, err := s.bus.Subscribe(ctx, bus.ChannelSolverIntents)
	if err != nil {
		s.log.Warn("subscribe solver:intents failed", "err", err)
		s.Close()
		return
	}
	defer intentsSub.Unsubscribe()

	resultSub, err := s.bus.Subscribe(ctx, bus.SolverBidResultChannel(s.solverID))
	if err != nil {
		s.log.Warn("subscribe bid_result failed", "err", err)
		s.Close()
		return
	}
	defer resultSub.Unsubscribe()

	s.lastPong.Store(time.Now().UnixNano())
	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.fanOutLoop(ctx, intentsSub) }()
	go func() { defer wg.Done(); s.fanOutLoop(ctx, resultSub) }()
	go func() { defer wg.Done(); s.readPump(ctx) }()

	s.writePump(ctx)

	cancel()
	s.Close()
	wg.Wait()
}

// fanOutLoop enqueues every message from a bus subscription onto the
// session's ordered outbound queue. Overflow closes the session with
// BackPressure rather than blocking the publisher.
func (s *Session) fanOutLoop(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			select {
			case s.sendCh <- msg.Payload:
			default:
				s.log.Warn("outbound queue overflow, closing session", "kind", apperr.KindBackPressure)
				s.Close()
				return
			}
		}
	}
}

// readPump reads client frames purely to detect pings/close; the
// solver-session protocol carries no inbound application messages.
func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(1 << 16)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			s.Close()
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// writePump is the session's single writer: it serializes outbound
// payload delivery (FIFO, per spec's per-session ordering guarantee) and
// drives the heartbeat.
func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case payload := <-s.sendCh:
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastPong.Load())) > s.cfg.ConnectionTimeout {
				s.log.Warn("heartbeat timeout, closing session", "kind", apperr.KindTimeout)
				s.Close()
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.Close()
				return
			}
		}
	}
}

// Close closes the session exactly once.
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.closeCh)
		_ = s.conn.Close()
	}
}
