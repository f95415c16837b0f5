// Package subscriber implements the subscriber session manager (C8):
// authenticated WebSocket connections for a submitting user's UI to
// watch bid and intent status updates for one intentHash at a time.
// Shares its connection/session shape with internal/solversession,
// both grounded on the teacher's WSConn/WSHandler
// (pkg/rpc/websocket_handler.go), but a subscriber's channel set is
// chosen by the client at subscribe time rather than fixed at connect
// time.
package subscriber

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/intentauction/coordinator/internal/apperr"
	"github.com/intentauction/coordinator/internal/authtoken"
	"github.com/intentauction/coordinator/internal/bus"
	"github.com/intentauction/coordinator/internal/log"
)

// Config bundles the subscriber session manager's tunables.
type Config struct {
	OutboundQueueSize int
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
}

// DefaultConfig mirrors the coordinator's defaults for subscriber sessions.
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

// clientRequest is the one inbound message shape a subscriber session
// accepts: a subscribe or unsubscribe to intent_updates for a hash.
type clientRequest struct {
	Action     string `json:"action"` // "subscribe" | "unsubscribe"
	IntentHash string `json:"intentHash"`
}

// confirmation acknowledges a subscribe/unsubscribe request.
type confirmation struct {
	Action     string `json:"action"`
	IntentHash string `json:"intentHash"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// Manager authenticates and tracks subscriber WebSocket sessions.
type Manager struct {
	cfg    Config
	issuer *authtoken.Issuer
	bus    bus.MessageBus
	log    *log.Logger

	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   atomic.Uint64
}

// NewManager wires a subscriber session manager.
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

// Count returns the number of currently open subscriber sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ServeHTTP upgrades an authenticated request into a subscriber session
// and blocks until the session closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if _, err := m.issuer.Verify(token, authtoken.AudienceWebSocket); err != nil {
		http.Error(w, "unauthorized", apperr.HTTPStatus(apperr.KindUnauthorized))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := m.newSession(conn)
	m.addSession(sess)
	defer m.removeSession(sess)

	sess.run(r.Context())
}

func (m *Manager) newSession(conn *websocket.Conn) *Session {
	id := m.nextID.Add(1)
	return &Session{
		id:      id,
		conn:    conn,
		cfg:     m.cfg,
		bus:     m.bus,
		log:     m.log.With("sessionId", id),
		sendCh:  make(chan []byte, m.cfg.OutboundQueueSize),
		closeCh: make(chan struct{}),
		watches: make(map[common.Hash]*watch),
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

// watch holds the two channel subscriptions (bid updates, intent status)
// a subscriber session keeps open for one intentHash.
type watch struct {
	bidSub    bus.Subscription
	statusSub bus.Subscription
	cancel    context.CancelFunc
}

// Session is one authenticated subscriber's live WebSocket connection.
type Session struct {
	id   uint64
	conn *websocket.Conn
	cfg  Config
	bus  bus.MessageBus
	log  *log.Logger

	sendCh  chan []byte
	closeCh chan struct{}
	closed  atomic.Bool

	watchMu sync.Mutex
	watches map[common.Hash]*watch

	lastPong atomic.Int64
}

func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.lastPong.Store(time.Now().UnixNano())
	s.conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.readPump(ctx) }()
	go func() { defer wg.Done(); s.writePump(ctx) }()
	wg.Wait()

	s.watchMu.Lock()
	for hash, w := range s.watches {
		w.cancel()
		w.bidSub.Unsubscribe()
		w.statusSub.Unsubscribe()
		delete(s.watches, hash)
	}
	s.watchMu.Unlock()
}

// readPump reads subscribe/unsubscribe requests and client pongs/pings.
func (s *Session) readPump(ctx context.Context) {
	defer s.Close()
	s.conn.SetReadLimit(1 << 16)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.enqueueJSON(confirmation{Error: "invalid request"})
			continue
		}
		if !isValidHash(req.IntentHash) {
			s.enqueueJSON(confirmation{Action: req.Action, IntentHash: req.IntentHash, OK: false, Error: "invalid intentHash"})
			continue
		}
		hash := common.HexToHash(req.IntentHash)
		switch req.Action {
		case "subscribe":
			s.subscribe(ctx, hash)
		case "unsubscribe":
			s.unsubscribe(hash)
		default:
			s.enqueueJSON(confirmation{Action: req.Action, IntentHash: req.IntentHash, OK: false, Error: "unknown action"})
		}
	}
}

func (s *Session) subscribe(ctx context.Context, hash common.Hash) {
	s.watchMu.Lock()
	if _, exists := s.watches[hash]; exists {
		s.watchMu.Unlock()
		s.enqueueJSON(confirmation{Action: "subscribe", IntentHash: hash.Hex(), OK: true})
		return
	}
	s.watchMu.Unlock()

	bidSub, err := s.bus.Subscribe(ctx, bus.ChannelWSBidUpdatePrefix+hash.Hex())
	if err != nil {
		s.enqueueJSON(confirmation{Action: "subscribe", IntentHash: hash.Hex(), OK: false, Error: "subscribe failed"})
		return
	}
	statusSub, err := s.bus.Subscribe(ctx, bus.ChannelWSIntentStatusPrefix+hash.Hex())
	if err != nil {
		bidSub.Unsubscribe()
		s.enqueueJSON(confirmation{Action: "subscribe", IntentHash: hash.Hex(), OK: false, Error: "subscribe failed"})
		return
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &watch{bidSub: bidSub, statusSub: statusSub, cancel: cancel}

	s.watchMu.Lock()
	s.watches[hash] = w
	s.watchMu.Unlock()

	go s.fanOutLoop(watchCtx, bidSub)
	go s.fanOutLoop(watchCtx, statusSub)

	s.enqueueJSON(confirmation{Action: "subscribe", IntentHash: hash.Hex(), OK: true})
}

func (s *Session) unsubscribe(hash common.Hash) {
	s.watchMu.Lock()
	w, ok := s.watches[hash]
	if ok {
		delete(s.watches, hash)
	}
	s.watchMu.Unlock()

	if ok {
		w.cancel()
		w.bidSub.Unsubscribe()
		w.statusSub.Unsubscribe()
	}
	s.enqueueJSON(confirmation{Action: "unsubscribe", IntentHash: hash.Hex(), OK: ok})
}

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

func (s *Session) enqueueJSON(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.sendCh <- body:
	default:
		s.log.Warn("outbound queue overflow, closing session", "kind", apperr.KindBackPressure)
		s.Close()
	}
}

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

func isValidHash(h string) bool {
	if len(h) != 66 || h[0] != '0' || h[1] != 'x' {
		return false
	}
	for _, c := range h[2:] {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
