package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/metrics"
	"github.com/courier-im/courier/internal/v1/types"
)

// Authenticator resolves a transport credential to the address it belongs to.
type Authenticator interface {
	VerifyCredential(ctx context.Context, credential string) (types.Address, error)
}

// WSLimiter gates upgrade attempts. A nil limiter admits everything.
type WSLimiter interface {
	CheckWebSocket(c *gin.Context) bool
}

// Hub owns every live session on this node: it authenticates upgrades, binds
// each session to the dispatcher and tears the binding down when the
// connection ends.
type Hub struct {
	dispatcher types.Dispatcher
	api        http.Handler
	auth       Authenticator
	limiter    WSLimiter

	mu       sync.Mutex
	sessions map[*Session]uint64

	upgrader websocket.Upgrader
}

// NewHub builds a hub. api is the shared router that also serves REST;
// limiter may be nil.
func NewHub(dispatcher types.Dispatcher, api http.Handler, auth Authenticator, limiter WSLimiter) *Hub {
	return &Hub{
		dispatcher: dispatcher,
		api:        api,
		auth:       auth,
		limiter:    limiter,
		sessions:   make(map[*Session]uint64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native devices, not browsers; there is no
			// meaningful Origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWs authenticates the request and upgrades it to a session.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return // response already written
	}

	credential := c.GetHeader("Authorization")
	if credential == "" {
		credential = c.Query("authorization")
	}
	if credential == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "credential not provided"})
		return
	}

	addr, err := h.auth.VerifyCredential(c.Request.Context(), credential)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn, addr)
}

// HandleConnection registers an established connection under an address and
// starts its pumps. Split from ServeWs so tests can drive scripted
// connections.
func (h *Hub) HandleConnection(conn wsConnection, addr types.Address) *Session {
	s := NewSession(conn, addr, h.api, h.release)

	channelID := h.dispatcher.Subscribe(addr, s)
	h.mu.Lock()
	h.sessions[s] = channelID
	h.mu.Unlock()

	metrics.IncSession()
	logging.Info(context.Background(), "session connected", zap.String("address", addr.String()))

	s.Start()
	return s
}

// release undoes HandleConnection once the session's read loop has stopped.
func (h *Hub) release(s *Session) {
	h.mu.Lock()
	channelID, ok := h.sessions[s]
	if ok {
		delete(h.sessions, s)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.dispatcher.Unsubscribe(s.Address(), channelID)
	metrics.DecSession()
	logging.Info(context.Background(), "session disconnected", zap.String("address", s.Address().String()))
}

// SessionCount reports live sessions, used by readiness and tests.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown disconnects every session.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
	logging.Info(ctx, "all sessions closed", zap.Int("count", len(sessions)))
	return nil
}
