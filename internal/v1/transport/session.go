package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/v1/logging"
	"github.com/courier-im/courier/internal/v1/types"
)

const (
	// keepalivePeriod is how often the server pings an idle connection.
	keepalivePeriod = 60 * time.Second
	// readWait is three keepalive periods; a connection that stays silent
	// that long is considered dead.
	readWait = 3 * keepalivePeriod

	writeWait  = 10 * time.Second
	sendBuffer = 256

	// maxPendingRequests bounds the response-waiter map. A session that
	// exceeds it is disconnected rather than allowed to grow the map.
	maxPendingRequests = 100000
)

// wsConnection is the subset of *websocket.Conn the session uses, extracted
// so tests can supply a scripted connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Session is one authenticated WebSocket connection bound to an address.
// All frames are binary JSON envelopes. Writes go through a single goroutine
// draining the send queue; request frames from the client are served through
// the shared HTTP router, and response frames settle pending server-initiated
// requests.
type Session struct {
	conn     wsConnection
	addr     types.Address
	api      http.Handler
	identity map[string]string

	send chan []byte

	mu      sync.Mutex
	closed  bool
	pending map[uint64]chan *ResponseMsg

	nextRequestID atomic.Uint64
	closeOnce     sync.Once
	onClose       func(*Session)
}

// NewSession wires a session over an established connection. onClose runs
// exactly once when the session ends, after the read loop has stopped.
func NewSession(conn wsConnection, addr types.Address, api http.Handler, onClose func(*Session)) *Session {
	return &Session{
		conn: conn,
		addr: addr,
		api:  api,
		identity: map[string]string{
			HeaderSessionUid:    string(addr.UID),
			HeaderSessionDevice: fmt.Sprintf("%d", addr.DeviceID),
		},
		send:    make(chan []byte, sendBuffer),
		pending: make(map[uint64]chan *ResponseMsg),
		onClose: onClose,
	}
}

// Start launches the read and write pumps.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}

// Address reports the (uid, device) the session authenticated as.
func (s *Session) Address() types.Address { return s.addr }

// SendRaw enqueues a pre-serialized frame. Never blocks; a full queue drops
// the frame, the offline path covers the loss.
func (s *Session) SendRaw(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logging.Warn(context.Background(), "send on closing session", zap.String("address", s.addr.String()))
		}
	}()

	select {
	case s.send <- data:
	default:
		logging.Warn(context.Background(), "session send queue full, dropping frame", zap.String("address", s.addr.String()))
	}
}

// Disconnect closes the session. Idempotent; the write pump flushes what it
// can, sends a close frame and tears down the connection.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		waiters := s.pending
		s.pending = make(map[uint64]chan *ResponseMsg)
		s.mu.Unlock()

		for _, ch := range waiters {
			close(ch)
		}
		close(s.send)
	})
}

// SendRequest issues a server-initiated request frame and waits for the
// client's response with the matching id.
func (s *Session) SendRequest(ctx context.Context, verb, path string, headers map[string]string, body []byte) (*ResponseMsg, error) {
	id := s.nextRequestID.Add(1)

	ch := make(chan *ResponseMsg, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.ErrNoSession
	}
	if len(s.pending) >= maxPendingRequests {
		s.mu.Unlock()
		logging.Error(ctx, "pending request map overflow, disconnecting session", zap.String("address", s.addr.String()))
		s.Disconnect()
		return nil, fmt.Errorf("too many pending requests")
	}
	s.pending[id] = ch
	s.mu.Unlock()

	frame, err := EncodeRequest(&RequestMsg{ID: id, Verb: verb, Path: path, Headers: headers, Body: body})
	if err != nil {
		s.dropPending(id)
		return nil, err
	}
	s.SendRaw(frame)

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, types.ErrNoSession
		}
		return resp, nil
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	}
}

func (s *Session) dropPending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) readPump() {
	defer func() {
		s.Disconnect()
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
		if messageType != websocket.BinaryMessage {
			continue
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			logging.Warn(context.Background(), "dropping malformed frame", zap.String("address", s.addr.String()), zap.Error(err))
			continue
		}

		switch env.Type {
		case EnvelopeRequest:
			resp := ServeEnvelope(s.api, env.Request, s.identity)
			frame, err := EncodeResponse(resp)
			if err != nil {
				logging.Error(context.Background(), "failed to encode response frame", zap.Error(err))
				continue
			}
			s.SendRaw(frame)
		case EnvelopeResponse:
			s.settle(env.Response)
		}
	}
}

// settle hands a response frame to whichever SendRequest call is waiting on
// its id. Unmatched responses are dropped.
func (s *Session) settle(resp *ResponseMsg) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(keepalivePeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				logging.Error(context.Background(), "error writing frame", zap.String("address", s.addr.String()), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
