package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-im/courier/internal/v1/types"
)

type inboundFrame struct {
	messageType int
	data        []byte
}

// mockConn scripts the connection: tests feed frames into in and inspect
// everything the session wrote.
type mockConn struct {
	in chan inboundFrame

	mu      sync.Mutex
	written []inboundFrame

	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		in:     make(chan inboundFrame, 16),
		closed: make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-m.in:
		return f.messageType, f.data, nil
	case <-m.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-m.closed:
		return errors.New("connection closed")
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.written = append(m.written, inboundFrame{messageType: messageType, data: cp})
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) SetPongHandler(func(string) error) {}

func (m *mockConn) binaryFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, f := range m.written {
		if f.messageType == websocket.BinaryMessage {
			out = append(out, f.data)
		}
	}
	return out
}

func echoRouter(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/echo", func(c *gin.Context) {
		var body map[string]any
		_ = c.ShouldBindJSON(&body)
		c.JSON(http.StatusOK, gin.H{
			"uid":    c.GetHeader("X-Courier-Uid"),
			"device": c.GetHeader("X-Courier-Device"),
			"echo":   body,
		})
	})
	return r
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid request", `{"type":"request","request":{"id":1,"verb":"GET","path":"/v1/x"}}`, false},
		{"valid response", `{"type":"response","response":{"id":1,"status":200}}`, false},
		{"unknown type", `{"type":"ping"}`, true},
		{"request tag without payload", `{"type":"request"}`, true},
		{"response tag without payload", `{"type":"response"}`, true},
		{"not json", `garbage`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServeEnvelope_IdentityOverridesClientHeaders(t *testing.T) {
	resp := ServeEnvelope(echoRouter(t), &RequestMsg{
		ID:      7,
		Verb:    "post",
		Path:    "/v1/echo",
		Headers: map[string]string{"X-Courier-Uid": "spoofed"},
		Body:    json.RawMessage(`{"k":"v"}`),
	}, map[string]string{"X-Courier-Uid": "u1", "X-Courier-Device": "1"})

	require.Equal(t, uint64(7), resp.ID)
	require.Equal(t, http.StatusOK, resp.Status)

	var body struct {
		Uid    string         `json:"uid"`
		Device string         `json:"device"`
		Echo   map[string]any `json:"echo"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "u1", body.Uid)
	assert.Equal(t, "1", body.Device)
	assert.Equal(t, "v", body.Echo["k"])
}

func TestServeEnvelope_MalformedPathAnswersBadRequest(t *testing.T) {
	for _, path := range []string{"://", "http://%zz", "\x7f"} {
		resp := ServeEnvelope(echoRouter(t), &RequestMsg{ID: 3, Verb: "PUT", Path: path}, nil)
		require.NotNil(t, resp, "path %q", path)
		assert.Equal(t, uint64(3), resp.ID)
		assert.Equal(t, http.StatusBadRequest, resp.Status, "path %q", path)
	}
}

func TestSession_ServesClientRequestFrames(t *testing.T) {
	conn := newMockConn()
	s := NewSession(conn, types.NewAddress("u1", 1), echoRouter(t), nil)
	s.Start()
	defer s.Disconnect()

	frame, err := EncodeRequest(&RequestMsg{ID: 42, Verb: "POST", Path: "/v1/echo", Body: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	conn.in <- inboundFrame{messageType: websocket.BinaryMessage, data: frame}

	require.Eventually(t, func() bool {
		return len(conn.binaryFrames()) == 1
	}, time.Second, 5*time.Millisecond)

	env, err := DecodeEnvelope(conn.binaryFrames()[0])
	require.NoError(t, err)
	require.Equal(t, EnvelopeResponse, env.Type)
	assert.Equal(t, uint64(42), env.Response.ID)
	assert.Equal(t, http.StatusOK, env.Response.Status)
}

func TestSession_IgnoresTextAndMalformedFrames(t *testing.T) {
	conn := newMockConn()
	s := NewSession(conn, types.NewAddress("u1", 1), echoRouter(t), nil)
	s.Start()
	defer s.Disconnect()

	conn.in <- inboundFrame{messageType: websocket.TextMessage, data: []byte(`{"type":"request"}`)}
	conn.in <- inboundFrame{messageType: websocket.BinaryMessage, data: []byte(`not-an-envelope`)}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, conn.binaryFrames())
}

func TestSession_SendRequestSettledByResponse(t *testing.T) {
	conn := newMockConn()
	s := NewSession(conn, types.NewAddress("u1", 1), echoRouter(t), nil)
	s.Start()
	defer s.Disconnect()

	type result struct {
		resp *ResponseMsg
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := s.SendRequest(context.Background(), "PUT", "/v1/messages", nil, []byte(`{}`))
		done <- result{resp, err}
	}()

	// Wait for the request frame and answer it with the same id.
	require.Eventually(t, func() bool {
		return len(conn.binaryFrames()) == 1
	}, time.Second, 5*time.Millisecond)
	env, err := DecodeEnvelope(conn.binaryFrames()[0])
	require.NoError(t, err)
	require.Equal(t, EnvelopeRequest, env.Type)

	respFrame, err := EncodeResponse(&ResponseMsg{ID: env.Request.ID, Status: 200})
	require.NoError(t, err)
	conn.in <- inboundFrame{messageType: websocket.BinaryMessage, data: respFrame}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, 200, r.resp.Status)
	case <-time.After(time.Second):
		t.Fatal("SendRequest never settled")
	}
}

func TestSession_SendRequestContextCancel(t *testing.T) {
	conn := newMockConn()
	s := NewSession(conn, types.NewAddress("u1", 1), echoRouter(t), nil)
	s.Start()
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.SendRequest(ctx, "GET", "/v1/x", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_DisconnectIdempotentAndFailsPending(t *testing.T) {
	conn := newMockConn()
	s := NewSession(conn, types.NewAddress("u1", 1), echoRouter(t), nil)
	s.Start()

	done := make(chan error, 1)
	go func() {
		_, err := s.SendRequest(context.Background(), "GET", "/v1/x", nil, nil)
		done <- err
	}()
	require.Eventually(t, func() bool {
		return len(conn.binaryFrames()) == 1
	}, time.Second, 5*time.Millisecond)

	s.Disconnect()
	s.Disconnect() // second call is a no-op

	select {
	case err := <-done:
		assert.ErrorIs(t, err, types.ErrNoSession)
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on disconnect")
	}

	_, err := s.SendRequest(context.Background(), "GET", "/v1/x", nil, nil)
	assert.ErrorIs(t, err, types.ErrNoSession)
}

// fakeDispatcher records subscribe/unsubscribe traffic from the hub.
type fakeDispatcher struct {
	mu          sync.Mutex
	subscribed  map[types.Address]int
	lastChannel uint64
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{subscribed: make(map[types.Address]int)}
}

func (f *fakeDispatcher) Subscribe(addr types.Address, _ types.Session) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[addr]++
	f.lastChannel++
	return f.lastChannel
}

func (f *fakeDispatcher) Unsubscribe(addr types.Address, _ uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[addr]--
}

func (f *fakeDispatcher) Publish(context.Context, types.Address, []byte) bool { return false }
func (f *fakeDispatcher) Kick(types.Address)                                  {}

func (f *fakeDispatcher) count(addr types.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[addr]
}

func TestHub_ConnectionLifecycle(t *testing.T) {
	d := newFakeDispatcher()
	h := NewHub(d, echoRouter(t), nil, nil)

	addr := types.NewAddress("u9", 1)
	conn := newMockConn()
	s := h.HandleConnection(conn, addr)

	assert.Equal(t, 1, h.SessionCount())
	assert.Equal(t, 1, d.count(addr))

	s.Disconnect()
	require.Eventually(t, func() bool {
		return h.SessionCount() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, d.count(addr))
}

func TestHub_ShutdownClosesSessions(t *testing.T) {
	d := newFakeDispatcher()
	h := NewHub(d, echoRouter(t), nil, nil)

	for i := 0; i < 3; i++ {
		h.HandleConnection(newMockConn(), types.NewAddress("u", types.DeviceID(i+1)))
	}
	require.Equal(t, 3, h.SessionCount())

	require.NoError(t, h.Shutdown(context.Background()))
	require.Eventually(t, func() bool {
		return h.SessionCount() == 0
	}, time.Second, 5*time.Millisecond)
}
