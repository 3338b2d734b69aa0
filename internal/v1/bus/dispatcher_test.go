package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courier-im/courier/internal/v1/types"
)

// fakeSession records delivered payloads and disconnects.
type fakeSession struct {
	addr types.Address

	mu           sync.Mutex
	received     [][]byte
	disconnected bool
}

func (f *fakeSession) Address() types.Address { return f.addr }

func (f *fakeSession) SendRaw(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, data)
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeSession) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeSession) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func TestDispatcher_LocalDelivery(t *testing.T) {
	d := NewDispatcher(nil)
	addr := types.NewAddress("u1", 1)
	s := &fakeSession{addr: addr}

	id := d.Subscribe(addr, s)
	require.NotZero(t, id)

	delivered := d.Publish(context.Background(), addr, []byte("m1"))
	assert.True(t, delivered)
	delivered = d.Publish(context.Background(), addr, []byte("m2"))
	assert.True(t, delivered)

	msgs := s.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", string(msgs[0]))
	assert.Equal(t, "m2", string(msgs[1]))
}

func TestDispatcher_NoSessionNoRemote(t *testing.T) {
	d := NewDispatcher(nil)
	delivered := d.Publish(context.Background(), types.NewAddress("absent", 1), []byte("m"))
	assert.False(t, delivered)
}

func TestDispatcher_MultipleSessionsSameAddress(t *testing.T) {
	d := NewDispatcher(nil)
	addr := types.NewAddress("u1", 1)
	s1 := &fakeSession{addr: addr}
	s2 := &fakeSession{addr: addr}

	d.Subscribe(addr, s1)
	id2 := d.Subscribe(addr, s2)

	assert.True(t, d.Publish(context.Background(), addr, []byte("m")))
	assert.Len(t, s1.messages(), 1)
	assert.Len(t, s2.messages(), 1)

	d.Unsubscribe(addr, id2)
	assert.True(t, d.Publish(context.Background(), addr, []byte("m2")))
	assert.Len(t, s1.messages(), 2)
	assert.Len(t, s2.messages(), 1)
}

func TestDispatcher_UnsubscribeLastRemovesAddress(t *testing.T) {
	d := NewDispatcher(nil)
	addr := types.NewAddress("u1", 2)
	s := &fakeSession{addr: addr}

	id := d.Subscribe(addr, s)
	assert.Equal(t, 1, d.LocalCount(addr))

	d.Unsubscribe(addr, id)
	assert.Equal(t, 0, d.LocalCount(addr))
	assert.False(t, d.Publish(context.Background(), addr, []byte("m")))
}

func TestDispatcher_Kick(t *testing.T) {
	d := NewDispatcher(nil)
	addr := types.NewAddress("u1", 1)
	s1 := &fakeSession{addr: addr}
	s2 := &fakeSession{addr: addr}
	d.Subscribe(addr, s1)
	d.Subscribe(addr, s2)

	d.Kick(addr)

	assert.True(t, s1.isDisconnected())
	assert.True(t, s2.isDisconnected())
}

func TestCrossNode_PublishReachesPeerSubscriber(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	addr := types.NewAddress("u2", 1)
	session := &fakeSession{addr: addr}

	// Node A holds the session.
	var dispatcherA *Dispatcher
	svcA, err := NewService(mr.Addr(), "", "node-a", func(a types.Address, p []byte) {
		dispatcherA.HandleRemote(a, p)
	})
	require.NoError(t, err)
	defer func() { _ = svcA.Close() }()
	dispatcherA = NewDispatcher(svcA)
	dispatcherA.Subscribe(addr, session)

	// Node B has no session for the address and forwards to Redis.
	svcB, err := NewService(mr.Addr(), "", "node-b", nil)
	require.NoError(t, err)
	defer func() { _ = svcB.Close() }()
	dispatcherB := NewDispatcher(svcB)

	// Give node A's subscription time to become active.
	time.Sleep(100 * time.Millisecond)

	// Opaque binary, not JSON: the envelope must carry it untouched.
	frame := []byte{0x00, 0x9c, 'h', 'i', 0xff}
	delivered := dispatcherB.Publish(context.Background(), addr, frame)
	assert.False(t, delivered, "no local session on node B")

	require.Eventually(t, func() bool {
		return len(session.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, frame, session.messages()[0])
}

func TestCrossNode_UnsubscribeStopsDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	addr := types.NewAddress("u3", 1)
	session := &fakeSession{addr: addr}

	var d *Dispatcher
	svc, err := NewService(mr.Addr(), "", "node-a", func(a types.Address, p []byte) {
		d.HandleRemote(a, p)
	})
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()
	d = NewDispatcher(svc)

	id := d.Subscribe(addr, session)
	time.Sleep(100 * time.Millisecond)
	d.Unsubscribe(addr, id)
	time.Sleep(100 * time.Millisecond)

	svcPeer, err := NewService(mr.Addr(), "", "node-b", nil)
	require.NoError(t, err)
	defer func() { _ = svcPeer.Close() }()
	require.NoError(t, svcPeer.PublishAddress(context.Background(), addr, []byte("late")))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, session.messages())
}

func TestService_Ping(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	svc, err := NewService(mr.Addr(), "", "n", nil)
	require.NoError(t, err)
	defer func() { _ = svc.Close() }()

	assert.NoError(t, svc.Ping(context.Background()))
}
