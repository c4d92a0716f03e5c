package transport

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropic-systems/nucleus/pkg/ids"
)

// pairedTransports wires two Transports together over real loopback UDP
// sockets, without multicast, so reliable and unreliable sends, their
// reassembly and their ACKs can be exercised end to end without
// depending on the host's multicast configuration.
type pairedTransports struct {
	a, b *Transport
}

func newLoopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	return conn
}

func pairTransports(t *testing.T) *pairedTransports {
	t.Helper()
	a := newTestTransport(t)
	b := newTestTransport(t)

	a.ucastConn = newLoopbackConn(t)
	b.ucastConn = newLoopbackConn(t)
	a.groupAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	b.groupAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}

	peerA := newPeer("a", a.ucastConn.LocalAddr().(*net.UDPAddr))
	peerB := newPeer("b", b.ucastConn.LocalAddr().(*net.UDPAddr))
	a.byAddr[peerB.addr.String()] = peerB
	b.byAddr[peerA.addr.String()] = peerA

	a.wg.Add(1)
	b.wg.Add(1)
	go a.receiveLoop(a.ucastConn)
	go b.receiveLoop(b.ucastConn)

	t.Cleanup(func() {
		close(a.closeCh)
		close(b.closeCh)
		_ = a.ucastConn.Close()
		_ = b.ucastConn.Close()
		a.wg.Wait()
		b.wg.Wait()
	})

	return &pairedTransports{a: a, b: b}
}

type captureDeliverer struct {
	mu   sync.Mutex
	got  []capturedDelivery
	done chan struct{}
}

type capturedDelivery struct {
	hash ids.TypeHash
	data []byte
}

func newCaptureDeliverer() *captureDeliverer {
	return &captureDeliverer{done: make(chan struct{}, 64)}
}

func (c *captureDeliverer) Deliver(ctx context.Context, hash ids.TypeHash, data []byte) error {
	c.mu.Lock()
	c.got = append(c.got, capturedDelivery{hash: hash, data: append([]byte(nil), data...)})
	c.mu.Unlock()
	c.done <- struct{}{}
	return nil
}

func (c *captureDeliverer) waitOne(t *testing.T, timeout time.Duration) capturedDelivery {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(timeout):
		t.Fatal("deliverer did not receive a delivery in time")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.got[len(c.got)-1]
}

func TestReliableSingleFragmentSendDeliversAndAcks(t *testing.T) {
	pt := pairTransports(t)
	deliverer := newCaptureDeliverer()
	pt.b.SetDeliverer(deliverer)

	hash := ids.HashEventType("integration/Ping")
	err := pt.a.SendTyped(context.Background(), hash, []byte("hello"), true)
	require.NoError(t, err)

	got := deliverer.waitOne(t, 2*time.Second)
	assert.Equal(t, hash, got.hash)
	assert.Equal(t, []byte("hello"), got.data)

	// the send entry should drain once b's ACK arrives.
	assert.Eventually(t, func() bool {
		pt.a.sendMu.Lock()
		defer pt.a.sendMu.Unlock()
		return len(pt.a.sendQueue) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestReliableMultiFragmentSendReassemblesInOrder(t *testing.T) {
	pt := pairTransports(t)
	deliverer := newCaptureDeliverer()
	pt.b.SetDeliverer(deliverer)

	payload := make([]byte, pt.a.mtuPayload*3+42)
	for i := range payload {
		payload[i] = byte(i % 253)
	}

	hash := ids.HashEventType("integration/Large")
	err := pt.a.SendTyped(context.Background(), hash, payload, true)
	require.NoError(t, err)

	got := deliverer.waitOne(t, 3*time.Second)
	assert.Equal(t, payload, got.data)
}

func TestUnreliableSendStillDeliversOnNoLoss(t *testing.T) {
	pt := pairTransports(t)
	deliverer := newCaptureDeliverer()
	pt.b.SetDeliverer(deliverer)

	hash := ids.HashEventType("integration/Unreliable")
	err := pt.a.SendTyped(context.Background(), hash, []byte("best effort"), false)
	require.NoError(t, err)

	got := deliverer.waitOne(t, 2*time.Second)
	assert.Equal(t, []byte("best effort"), got.data)

	// unreliable sends are never tracked for retransmission.
	pt.a.sendMu.Lock()
	defer pt.a.sendMu.Unlock()
	assert.Empty(t, pt.a.sendQueue)
}
