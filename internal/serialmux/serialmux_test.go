package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarm/armlink/internal/protocol"
	"github.com/openarm/armlink/internal/timeutil"
)

var (
	_ SerialMuxInterface = (*SerialMux[*TestableSerialPort])(nil)
	_ SerialMuxInterface = (*SerialMux[*SimulatedArm])(nil)
)

func recv(t *testing.T, ch <-chan protocol.Packet) protocol.Packet {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return p
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for packet")
	}
	return protocol.Packet{}
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, mux.Stats().Subscribers)

	mux.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok)
	assert.Equal(t, 1, mux.Stats().Subscribers)

	// unknown ids are a no-op
	mux.Unsubscribe("missing")
	mux.Unsubscribe(id1)
}

func TestSerialMux_MonitorDispatchesPackets(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	angles := protocol.JointAngles{0.1, 0.2, 0.3}
	bad := protocol.EncodeTelemetry(angles)
	bad[len(bad)-1] ^= 0xFF
	ack, err := protocol.Encode(protocol.CmdAck, []byte{0x42})
	require.NoError(t, err)

	var stream []byte
	stream = append(stream, 0x00, 0xAA, 0x13)
	stream = append(stream, protocol.EncodeTelemetry(angles)...)
	stream = append(stream, bad...)
	stream = append(stream, ack...)
	port.AddReadData(stream)

	// the non-blocking port reads EOF once drained, which ends the loop cleanly
	require.NoError(t, mux.Monitor(context.Background()))

	p := recv(t, ch)
	assert.Equal(t, protocol.CmdTelemetry, p.Command)
	got, err := protocol.DecodeJointAngles(p)
	require.NoError(t, err)
	assert.Equal(t, angles, got)

	p = recv(t, ch)
	assert.Equal(t, protocol.CmdAck, p.Command)
	assert.Equal(t, []byte{0x42}, p.Payload)

	stats := mux.Stats().Reader
	assert.Equal(t, uint64(2), stats.Packets)
	assert.Equal(t, uint64(1), stats.ChecksumErrors)
	assert.Equal(t, uint64(len(stream)), stats.Bytes)
	assert.Equal(t, readPollTimeout, port.ReadTimeout)
}

func TestSerialMux_MonitorReadFault(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	cause := errors.New("framing error")
	port.FailNextRead(cause)

	err := mux.Monitor(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
}

func TestSerialMux_MonitorCancelled(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, mux.Monitor(ctx))
	assert.Zero(t, port.ReadCalls)
}

func TestSerialMux_CloseDuringRead(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	errc := make(chan error, 1)
	go func() { errc <- mux.Monitor(context.Background()) }()

	require.Eventually(t, func() bool {
		port.mu.Lock()
		defer port.mu.Unlock()
		return port.ReadCalls > 0
	}, time.Second, time.Millisecond)
	require.NoError(t, mux.Close())

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return after Close")
	}
	_, ok := <-ch
	assert.False(t, ok, "Close closes subscriber channels")
	assert.True(t, port.Closed)
	assert.NoError(t, mux.Close(), "Close is idempotent")
}

func TestSerialMux_SendAnglesAndInitialise(t *testing.T) {
	port := NewTestableSerialPort()
	clock := timeutil.NewMockClock(epoch)
	mux := NewSerialMux(port, WithClock(clock), WithWriteRate(50), WithQueueCapacity(4))

	require.NoError(t, mux.Initialise())
	waitWrites(t, port, 1)
	assert.Equal(t, protocol.EncodeJointAngles(protocol.JointAngles{}), port.WrittenFrames()[0])

	angles := protocol.JointAngles{1, -1, 0.5}
	require.NoError(t, mux.SendAngles(angles))
	waitTimer(t, clock)
	assert.Equal(t, []time.Duration{20 * time.Millisecond}, clock.Afters())

	clock.Advance(20 * time.Millisecond)
	require.NoError(t, mux.Flush(context.Background()))
	assert.Equal(t, protocol.EncodeJointAngles(angles), port.WrittenFrames()[1])
	assert.Equal(t, uint64(2), mux.Stats().Writer.Writes)

	require.NoError(t, mux.Close())
	assert.ErrorIs(t, mux.SendAngles(angles), ErrClosed)
	assert.ErrorIs(t, mux.Initialise(), ErrClosed)
}

func TestSerialMux_WithSimulatedArm(t *testing.T) {
	mux, sim := NewMockSerialMux()
	defer mux.Close()
	_, ch := mux.Subscribe()

	go mux.Monitor(context.Background())

	angles := protocol.JointAngles{0.25, 0.5, -0.75}
	require.NoError(t, mux.SendAngles(angles))

	ack := recv(t, ch)
	assert.Equal(t, protocol.CmdAck, ack.Command)
	tel := recv(t, ch)
	assert.Equal(t, protocol.CmdTelemetry, tel.Command)
	got, err := protocol.DecodeJointAngles(tel)
	require.NoError(t, err)
	assert.Equal(t, angles, got)
	assert.Equal(t, angles, sim.Angles())
}

func TestNewPacketEvent(t *testing.T) {
	p, err := protocol.Decode(protocol.EncodeTelemetry(protocol.JointAngles{1, 2, 3}))
	require.NoError(t, err)
	ev := newPacketEvent(p)
	assert.Equal(t, "TELEMETRY", ev.Command)
	assert.Equal(t, uint8(12), ev.Length)
	require.NotNil(t, ev.Angles)
	assert.Equal(t, protocol.JointAngles{1, 2, 3}, *ev.Angles)

	ack, err := protocol.Decode([]byte{0xAA, 0x55, 1, byte(protocol.CmdAck), 0x7F, 0x7F ^ byte(protocol.CmdAck)})
	require.NoError(t, err)
	ev = newPacketEvent(ack)
	assert.Equal(t, "7f", ev.Payload)
	assert.Nil(t, ev.Angles)
}

func TestSerialMux_AttachAdminRoutes(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	defer mux.Close()

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	// Debug routes are guarded by tsweb and refuse non-local callers, so only
	// registration is checked here.
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/debug/link-stats"},
		{http.MethodPost, "/debug/send-angles-api"},
		{http.MethodGet, "/debug/tail"},
	} {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(`{"angles":[0,0,0]}`))
			w := httptest.NewRecorder()
			httpMux.ServeHTTP(w, req)
			assert.NotEqual(t, http.StatusNotFound, w.Code)
		})
	}
}

func TestSerialMux_SendReportsEarlierWriteFault(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	t.Cleanup(func() { mux.Close() })

	cause := errors.New("unplugged")
	port.FailNextWrite(cause)
	require.NoError(t, mux.SendAngles(protocol.JointAngles{1, 2, 3}))
	require.Eventually(t, func() bool { return mux.Stats().Writer.Faults == 1 }, time.Second, time.Millisecond)

	err := mux.SendAngles(protocol.JointAngles{4, 5, 6})
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)

	require.NoError(t, mux.SendAngles(protocol.JointAngles{7, 8, 9}), "the fault is reported once")
	require.NoError(t, mux.Flush(context.Background()))
	require.Len(t, port.WrittenFrames(), 1)
	assert.Equal(t, protocol.EncodeJointAngles(protocol.JointAngles{7, 8, 9}), port.WrittenFrames()[0])
}
