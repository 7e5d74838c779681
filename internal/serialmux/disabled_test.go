package serialmux

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarm/armlink/internal/protocol"
)

var _ SerialMuxInterface = (*DisabledSerialMux)(nil)

func TestDisabledSerialMux_UnsubscribeClosesChannel(t *testing.T) {
	d := NewDisabledSerialMux()
	id, ch := d.Subscribe()

	done := make(chan struct{})
	go func() {
		_, ok := <-ch
		assert.False(t, ok, "expected channel to be closed on unsubscribe")
		close(done)
	}()

	d.Unsubscribe(id)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subscriber to be unblocked after Unsubscribe")
	}
}

func TestDisabledSerialMux_CloseClosesAllChannels(t *testing.T) {
	d := NewDisabledSerialMux()
	id1, ch1 := d.Subscribe()
	_, ch2 := d.Subscribe()

	require.NoError(t, d.Close())

	for _, ch := range []chan protocol.Packet{ch1, ch2} {
		select {
		case _, ok := <-ch:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("channel not closed after Close")
		}
	}

	// unknown ids are a no-op
	d.Unsubscribe(id1)
	require.NoError(t, d.Close())

	_, ch3 := d.Subscribe()
	_, ok := <-ch3
	assert.False(t, ok, "subscribing after Close yields a closed channel")
}

func TestDisabledSerialMux_DiscardsFrames(t *testing.T) {
	d := NewDisabledSerialMux()
	require.NoError(t, d.Initialise())
	require.NoError(t, d.SendAngles(protocol.JointAngles{1, 2, 3}))
	require.NoError(t, d.SendFrame([]byte{0xAA, 0x55}))
	assert.Equal(t, uint64(3), d.Stats().Writer.Dropped)

	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.SendAngles(protocol.JointAngles{}), ErrClosed)
}

func TestDisabledSerialMux_MonitorReturnsOnCancel(t *testing.T) {
	d := NewDisabledSerialMux()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, d.Monitor(ctx))
}

func TestDisabledSerialMux_AdminRoute(t *testing.T) {
	mux := http.NewServeMux()
	NewDisabledSerialMux().AttachAdminRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/serial-disabled", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "serial disabled", rec.Body.String())
}
