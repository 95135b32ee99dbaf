package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/weft/internal/mesh"
)

const waitFor = 5 * time.Second

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// wsPair connects a client transport "a" to a server transport "b".
func wsPair(t *testing.T) (a, b *WS, ha, hb *recordingHandler, cancel func()) {
	t.Helper()
	ha, hb = newRecordingHandler(), newRecordingHandler()
	a = NewWS("a", ha, WithDialBackoff(10*time.Millisecond, 50*time.Millisecond))
	b = NewWS("b", hb)

	srv := httptest.NewServer(b)
	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, a.Connect(ctx, wsURL(srv)))
	}()
	var once sync.Once
	cancel = func() {
		once.Do(func() {
			stop()
			wg.Wait()
			_ = a.Close()
			_ = b.Close()
			srv.Close()
		})
	}
	t.Cleanup(cancel)

	require.Eventually(t, func() bool { return ha.connected("b") && hb.connected("a") }, waitFor, 5*time.Millisecond)
	return a, b, ha, hb, cancel
}

func TestWS_ExchangesMessages(t *testing.T) {
	a, b, ha, hb, _ := wsPair(t)

	req := &mesh.Request{RequestID: "r1", MutableObj: "target", Mode: mesh.ModeInferReqOps}
	require.True(t, a.SendMessageToPeer("b", "weft/sync/target", req))
	require.Eventually(t, func() bool { return len(hb.received()) == 1 }, waitFor, 5*time.Millisecond)
	got := hb.received()[0]
	assert.Equal(t, mesh.Endpoint("a"), got.from)
	assert.Equal(t, "weft/sync/target", got.agentID)
	assert.Equal(t, req, got.msg)

	reject := &mesh.RejectRequest{RequestID: "r1", Reason: mesh.RejectTooBusy}
	require.True(t, b.SendMessageToPeer("a", "weft/sync/target", reject))
	require.Eventually(t, func() bool { return len(ha.received()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, reject, ha.received()[0].msg)

	assert.Equal(t, []mesh.Endpoint{"b"}, a.Peers())
	assert.False(t, a.SendMessageToPeer("c", "agent", reject))
}

func TestWS_ReconnectsAfterServerDrop(t *testing.T) {
	_, b, ha, hb, _ := wsPair(t)

	// Dropping the connection on the server side makes the client dial
	// again.
	b.mu.Lock()
	c := b.conns["a"]
	b.mu.Unlock()
	require.NotNil(t, c)
	c.close()

	require.Eventually(t, func() bool {
		events := ha.eventLog()
		return len(events) >= 3 && ha.connected("b") && hb.connected("a")
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"+b", "-b", "+b"}, ha.eventLog()[:3])
}

func TestWS_CloseDisconnects(t *testing.T) {
	_, _, ha, hb, cancel := wsPair(t)

	cancel()
	assert.False(t, ha.connected("b"))
	require.Eventually(t, func() bool { return !hb.connected("a") }, waitFor, 5*time.Millisecond)
}

func TestWS_RejectsAnonymousPeers(t *testing.T) {
	b := NewWS("b", newRecordingHandler())
	srv := httptest.NewServer(b)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWS_DuplicateConnectionTieBreak(t *testing.T) {
	w := NewWS("b", newRecordingHandler())
	inbound := &wsConn{peer: "a", outbound: false}
	outbound := &wsConn{peer: "a", outbound: true}

	// "a" < "b": the connection "a" dialed wins on both ends.
	assert.True(t, w.prefers(inbound, outbound))
	assert.False(t, w.prefers(outbound, inbound))
	assert.False(t, w.prefers(inbound, &wsConn{peer: "a", outbound: false}))
}
