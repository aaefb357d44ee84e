package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphael-dev/raphael/internal/testutil"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// dialHub starts an httptest server whose handler hands every connection to
// h.Serve with the given default drop and subscribe func.
func dialHub(t *testing.T, h *Hub, defaultDrop int64, subscribe SubscribeFunc) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(r.Context(), ws, defaultDrop, subscribe)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) ServerMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg ServerMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func allowAll(ctx context.Context, selector string) (int64, error) {
	if selector == "" {
		return 1, nil
	}
	var id int64
	_, err := fmt.Sscanf(selector, "%d", &id)
	return id, err
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestHub_ConnectedFrame(t *testing.T) {
	h := New(testutil.TestLogger())
	ws := dialHub(t, h, 1, allowAll)

	msg := readMessage(t, ws)
	assert.Equal(t, TypeConnected, msg.Type)
	require.NotNil(t, msg.DropID)
	assert.Equal(t, int64(1), *msg.DropID)
}

func TestHub_RefcountsFollowConnections(t *testing.T) {
	h := New(testutil.TestLogger())
	assert.False(t, h.HasSubscribers(1))

	ws := dialHub(t, h, 1, allowAll)
	_ = readMessage(t, ws)
	waitFor(t, func() bool { return h.SubscriberCount(1) == 1 })

	ws2 := dialHub(t, h, 1, allowAll)
	_ = readMessage(t, ws2)
	waitFor(t, func() bool { return h.SubscriberCount(1) == 2 })

	ws2.Close()
	waitFor(t, func() bool { return h.SubscriberCount(1) == 1 })

	ws.Close()
	waitFor(t, func() bool { return !h.HasSubscribers(1) })
}

func TestHub_Resubscribe(t *testing.T) {
	h := New(testutil.TestLogger())
	ws := dialHub(t, h, 1, allowAll)
	_ = readMessage(t, ws)
	waitFor(t, func() bool { return h.HasSubscribers(1) })

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: "subscribe", Drop: "7"}))
	msg := readMessage(t, ws)
	assert.Equal(t, TypeSubscribed, msg.Type)
	require.NotNil(t, msg.DropID)
	assert.Equal(t, int64(7), *msg.DropID)

	waitFor(t, func() bool { return h.HasSubscribers(7) && !h.HasSubscribers(1) })
}

func TestHub_SubscribeRefusalKeepsSubscription(t *testing.T) {
	h := New(testutil.TestLogger())
	deny := func(ctx context.Context, selector string) (int64, error) {
		return 0, fmt.Errorf("forbidden")
	}
	ws := dialHub(t, h, 1, deny)
	_ = readMessage(t, ws)
	waitFor(t, func() bool { return h.HasSubscribers(1) })

	require.NoError(t, ws.WriteJSON(ClientMessage{Type: "subscribe", Drop: "secret"}))
	msg := readMessage(t, ws)
	assert.Equal(t, TypeError, msg.Type)
	assert.Contains(t, msg.Error, "forbidden")
	assert.True(t, h.HasSubscribers(1), "failed subscribe leaves the old subscription")
}

func TestHub_MalformedClientFrame(t *testing.T) {
	h := New(testutil.TestLogger())
	ws := dialHub(t, h, 1, allowAll)
	_ = readMessage(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"noise"}`)))
	msg := readMessage(t, ws)
	assert.Equal(t, TypeError, msg.Type)
}

func TestHub_BroadcastScoping(t *testing.T) {
	h := New(testutil.TestLogger())
	wsA := dialHub(t, h, 1, allowAll)
	_ = readMessage(t, wsA)
	wsB := dialHub(t, h, 2, allowAll)
	_ = readMessage(t, wsB)
	waitFor(t, func() bool { return h.HasSubscribers(1) && h.HasSubscribers(2) })

	one := int64(1)
	h.Broadcast(ServerMessage{Type: TypeTraces, DropID: &one, Data: []string{"x"}}, &one)

	msg := readMessage(t, wsA)
	assert.Equal(t, TypeTraces, msg.Type)

	// The drop-2 connection must not receive the frame.
	wsB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := wsB.ReadMessage()
	assert.Error(t, err, "no frame expected on the other drop")
}

func TestHub_BroadcastNilReachesAll(t *testing.T) {
	h := New(testutil.TestLogger())
	wsA := dialHub(t, h, 1, allowAll)
	_ = readMessage(t, wsA)
	wsB := dialHub(t, h, 2, allowAll)
	_ = readMessage(t, wsB)
	waitFor(t, func() bool { return h.HasSubscribers(1) && h.HasSubscribers(2) })

	h.Broadcast(ServerMessage{Type: TypeError, Error: "shutting down"}, nil)

	assert.Equal(t, TypeError, readMessage(t, wsA).Type)
	assert.Equal(t, TypeError, readMessage(t, wsB).Type)
}
