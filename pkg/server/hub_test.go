package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*EventHub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewEventHub()
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return hub, srv, cancel
}

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestEventHub_FiltersByTrail(t *testing.T) {
	hub, srv, _ := startHub(t)

	all := dialHub(t, srv, "")
	onlyA := dialHub(t, srv, "?id=a")
	require.Eventually(t, func() bool { return hub.Subscribers("") == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, hub.Subscribers("a"))
	assert.Equal(t, 1, hub.Subscribers("b"))

	hub.Publish(PopulationMessage{Type: "population", ID: "b", Event: "update", Progress: 0.5})
	hub.Publish(PopulationMessage{Type: "population", ID: "a", Event: "finished", Progress: 1})

	var msg PopulationMessage
	require.NoError(t, all.ReadJSON(&msg))
	assert.Equal(t, "b", msg.ID)
	require.NoError(t, all.ReadJSON(&msg))
	assert.Equal(t, "a", msg.ID)

	require.NoError(t, onlyA.ReadJSON(&msg))
	assert.Equal(t, "a", msg.ID, "events of other trails are filtered out")
	assert.Equal(t, "finished", msg.Event)
	assert.Equal(t, 1.0, msg.Progress)
}

func TestEventHub_ClientLeaves(t *testing.T) {
	hub, srv, _ := startHub(t)

	conn := dialHub(t, srv, "?id=a")
	require.Eventually(t, hub.HasClients, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !hub.HasClients() }, 5*time.Second, 5*time.Millisecond)

	// Publishing without subscribers is a no-op
	hub.Publish(PopulationMessage{ID: "a", Event: "update"})
}

func TestEventHub_ShutdownClosesClients(t *testing.T) {
	hub, srv, cancel := startHub(t)

	conn := dialHub(t, srv, "")
	require.Eventually(t, hub.HasClients, 5*time.Second, 5*time.Millisecond)

	cancel()
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.False(t, hub.HasClients())
}
