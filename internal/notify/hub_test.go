package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func TestHubFansOutToAllClients(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	a := dialHub(t, srv)
	b := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 10*time.Millisecond)

	hub.Publish(DataUpdated("products", "create", json.RawMessage(`{"id":"p1"}`)))

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, TypeDataUpdated, ev.Type)
		assert.Equal(t, "products", ev.Entity)
		assert.Equal(t, "create", ev.Action)
		assert.JSONEq(t, `{"id":"p1"}`, string(ev.Data))
		assert.NotZero(t, ev.Timestamp)
	}
}

func TestHubExcludesPublisherFromItsOwnEvents(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	publisher := dialHub(t, srv)
	listener := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 10*time.Millisecond)

	payload, err := json.Marshal(Event{Type: TypeDataUpdated, Entity: "customers", Action: "update"})
	require.NoError(t, err)
	require.NoError(t, publisher.WriteMessage(websocket.TextMessage, payload))

	ev := readEvent(t, listener)
	assert.Equal(t, "customers", ev.Entity)
	assert.NotZero(t, ev.Timestamp, "hub stamps events that arrive without one")

	// The publisher must not hear its own event back.
	require.NoError(t, publisher.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = publisher.ReadMessage()
	assert.Error(t, err, "expected a read timeout, got an echoed event")
}

func TestHubSurvivesMalformedClientPayload(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	sender := dialHub(t, srv)
	listener := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, sender.WriteMessage(websocket.TextMessage, []byte("not json")))
	payload, _ := json.Marshal(Event{Type: TypeSyncFinished})
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, payload))

	// The bad frame is dropped; the good one still arrives.
	ev := readEvent(t, listener)
	assert.Equal(t, TypeSyncFinished, ev.Type)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Zero(t, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection should be closed")

	// New connections are rejected after close.
	late := dialHub(t, srv)
	require.NoError(t, late.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, hub.ClientCount())
}
