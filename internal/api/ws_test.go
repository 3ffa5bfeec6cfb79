package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialLive(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestLiveBroadcast(t *testing.T) {
	s, _ := testServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialLive(t, srv, "")

	ev := trafficEvent(time.Now().UTC(), "example.com", 10, 20)
	// Registration is synchronous in the handler, but give the server
	// goroutine a moment to reach the read loop.
	require.Eventually(t, func() bool {
		s.hub.mu.RLock()
		defer s.hub.mu.RUnlock()
		return len(s.hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	s.hub.Broadcast(1, ev)

	msg := readMessage(t, conn)
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, int64(1), msg.BackendID)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "example.com", msg.Event.Domain)
}

func TestLiveBackendFilter(t *testing.T) {
	s, _ := testServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialLive(t, srv, "?backendId=2")
	require.Eventually(t, func() bool {
		s.hub.mu.RLock()
		defer s.hub.mu.RUnlock()
		return len(s.hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	s.hub.Broadcast(1, trafficEvent(time.Now().UTC(), "skip.com", 1, 1))
	s.hub.Broadcast(2, trafficEvent(time.Now().UTC(), "keep.com", 2, 2))

	msg := readMessage(t, conn)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "keep.com", msg.Event.Domain)
}

func TestLiveReset(t *testing.T) {
	s, _ := testServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	conn := dialLive(t, srv, "")
	require.Eventually(t, func() bool {
		s.hub.mu.RLock()
		defer s.hub.mu.RUnlock()
		return len(s.hub.clients) == 1
	}, time.Second, 10*time.Millisecond)

	s.hub.Reset(3)

	msg := readMessage(t, conn)
	assert.Equal(t, "reset", msg.Type)
	assert.Equal(t, int64(3), msg.BackendID)
}

func TestLiveBadBackendID(t *testing.T) {
	s, _ := testServer(t)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live?backendId=abc"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}
