package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/coxswain/driver"
	"github.com/bazelment/coxswain/inputfeed"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
}

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestObserverReceivesEvents(t *testing.T) {
	feed := inputfeed.New()
	s := NewServer(feed, nil)
	defer s.Close()

	conn := dialTestServer(t, s)

	// Give the server a beat to register the subscription.
	time.Sleep(50 * time.Millisecond)
	s.Publish(driver.Event{Kind: driver.EventTurnStarted, ThreadID: "th_1", TurnID: "tu_1"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev driver.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, driver.EventTurnStarted, ev.Kind)
	assert.Equal(t, "tu_1", ev.TurnID)
}

func TestObserverSteerLandsInFeed(t *testing.T) {
	feed := inputfeed.New()
	s := NewServer(feed, nil)
	defer s.Close()

	conn := dialTestServer(t, s)

	require.NoError(t, conn.WriteJSON(steerMessage{Type: "steer", Text: "  check the tests  "}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	item, err := feed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "check the tests", item.Text)
	assert.True(t, strings.HasPrefix(item.Source, "relay:"))
}

func TestNonSteerMessagesIgnored(t *testing.T) {
	feed := inputfeed.New()
	s := NewServer(feed, nil)
	defer s.Close()

	conn := dialTestServer(t, s)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	require.NoError(t, conn.WriteJSON(steerMessage{Type: "steer", Text: "   "}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := feed.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBroadcasterDropsOldestForSlowSubscriber(t *testing.T) {
	b := newBroadcaster(discardLogger())

	ch := b.Subscribe("slow", 2)
	b.Broadcast(driver.Event{TurnID: "1"})
	b.Broadcast(driver.Event{TurnID: "2"})
	b.Broadcast(driver.Event{TurnID: "3"})

	ev := <-ch
	assert.Equal(t, "2", ev.TurnID, "oldest event should have been dropped")
	ev = <-ch
	assert.Equal(t, "3", ev.TurnID)

	b.Unsubscribe("slow")
	_, open := <-ch
	assert.False(t, open, "unsubscribed channel left open")
}

func TestCloseDisconnectsObservers(t *testing.T) {
	feed := inputfeed.New()
	s := NewServer(feed, nil)

	conn := dialTestServer(t, s)
	time.Sleep(50 * time.Millisecond)

	s.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "observer connection should close")
}
