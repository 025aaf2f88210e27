package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"projecthub.io/assistant/internal/store"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = hub.Run(ctx)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	t.Cleanup(func() {
		cancel()
		<-stopped
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg IncomingMessage) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

type received struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref"`
	Payload json.RawMessage `json:"payload"`
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func replyStatus(t *testing.T, msg received) string {
	t.Helper()
	var payload struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	return payload.Status
}

func TestTurnTopic(t *testing.T) {
	p := "p1"
	empty := ""
	assert.Equal(t, "turns:p1", TurnTopic(&p))
	assert.Equal(t, TopicGlobal, TurnTopic(nil))
	assert.Equal(t, TopicGlobal, TurnTopic(&empty))
}

func TestHub_PublishReachesProjectSubscribers(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	send(t, conn, IncomingMessage{Topic: "turns:p1", Event: EventJoin, Ref: "1"})
	reply := read(t, conn)
	assert.Equal(t, EventReply, reply.Event)
	assert.Equal(t, "1", reply.Ref)
	assert.Equal(t, "ok", replyStatus(t, reply))

	other := "p2"
	hub.Publish(&store.Turn{ID: "skip", Role: store.RoleAssistant, ProjectID: &other})
	project := "p1"
	hub.Publish(&store.Turn{ID: "turn-1", Role: store.RoleAssistant, Content: "5 open issues", ProjectID: &project})

	msg := read(t, conn)
	assert.Equal(t, "turns:p1", msg.Topic)
	assert.Equal(t, EventTurn, msg.Event)
	var turn store.Turn
	require.NoError(t, json.Unmarshal(msg.Payload, &turn))
	assert.Equal(t, "turn-1", turn.ID)
	assert.Equal(t, "5 open issues", turn.Content)
}

func TestHub_AllTopicSeesEveryTurn(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	send(t, conn, IncomingMessage{Topic: TopicAll, Event: EventJoin, Ref: "1"})
	read(t, conn)

	project := "p9"
	hub.Publish(&store.Turn{ID: "scoped", ProjectID: &project})
	hub.Publish(&store.Turn{ID: "global"})

	var ids []string
	for i := 0; i < 2; i++ {
		msg := read(t, conn)
		assert.Equal(t, TopicAll, msg.Topic)
		var turn store.Turn
		require.NoError(t, json.Unmarshal(msg.Payload, &turn))
		ids = append(ids, turn.ID)
	}
	assert.Equal(t, []string{"scoped", "global"}, ids)
}

func TestHub_ProtocolReplies(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	send(t, conn, IncomingMessage{Topic: "phoenix", Event: EventHeartbeat, Ref: "h"})
	assert.Equal(t, "ok", replyStatus(t, read(t, conn)))

	send(t, conn, IncomingMessage{Topic: "messages:1", Event: EventJoin, Ref: "bad"})
	assert.Equal(t, "error", replyStatus(t, read(t, conn)))

	send(t, conn, IncomingMessage{Topic: "turns:p1", Event: "shout", Ref: "x"})
	assert.Equal(t, "error", replyStatus(t, read(t, conn)))

	send(t, conn, IncomingMessage{Topic: "turns:p1", Event: EventJoin, Ref: "j"})
	read(t, conn)
	send(t, conn, IncomingMessage{Topic: "turns:p1", Event: EventLeave, Ref: "l"})
	read(t, conn)

	project := "p1"
	hub.Publish(&store.Turn{ID: "unseen", ProjectID: &project})
	send(t, conn, IncomingMessage{Topic: "phoenix", Event: EventHeartbeat, Ref: "h2"})
	// The heartbeat reply arrives, the left topic's turn does not.
	assert.Equal(t, "h2", read(t, conn).Ref)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_BroadcastAfterStopIsDropped(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, hub.Run(ctx))

	assert.False(t, hub.Broadcast(TopicAll, EventTurn, map[string]string{"id": "x"}))
	hub.Publish(&store.Turn{ID: "x"})
}
