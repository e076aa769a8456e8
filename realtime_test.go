package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake realtime server
// ============================================================================

type wsServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	tokens   []string
	received []RealtimeEnvelope
	greeting string
	reply    func(env RealtimeEnvelope) (typ, payload string)
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{greeting: `{"type":"authenticated","payload":{"userId":"me"}}`}
	s.reply = func(RealtimeEnvelope) (string, string) { return envelopeAck, `{"success":true}` }
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.dropAll()
		s.srv.Close()
	})
	return s
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.tokens = append(s.tokens, r.URL.Query().Get("token"))
	greeting := s.greeting
	s.mu.Unlock()

	ctx := context.Background()
	if err := conn.Write(ctx, websocket.MessageText, []byte(greeting)); err != nil {
		return
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, env)
		reply := s.reply
		s.mu.Unlock()

		if env.RequestID == "" {
			continue
		}
		typ, payload := envelopePong, `{}`
		if env.Type != envelopePing {
			typ, payload = reply(env)
		}
		if typ == "" {
			continue
		}
		frame := fmt.Sprintf(`{"type":%q,"requestId":%q,"payload":%s}`, typ, env.RequestID, payload)
		_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
	}
}

func (s *wsServer) setReply(fn func(env RealtimeEnvelope) (string, string)) {
	s.mu.Lock()
	s.reply = fn
	s.mu.Unlock()
}

// push writes a server event on the newest connection.
func (s *wsServer) push(t *testing.T, typ, payload string) {
	t.Helper()
	s.mu.Lock()
	require.NotEmpty(t, s.conns)
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	frame := fmt.Sprintf(`{"type":%q,"payload":%s}`, typ, payload)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(frame)))
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server restart")
	}
}

func (s *wsServer) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, env := range s.received {
		if env.Type == typ {
			n++
		}
	}
	return n
}

func (s *wsServer) rooms(typ string) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, env := range s.received {
		if env.Type == typ {
			out[gjson.GetBytes(env.Payload, "conversationId").String()]++
		}
	}
	return out
}

func connectWS(t *testing.T, s *wsServer, cfg RealtimeConfig) *RealtimeWSClient {
	t.Helper()
	if cfg.Token == "" {
		cfg.Token = "tok en"
	}
	ws := NewRealtimeWSClient(s.srv.URL, &cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Connect(ctx))
	t.Cleanup(func() { _ = ws.Disconnect() })
	return ws
}

// ============================================================================
// Tests
// ============================================================================

func TestRealtimeWSRequestAndSend(t *testing.T) {
	s := newWSServer(t)
	ws := connectWS(t, s, RealtimeConfig{})
	assert.Equal(t, StateConnected, ws.State())
	s.mu.Lock()
	assert.Equal(t, []string{"tok en"}, s.tokens, "token is query-escaped")
	s.mu.Unlock()

	raw, err := ws.Request(context.Background(), RequestSetPinned, setPinnedPayload{ConversationID: "c1", IsPinned: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true}`, string(raw))

	require.NoError(t, ws.Send(context.Background(), RequestJoinRoom, roomPayload{ConversationID: "c1"}))
	require.NoError(t, ws.Ping(context.Background()))

	assert.Eventually(t, func() bool { return s.count(RequestJoinRoom) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]int{"c1": 1}, s.rooms(RequestSetPinned))
}

func TestRealtimeWSErrorEnvelope(t *testing.T) {
	s := newWSServer(t)
	s.setReply(func(RealtimeEnvelope) (string, string) { return envelopeError, `{"message":"not a member"}` })
	ws := connectWS(t, s, RealtimeConfig{})

	_, err := ws.Request(context.Background(), RequestSetMute, setMutePayload{ConversationID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a member")
}

func TestRealtimeWSRequestHonoursContext(t *testing.T) {
	s := newWSServer(t)
	s.setReply(func(RealtimeEnvelope) (string, string) { return "", "" })
	ws := connectWS(t, s, RealtimeConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := ws.Request(ctx, RequestSetPinned, setPinnedPayload{ConversationID: "c1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRealtimeWSDisconnectFailsPending(t *testing.T) {
	s := newWSServer(t)
	s.setReply(func(RealtimeEnvelope) (string, string) { return "", "" })
	ws := connectWS(t, s, RealtimeConfig{})

	errc := make(chan error, 1)
	go func() {
		_, err := ws.Request(context.Background(), RequestSetPinned, setPinnedPayload{ConversationID: "c1"})
		errc <- err
	}()
	require.Eventually(t, func() bool { return s.count(RequestSetPinned) == 1 }, time.Second, 5*time.Millisecond)

	_ = ws.Disconnect()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTransportDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not failed")
	}
	assert.Equal(t, StateDisconnected, ws.State())
	assert.ErrorIs(t, ws.Send(context.Background(), RequestJoinRoom, roomPayload{ConversationID: "c1"}), ErrTransportDisconnected)
}

func TestRealtimeWSRequiresAuthenticatedGreeting(t *testing.T) {
	s := newWSServer(t)
	s.greeting = `{"type":"error","payload":{"message":"bad token"}}`

	ws := NewRealtimeWSClient(s.srv.URL, &RealtimeConfig{Token: "x"})
	err := ws.Connect(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "authenticated")
	assert.Equal(t, StateDisconnected, ws.State())
}

func TestRealtimeWSEventsInOrder(t *testing.T) {
	s := newWSServer(t)
	ws := connectWS(t, s, RealtimeConfig{})

	var mu sync.Mutex
	var got []string
	ws.OnEvent(func(typ string, payload json.RawMessage) {
		mu.Lock()
		got = append(got, typ+":"+gjson.GetBytes(payload, "n").String())
		mu.Unlock()
	})
	for i := 0; i < 20; i++ {
		s.push(t, EventLastMessage, fmt.Sprintf(`{"n":%d}`, i))
	}
	s.push(t, envelopeAck, `{"requestId":"unknown"}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for i, g := range got {
		assert.Equal(t, fmt.Sprintf("%s:%d", EventLastMessage, i), g)
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{ReconnectBaseDelay: 100 * time.Millisecond, ReconnectMaxDelay: time.Second, MaxReconnectAttempts: 3})

	d0 := r.nextDelay()
	assert.GreaterOrEqual(t, d0, 100*time.Millisecond)
	assert.Less(t, d0, 150*time.Millisecond)
	d1 := r.nextDelay()
	assert.GreaterOrEqual(t, d1, 200*time.Millisecond)
	r.nextDelay()
	assert.False(t, r.shouldReconnect())
	assert.LessOrEqual(t, r.nextDelay(), time.Second)

	unlimited := newReconnector(&RealtimeConfig{MaxReconnectAttempts: -1})
	unlimited.attempt = 1000
	assert.True(t, unlimited.shouldReconnect())
}

// ============================================================================
// Engine over WebSocket
// ============================================================================

func snapshotReply(list string) func(env RealtimeEnvelope) (string, string) {
	return func(env RealtimeEnvelope) (string, string) {
		if env.Type == RequestGetConversations {
			return envelopeAck, list
		}
		return envelopeAck, `{"success":true}`
	}
}

func TestEngineOverWebSocket(t *testing.T) {
	s := newWSServer(t)
	s.setReply(snapshotReply(`[
		{"_id":"A","participants":[{"userId":"me"},{"userId":"u1"}],"updatedAt":"2024-03-01T12:00:00Z"},
		{"_id":"B","participants":[{"userId":"me"},{"userId":"u2"}],"updatedAt":"2024-03-01T12:30:00Z"}
	]`))
	ws := connectWS(t, s, RealtimeConfig{})

	e, err := New(ws, Options{UserID: me, MutationTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.True(t, e.IsConnected())

	versions := make(chan uint64, 16)
	e.Subscribe(func(v uint64) { versions <- v })

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, []string{"B", "A"}, viewIDs(e.VisibleConversations()))
	require.Eventually(t, func() bool { return len(s.rooms(RequestJoinRoom)) == 2 }, time.Second, 5*time.Millisecond)

	s.push(t, EventLastMessage, `{"conversationId":"A","lastMessage":{"content":"new","createdAt":"2024-03-01T13:00:00Z"}}`)
	require.Eventually(t, func() bool {
		ids := viewIDs(e.VisibleConversations())
		return len(ids) == 2 && ids[0] == "A"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Pin(context.Background(), "B"))
	assert.Equal(t, []string{"B"}, e.PinnedOrder())
	assert.Equal(t, map[string]int{"B": 1}, s.rooms(RequestSetPinned))
	assert.NotEmpty(t, versions)
}

func TestEngineOverWebSocketReconnect(t *testing.T) {
	s := newWSServer(t)
	s.setReply(snapshotReply(`[{"_id":"A","participants":[{"userId":"me"},{"userId":"u1"}]}]`))
	ws := connectWS(t, s, RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})

	e, err := New(ws, Options{UserID: me})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return s.rooms(RequestJoinRoom)["A"] == 1 }, time.Second, 5*time.Millisecond)

	s.setReply(snapshotReply(`[
		{"_id":"A","participants":[{"userId":"me"},{"userId":"u1"}]},
		{"_id":"N","participants":[{"userId":"me"},{"userId":"u9"}]}
	]`))
	s.dropAll()

	require.Eventually(t, func() bool {
		joins := s.rooms(RequestJoinRoom)
		return joins["A"] == 2 && joins["N"] == 1
	}, 3*time.Second, 10*time.Millisecond, "rooms rejoined once after reconnect")
	assert.Equal(t, 2, s.count(RequestGetConversations))
	assert.True(t, e.IsConnected())
	assert.ElementsMatch(t, []string{"A", "N"}, viewIDs(e.VisibleConversations()))
}
