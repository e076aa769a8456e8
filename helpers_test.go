package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const me = "me"

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// ============================================================================
// Fake transport
// ============================================================================

type call struct {
	Event   string
	Payload any
}

type requestHandler func(ctx context.Context, event string, payload any) (json.RawMessage, error)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []call
	requests []call
	handler  requestHandler
	sendErr  error
}

func (f *fakeTransport) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	f.requests = append(f.requests, call{event, payload})
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return json.RawMessage(`{"success":true}`), nil
	}
	return h(ctx, event, payload)
}

func (f *fakeTransport) Send(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, call{event, payload})
	return nil
}

func (f *fakeTransport) setHandler(h requestHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) requestCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.requests {
		if c.Event == event {
			n++
		}
	}
	return n
}

// roomSends counts room requests of kind event per conversation id.
func (f *fakeTransport) roomSends(event string) map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int)
	for _, c := range f.sent {
		if c.Event == event {
			out[c.Payload.(roomPayload).ConversationID]++
		}
	}
	return out
}

func ack(raw string) requestHandler {
	return func(context.Context, string, any) (json.RawMessage, error) {
		return json.RawMessage(raw), nil
	}
}

// ============================================================================
// Fixtures
// ============================================================================

type staticSnapshot struct {
	mu   sync.Mutex
	list []Conversation
	hits int
}

func (s *staticSnapshot) LoadConversations(context.Context) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits++
	out := make([]Conversation, len(s.list))
	for i := range s.list {
		out[i] = s.list[i].Clone()
	}
	return out, nil
}

func (s *staticSnapshot) set(list ...Conversation) {
	s.mu.Lock()
	s.list = list
	s.mu.Unlock()
}

func member(userID string) Participant {
	return Participant{UserID: userID, Role: RoleMember}
}

// direct builds a one-to-one conversation between me and peer, last active at
// t0 plus age minutes.
func direct(id, peer string, minutes int) Conversation {
	at := t0.Add(time.Duration(minutes) * time.Minute)
	return Conversation{
		ID:           id,
		Participants: []Participant{member(me), member(peer)},
		LastMessage:  &LastMessage{Content: "hi from " + id, Type: "text", SenderID: peer, CreatedAt: at},
		UpdatedAt:    at,
	}
}

func group(id, name string, minutes int, members ...string) Conversation {
	c := direct(id, "", minutes)
	c.IsGroup = true
	c.Name = name
	c.Participants = []Participant{member(me)}
	for _, m := range members {
		c.Participants = append(c.Participants, member(m))
	}
	return c
}

func withSelf(c Conversation, fn func(p *Participant)) Conversation {
	p, _ := c.Participant(me)
	fn(p)
	return c
}

func ptr[T any](v T) *T { return &v }

func visibleIDs(list []Conversation) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func viewIDs(list []ConversationView) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}

func newTestEngine(t *testing.T, opts Options, list ...Conversation) (*Engine, *fakeTransport, *staticSnapshot) {
	t.Helper()
	tr := &fakeTransport{}
	snap := &staticSnapshot{list: list}
	opts.UserID = me
	opts.SnapshotSource = snap
	if opts.MutationTimeout == 0 {
		opts.MutationTimeout = time.Second
	}
	e, err := New(tr, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Start(context.Background()))
	e.waitBackground()
	return e, tr, snap
}
