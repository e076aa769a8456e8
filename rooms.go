package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// RoomTracker records which conversation rooms this session has joined so
// that each room is joined at most once per connection and can be rejoined
// after a reconnect.
type RoomTracker struct {
	transport Transport
	metrics   *Metrics
	log       zerolog.Logger

	mu     sync.Mutex
	joined map[string]struct{}
}

// NewRoomTracker creates a tracker sending room requests over t.
func NewRoomTracker(t Transport, metrics *Metrics, log zerolog.Logger) *RoomTracker {
	return &RoomTracker{
		transport: t,
		metrics:   metrics,
		log:       log,
		joined:    make(map[string]struct{}),
	}
}

// EnsureJoined joins id unless it is already joined.
func (r *RoomTracker) EnsureJoined(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.joined[id]; ok {
		r.mu.Unlock()
		return nil
	}
	r.joined[id] = struct{}{}
	r.mu.Unlock()

	if err := r.send(ctx, RequestJoinRoom, id); err != nil {
		r.mu.Lock()
		delete(r.joined, id)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Leave leaves id if it was joined.
func (r *RoomTracker) Leave(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.joined[id]; !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.joined, id)
	r.mu.Unlock()
	return r.send(ctx, RequestLeaveRoom, id)
}

// Sync converges the joined set on ids: missing rooms are joined and rooms
// outside ids are left.
func (r *RoomTracker) Sync(ctx context.Context, ids []string) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var errs []error
	for _, id := range r.Joined() {
		if _, ok := want[id]; !ok {
			if err := r.Leave(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, id := range ids {
		if err := r.EnsureJoined(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rejoin sends a join for every joined room. Call it after the transport
// reconnects; the server forgets room membership with the old connection.
func (r *RoomTracker) Rejoin(ctx context.Context) error {
	var errs []error
	for _, id := range r.Joined() {
		if err := r.send(ctx, RequestJoinRoom, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset forgets every joined room without sending anything.
func (r *RoomTracker) Reset() {
	r.mu.Lock()
	r.joined = make(map[string]struct{})
	r.mu.Unlock()
}

// Joined returns the joined room ids, sorted.
func (r *RoomTracker) Joined() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.joined))
	for id := range r.joined {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// IsJoined reports whether id is joined.
func (r *RoomTracker) IsJoined(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[id]
	return ok
}

func (r *RoomTracker) send(ctx context.Context, event, id string) error {
	r.metrics.roomRequest(event)
	if err := r.transport.Send(ctx, event, roomPayload{ConversationID: id}); err != nil {
		r.log.Warn().Err(err).Str("event", event).Str("conversation_id", id).Msg("Room request failed")
		return fmt.Errorf("%s %s: %w", event, id, err)
	}
	r.log.Debug().Str("event", event).Str("conversation_id", id).Msg("Room request sent")
	return nil
}
