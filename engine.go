// Package chatsync keeps a chat client's conversation list consistent with the
// server.
//
// The engine merges an initial snapshot and a stream of unordered,
// partially-overlapping push events into one canonical store, derives the
// sorted visible list from it, and mediates optimistic pin, mute and hide
// toggles against server acknowledgements.
//
// Example:
//
//	ws := chatsync.NewRealtimeWSClient("https://chat.example.com", &chatsync.RealtimeConfig{Token: token})
//	if err := ws.Connect(ctx); err != nil {
//		return err
//	}
//	engine, err := chatsync.New(ws, chatsync.Options{UserID: "u1"})
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	unsubscribe := engine.Subscribe(func(version uint64) {
//		render(engine.VisibleConversations())
//	})
//	defer unsubscribe()
//
//	if err := engine.Start(ctx); err != nil {
//		return err
//	}
//	err = engine.Pin(ctx, "c42") // errors.Is(err, chatsync.ErrPinLimitExceeded)
package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Options
// ============================================================================

const (
	DefaultMutationTimeout    = 5 * time.Second
	DefaultProfileConcurrency = 4
	DefaultAvatarURL          = "/images/default-avatar.png"
)

// SnapshotSource loads the full conversation list for the current user.
type SnapshotSource interface {
	LoadConversations(ctx context.Context) ([]Conversation, error)
}

// Options configures an Engine.
type Options struct {
	// UserID is the current user. Required.
	UserID string
	// MutationTimeout bounds the wait for a mutation acknowledgement.
	MutationTimeout time.Duration
	// DefaultAvatar is used for placeholders and conversations without one.
	DefaultAvatar string
	// ProfileFetcher loads peer profiles. When nil, titles fall back to the
	// conversation name or the peer id.
	ProfileFetcher ProfileFetcher
	// ProfileConcurrency bounds parallel profile fetches during prefetch.
	ProfileConcurrency int
	// SnapshotSource overrides where Start and reconnects load the list
	// from. By default a getConversations request is sent over the transport.
	SnapshotSource SnapshotSource
	Logger         *zerolog.Logger
	Metrics        *Metrics
}

func (o *Options) defaults() {
	if o.MutationTimeout == 0 {
		o.MutationTimeout = DefaultMutationTimeout
	}
	if o.DefaultAvatar == "" {
		o.DefaultAvatar = DefaultAvatarURL
	}
	if o.ProfileConcurrency == 0 {
		o.ProfileConcurrency = DefaultProfileConcurrency
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
}

// transportSnapshots requests the snapshot over the transport.
type transportSnapshots struct {
	transport Transport
	userID    string
}

func (s transportSnapshots) LoadConversations(ctx context.Context) ([]Conversation, error) {
	raw, err := s.transport.Request(ctx, RequestGetConversations, snapshotRequest{UserID: s.userID})
	if err != nil {
		return nil, err
	}
	list, _, err := decodeSnapshot(raw)
	return list, err
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the conversation synchronization engine. It is safe for
// concurrent use.
type Engine struct {
	opts      Options
	transport Transport
	snapshots SnapshotSource
	log       zerolog.Logger
	metrics   *Metrics

	// mu serialises every store merge and optimistic apply or revert.
	mu        sync.Mutex
	store     *Store
	router    *router
	connected bool
	started   bool
	closed    bool

	rooms    *RoomTracker
	profiles *ProfileResolver
	mutator  *Mutator
	gate     *VisibilityGate
	notifier *changeNotifier

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates an engine for opts.UserID sending requests over t. When t also
// implements EventSource the engine subscribes to its events and connection
// state.
func New(t Transport, opts Options) (*Engine, error) {
	if t == nil {
		return nil, errors.New("chatsync: transport is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("chatsync: user id is required")
	}
	opts.defaults()

	log := opts.Logger.With().Str("user_id", opts.UserID).Logger()
	e := &Engine{
		opts:      opts,
		transport: t,
		snapshots: opts.SnapshotSource,
		log:       log,
		metrics:   opts.Metrics,
		store:     NewStore(opts.UserID, log.With().Str("component", "store").Logger()),
		notifier:  newChangeNotifier(log.With().Str("component", "notify").Logger()),
	}
	if e.snapshots == nil {
		e.snapshots = transportSnapshots{transport: t, userID: opts.UserID}
	}
	e.bgCtx, e.bgCancel = context.WithCancel(context.Background())
	e.router = &router{store: e.store, metrics: e.metrics, log: log.With().Str("component", "router").Logger()}
	e.rooms = NewRoomTracker(t, e.metrics, log.With().Str("component", "rooms").Logger())
	e.profiles = NewProfileResolver(opts.ProfileFetcher, opts.DefaultAvatar, opts.ProfileConcurrency,
		e.metrics, log.With().Str("component", "profiles").Logger(), e.profileResolved)
	e.mutator = newMutator(&e.mu, opts.MutationTimeout, e.metrics,
		log.With().Str("component", "mutator").Logger(), func(fx Effects) { e.runEffects(e.bgCtx, fx) })
	e.gate = &VisibilityGate{e: e}

	if s, ok := t.(interface{ State() RealtimeState }); ok {
		e.connected = s.State() == StateConnected
	}
	if src, ok := t.(EventSource); ok {
		src.OnEvent(func(name string, payload json.RawMessage) {
			if err := e.HandleEvent(e.bgCtx, name, payload); err != nil {
				e.log.Warn().Err(err).Str("event", name).Msg("Dropping event")
			}
		})
		src.OnStateChange(e.handleState)
	}
	e.metrics.connected(e.connected)
	return e, nil
}

// Start marks the transport connected, loads the snapshot and applies it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("chatsync: engine closed")
	}
	e.started = true
	e.mu.Unlock()
	e.SetConnected(true)
	return e.loadSnapshot(ctx)
}

func (e *Engine) loadSnapshot(ctx context.Context) error {
	start := time.Now()
	list, err := e.snapshots.LoadConversations(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	e.mu.Lock()
	fx := e.store.ApplySnapshot(list)
	e.mu.Unlock()
	e.log.Info().Int("conversations", len(list)).Dur("took", time.Since(start)).Msg("Snapshot applied")
	e.runEffects(ctx, fx)
	return nil
}

// SetConnected records the transport state. While disconnected, mutations
// fail with ErrTransportDisconnected.
func (e *Engine) SetConnected(connected bool) {
	e.mu.Lock()
	changed := e.connected != connected
	e.connected = connected
	e.mu.Unlock()
	if changed {
		e.metrics.connected(connected)
		e.log.Info().Bool("connected", connected).Msg("Transport state changed")
	}
}

// IsConnected reports the last recorded transport state.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Engine) handleState(s RealtimeState) {
	if s != StateConnected {
		e.SetConnected(false)
		return
	}
	e.mu.Lock()
	resume := e.started && !e.connected && !e.closed
	e.mu.Unlock()
	if !resume {
		e.SetConnected(true)
		return
	}
	e.background(func(ctx context.Context) {
		if err := e.HandleReconnect(ctx); err != nil {
			e.log.Warn().Err(err).Msg("Reconnect resync incomplete")
		}
	})
}

// HandleReconnect re-joins every joined room and reloads the snapshot so
// that events missed while offline are recovered.
func (e *Engine) HandleReconnect(ctx context.Context) error {
	e.SetConnected(true)
	var errs []error
	if err := e.rooms.Rejoin(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.loadSnapshot(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// HandleEvent merges one inbound event. Malformed payloads are rejected with
// an error and leave the store unchanged.
func (e *Engine) HandleEvent(ctx context.Context, name string, payload json.RawMessage) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	fx, err := e.router.route(name, payload)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.runEffects(ctx, fx)
	return nil
}

// runEffects carries out store effects. It must be called without e.mu held.
func (e *Engine) runEffects(ctx context.Context, fx Effects) {
	if fx.Changed {
		e.notify()
	}
	if fx.Rooms != nil {
		if err := e.rooms.Sync(ctx, fx.Rooms); err != nil {
			e.log.Debug().Err(err).Msg("Room sync incomplete")
		}
	}
	for _, id := range fx.Leave {
		if err := e.rooms.Leave(ctx, id); err != nil {
			e.log.Debug().Err(err).Str("conversation_id", id).Msg("Leave failed")
		}
	}
	for _, id := range fx.Join {
		if err := e.rooms.EnsureJoined(ctx, id); err != nil {
			e.log.Debug().Err(err).Str("conversation_id", id).Msg("Join failed")
		}
	}
	if len(fx.Profiles) > 0 && e.opts.ProfileFetcher != nil {
		ids := append([]string(nil), fx.Profiles...)
		e.background(func(ctx context.Context) {
			_ = e.profiles.Prefetch(ctx, ids)
		})
	}
}

func (e *Engine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.bg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.bg.Done()
		fn(e.bgCtx)
	}()
}

// waitBackground blocks until background work such as profile prefetch has
// finished.
func (e *Engine) waitBackground() {
	e.bg.Wait()
}

func (e *Engine) notify() {
	e.mu.Lock()
	v := e.store.Version()
	n := e.store.VisibleCount()
	e.mu.Unlock()
	e.metrics.visible(n)
	e.notifier.emit(v)
}

func (e *Engine) profileResolved(string) {
	e.mu.Lock()
	v := e.store.bump()
	e.mu.Unlock()
	e.notifier.emit(v)
}

// Close stops background work and drops every subscriber.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.bgCancel()
	e.bg.Wait()
	e.notifier.removeAll()
	return nil
}

// ============================================================================
// Read surface
// ============================================================================

// Subscribe registers fn to be called with the store version after every
// accepted change. The returned function unsubscribes.
func (e *Engine) Subscribe(fn ChangeHandler) func() {
	return e.notifier.subscribe(fn)
}

// Version returns the current store version.
func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Version()
}

// VisibleConversations returns the sorted visible list: pinned first in pin
// order, then most recent activity first.
func (e *Engine) VisibleConversations() []ConversationView {
	e.mu.Lock()
	list := e.store.Visible()
	pinned := make(map[string]bool, e.store.Pins().Len())
	for _, id := range e.store.Pins().IDs() {
		pinned[id] = true
	}
	e.mu.Unlock()

	out := make([]ConversationView, len(list))
	for i, c := range list {
		out[i] = e.view(c, pinned[c.ID])
	}
	return out
}

func (e *Engine) view(c Conversation, pinned bool) ConversationView {
	v := ConversationView{Conversation: c, Title: c.Name, Avatar: c.AvatarURL, Pinned: pinned}
	if self, ok := c.Participant(e.opts.UserID); ok {
		v.Muted = self.Mute != nil
	}
	if peer, ok := c.Peer(e.opts.UserID); ok {
		if p, ok := e.profiles.Lookup(peer); ok {
			v.Title = p.DisplayName
			if p.AvatarURL != "" {
				v.Avatar = p.AvatarURL
			}
		} else if v.Title == "" {
			v.Title = peer
		}
	}
	if v.Avatar == "" {
		v.Avatar = e.opts.DefaultAvatar
	}
	return v
}

// Conversation returns the stored record for id, hidden or not.
func (e *Engine) Conversation(id string) (Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(id)
}

// PinnedOrder returns the pinned conversation ids in display order.
func (e *Engine) PinnedOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Pins().IDs()
}

// JoinedRooms returns the rooms joined on the current connection.
func (e *Engine) JoinedRooms() []string {
	return e.rooms.Joined()
}

// Profile resolves a user's display profile. On fetch failure the placeholder
// is returned together with an error matching ErrProfileFetchFailed.
func (e *Engine) Profile(ctx context.Context, userID string) (Profile, error) {
	return e.profiles.Resolve(ctx, userID)
}

// ============================================================================
// Mutations
// ============================================================================

func (e *Engine) checkConnected() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.connected {
		return ErrTransportDisconnected
	}
	return nil
}

func (e *Engine) request(ctx context.Context, event string, payload any) (Ack, error) {
	raw, err := e.transport.Request(ctx, event, payload)
	if err != nil {
		return Ack{}, err
	}
	return decodeAck(raw)
}

// Pin pins id for the current user. A sixth pin fails with
// ErrPinLimitExceeded and leaves the store unchanged.
func (e *Engine) Pin(ctx context.Context, id string) error {
	return e.setPinned(ctx, id, true)
}

// Unpin unpins id for the current user.
func (e *Engine) Unpin(ctx context.Context, id string) error {
	return e.setPinned(ctx, id, false)
}

func (e *Engine) setPinned(ctx context.Context, id string, pinned bool) error {
	if err := e.checkConnected(); err != nil {
		return err
	}
	var (
		prior    bool
		priorIdx int
	)
	_, err := e.mutator.Perform(ctx, Mutation{
		Kind:           MutationPin,
		ConversationID: id,
		Apply: func() error {
			_, self, err := e.store.self(id)
			if err != nil {
				return err
			}
			pins := e.store.Pins()
			priorIdx = pins.Index(id)
			if self.IsPinned == pinned && (priorIdx >= 0) == pinned {
				return errNoChange
			}
			if pinned {
				if err := pins.Pin(id); err != nil {
					return err
				}
			} else {
				pins.Unpin(id)
			}
			prior, err = e.store.SetPinned(id, pinned)
			return err
		},
		Emit: func(ctx context.Context) (Ack, error) {
			return e.request(ctx, RequestSetPinned, setPinnedPayload{ConversationID: id, IsPinned: pinned})
		},
		Confirm: func(ack Ack) Effects {
			return e.store.ReplaceParticipants(id, ack.Participants)
		},
		Revert: func() {
			_, _ = e.store.SetPinned(id, prior)
			e.store.Pins().Rollback(id, priorIdx >= 0, priorIdx)
		},
	})
	return err
}

// Mute mutes id for the current user for d.
func (e *Engine) Mute(ctx context.Context, id string, d MuteDuration) error {
	if d == "" {
		return fmt.Errorf("mute %s: empty duration", id)
	}
	return e.setMute(ctx, id, &d)
}

// Unmute clears the mute of id for the current user.
func (e *Engine) Unmute(ctx context.Context, id string) error {
	return e.setMute(ctx, id, nil)
}

func (e *Engine) setMute(ctx context.Context, id string, mute *MuteDuration) error {
	if err := e.checkConnected(); err != nil {
		return err
	}
	var prior *MuteDuration
	_, err := e.mutator.Perform(ctx, Mutation{
		Kind:           MutationMute,
		ConversationID: id,
		Apply: func() error {
			_, self, err := e.store.self(id)
			if err != nil {
				return err
			}
			if sameMute(self.Mute, mute) {
				return errNoChange
			}
			prior, err = e.store.SetMute(id, mute)
			return err
		},
		Emit: func(ctx context.Context) (Ack, error) {
			return e.request(ctx, RequestSetMute, setMutePayload{ConversationID: id, Mute: mute})
		},
		Revert: func() {
			_, _ = e.store.SetMute(id, prior)
		},
	})
	return err
}

// SetHidden hides or un-hides id for the current user. Hiding requires a
// 4-digit pin.
func (e *Engine) SetHidden(ctx context.Context, id string, hidden bool, pin string) error {
	return e.gate.SetHidden(ctx, id, hidden, pin)
}

// Open returns the conversation, or ErrPINRequired when it is hidden.
func (e *Engine) Open(id string) (Conversation, error) {
	return e.gate.Open(id)
}

// VerifyPin un-hides id when pin is accepted by the server.
func (e *Engine) VerifyPin(ctx context.Context, id, pin string) (Conversation, error) {
	return e.gate.VerifyPin(ctx, id, pin)
}
