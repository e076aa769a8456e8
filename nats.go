package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	URL           string
	Token         string
	UserID        string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *zerolog.Logger
}

func (c *NATSConfig) defaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "chatsync"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// NATSTransport carries engine traffic over NATS.
//
// Subjects:
//
//	<prefix>.user.<userId>.events   server events for the user
//	<prefix>.room.<id>.events       events of a joined conversation
//	<prefix>.rpc.<event>            requests, answered on the reply subject
//
// joinRoom and leaveRoom are also published so the server can track
// membership, and subscribe or unsubscribe the room subject locally.
type NATSTransport struct {
	conn       *nats.Conn
	cfg        NATSConfig
	log        zerolog.Logger
	dispatcher *eventDispatcher

	mu    sync.Mutex
	state RealtimeState
	user  *nats.Subscription
	rooms map[string]*nats.Subscription
}

// DialNATS connects to cfg.URL and subscribes to the user's event subject.
func DialNATS(cfg NATSConfig) (*NATSTransport, error) {
	cfg.defaults()
	if cfg.UserID == "" {
		return nil, errors.New("nats transport: user id is required")
	}
	log := cfg.Logger.With().Str("component", "nats").Logger()
	t := &NATSTransport{
		cfg:        cfg,
		log:        log,
		dispatcher: newEventDispatcher(log),
		state:      StateConnecting,
		rooms:      make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name("chatsync-" + cfg.UserID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
			t.setState(StateReconnecting)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			t.setState(StateConnected)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.setState(StateDisconnected)
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	t.conn = conn

	sub, err := conn.Subscribe(t.userSubject(), t.handleMsg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", t.userSubject(), err)
	}
	t.user = sub
	t.setState(StateConnected)
	return t, nil
}

func (t *NATSTransport) userSubject() string {
	return t.cfg.SubjectPrefix + ".user." + subjectToken(t.cfg.UserID) + ".events"
}

func (t *NATSTransport) roomSubject(id string) string {
	return t.cfg.SubjectPrefix + ".room." + subjectToken(id) + ".events"
}

func (t *NATSTransport) rpcSubject(event string) string {
	return t.cfg.SubjectPrefix + ".rpc." + subjectToken(event)
}

// subjectToken makes s usable as a single subject token.
func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// OnEvent registers a handler for server events.
func (t *NATSTransport) OnEvent(h RealtimeEventHandler) {
	t.dispatcher.onEvent(h)
}

// OnStateChange registers a handler for connection state changes.
func (t *NATSTransport) OnStateChange(h func(RealtimeState)) {
	t.dispatcher.onState(h)
}

// State returns the current connection state.
func (t *NATSTransport) State() RealtimeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *NATSTransport) setState(s RealtimeState) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if changed {
		t.dispatcher.emitState(s)
	}
}

func (t *NATSTransport) handleMsg(msg *nats.Msg) {
	var env RealtimeEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.Type == "" {
		t.log.Debug().Str("subject", msg.Subject).Msg("Dropping malformed message")
		return
	}
	t.dispatcher.dispatch(env)
}

func (t *NATSTransport) encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(RealtimeCommand{Type: event, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return data, nil
}

// Send publishes event. Room requests also subscribe or unsubscribe the
// room's event subject.
func (t *NATSTransport) Send(ctx context.Context, event string, payload any) error {
	if !t.conn.IsConnected() {
		return ErrTransportDisconnected
	}
	switch event {
	case RequestJoinRoom, RequestLeaveRoom:
		id := roomID(payload)
		if id == "" {
			return fmt.Errorf("%s: missing conversation id", event)
		}
		if err := t.trackRoom(id, event == RequestJoinRoom); err != nil {
			return err
		}
	}
	data, err := t.encode(event, payload)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(t.rpcSubject(event), data); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func roomID(payload any) string {
	switch p := payload.(type) {
	case roomPayload:
		return p.ConversationID
	case *roomPayload:
		return p.ConversationID
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return gjson.GetBytes(b, "conversationId").String()
}

func (t *NATSTransport) trackRoom(id string, join bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.rooms[id]
	if !join {
		if ok {
			delete(t.rooms, id)
			return sub.Unsubscribe()
		}
		return nil
	}
	if ok {
		return nil
	}
	sub, err := t.conn.Subscribe(t.roomSubject(id), t.handleMsg)
	if err != nil {
		return fmt.Errorf("subscribe room %s: %w", id, err)
	}
	t.rooms[id] = sub
	return nil
}

// Request sends event on its rpc subject and waits for the reply. A reply
// shaped as {type:"ack", payload} is unwrapped; any other reply is returned
// as is.
func (t *NATSTransport) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	if !t.conn.IsConnected() {
		return nil, ErrTransportDisconnected
	}
	data, err := t.encode(event, payload)
	if err != nil {
		return nil, err
	}
	msg, err := t.conn.RequestWithContext(ctx, t.rpcSubject(event), data)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nil, err
		case errors.Is(err, nats.ErrTimeout):
			return nil, context.DeadlineExceeded
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrNoResponders):
			return nil, fmt.Errorf("%s: %w: %v", event, ErrTransportDisconnected, err)
		}
		return nil, fmt.Errorf("request %s: %w", event, err)
	}
	return unwrapReply(msg.Data)
}

func unwrapReply(data []byte) (json.RawMessage, error) {
	r := gjson.ParseBytes(data)
	switch r.Get("type").String() {
	case envelopeAck:
		if p := r.Get("payload"); p.Exists() {
			return json.RawMessage(p.Raw), nil
		}
		return json.RawMessage(`{}`), nil
	case envelopeError:
		return nil, errors.New(errorMessage(json.RawMessage(r.Get("payload").Raw)))
	}
	return json.RawMessage(data), nil
}

// Rooms returns the room subjects currently subscribed.
func (t *NATSTransport) Rooms() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		out = append(out, id)
	}
	return out
}

// Close drains subscriptions and closes the connection.
func (t *NATSTransport) Close() error {
	err := t.conn.Drain()
	if errors.Is(err, nats.ErrConnectionClosed) {
		err = nil
	}
	t.setState(StateDisconnected)
	return err
}
