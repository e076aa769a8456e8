package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket transport.
type RealtimeConfig struct {
	Token         string
	Path          string
	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive attempts; negative is unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// eventDispatcher delivers events and state changes to handlers one at a
// time, in arrival order, on a goroutine other than the read loop.
type eventDispatcher struct {
	mu      sync.RWMutex
	generic []RealtimeEventHandler
	state   []func(RealtimeState)
	log     zerolog.Logger

	qmu     sync.Mutex
	queue   []func()
	running bool
}

func newEventDispatcher(log zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{log: log}
}

func (d *eventDispatcher) onEvent(h RealtimeEventHandler) {
	d.mu.Lock()
	d.generic = append(d.generic, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) onState(h func(RealtimeState)) {
	d.mu.Lock()
	d.state = append(d.state, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	handlers := append([]RealtimeEventHandler(nil), d.generic...)
	d.mu.RUnlock()
	d.enqueue(func() {
		for _, h := range handlers {
			d.call(func() { h(env.Type, env.Payload) })
		}
	})
}

func (d *eventDispatcher) emitState(s RealtimeState) {
	d.mu.RLock()
	handlers := append([]func(RealtimeState){}, d.state...)
	d.mu.RUnlock()
	d.enqueue(func() {
		for _, h := range handlers {
			d.call(func() { h(s) })
		}
	})
}

func (d *eventDispatcher) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("Realtime handler panicked")
		}
	}()
	fn()
}

func (d *eventDispatcher) enqueue(fn func()) {
	d.qmu.Lock()
	d.queue = append(d.queue, fn)
	if d.running {
		d.qmu.Unlock()
		return
	}
	d.running = true
	d.qmu.Unlock()
	go d.drain()
}

func (d *eventDispatcher) drain() {
	for {
		d.qmu.Lock()
		if len(d.queue) == 0 {
			d.running = false
			d.qmu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.qmu.Unlock()
		fn()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter, capped at maxDelay. A connection that
// stayed up for a minute resets the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket Transport with request acknowledgements,
// heartbeat and auto-reconnect.
type RealtimeWSClient struct {
	baseURL          string
	config           *RealtimeConfig
	log              zerolog.Logger
	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pending          map[string]chan RealtimeEnvelope
	pendingMu        sync.Mutex
}

// NewRealtimeWSClient creates a client for baseURL. http and https URLs are
// mapped to ws and wss.
func NewRealtimeWSClient(baseURL string, config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	log := cfg.Logger.With().Str("component", "realtime").Logger()
	return &RealtimeWSClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		log:        log,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(log),
		recon:      newReconnector(&cfg),
		pending:    make(map[string]chan RealtimeEnvelope),
	}
}

// OnEvent registers a handler for every server event other than
// acknowledgements and pongs.
func (ws *RealtimeWSClient) OnEvent(h RealtimeEventHandler) {
	ws.dispatcher.onEvent(h)
}

// OnStateChange registers a handler for connection state changes.
func (ws *RealtimeWSClient) OnStateChange(h func(RealtimeState)) {
	ws.dispatcher.onState(h)
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.dispatcher.emitState(s)
	}
}

func (ws *RealtimeWSClient) wsURL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += ws.config.Path
	if ws.config.Token != "" {
		u += "?token=" + url.QueryEscape(ws.config.Token)
	}
	return u
}

// Connect dials the server and waits for the "authenticated" greeting. The
// connection outlives ctx; use Disconnect to close it.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.state = StateConnecting
	ws.mu.Unlock()
	ws.dispatcher.emitState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, ws.wsURL(), &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	// First message must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusPolicyViolation, "expected authenticated")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ws.mu.Lock()
	ws.conn = conn
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.log.Info().Str("url", ws.baseURL).Msg("Realtime connected")
	ws.setState(StateConnected)

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

// Disconnect gracefully closes the connection and fails pending requests.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	cancel := ws.cancelFn
	ws.cancelFn = nil
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	ws.failPending()
	ws.setState(StateDisconnected)
	return err
}

func (ws *RealtimeWSClient) write(ctx context.Context, cmd RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrTransportDisconnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, err)
	}
	return nil
}

// Send writes event without waiting for an acknowledgement.
func (ws *RealtimeWSClient) Send(ctx context.Context, event string, payload any) error {
	return ws.write(ctx, RealtimeCommand{Type: event, Payload: payload})
}

// Request writes event with a fresh request id and waits for the matching
// acknowledgement.
func (ws *RealtimeWSClient) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	env, err := ws.roundTrip(ctx, RealtimeCommand{Type: event, Payload: payload, RequestID: uuid.NewString()})
	if err != nil {
		return nil, err
	}
	if env.Type == envelopeError {
		return nil, fmt.Errorf("%s: %s", event, errorMessage(env.Payload))
	}
	return env.Payload, nil
}

// Ping sends a ping and waits for the pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ws.config.PingTimeout)
	defer cancel()
	id := uuid.NewString()
	_, err := ws.roundTrip(ctx, RealtimeCommand{
		Type:      envelopePing,
		Payload:   map[string]string{"requestId": id},
		RequestID: id,
	})
	return err
}

func (ws *RealtimeWSClient) roundTrip(ctx context.Context, cmd RealtimeCommand) (RealtimeEnvelope, error) {
	ch := make(chan RealtimeEnvelope, 1)
	ws.pendingMu.Lock()
	ws.pending[cmd.RequestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pending, cmd.RequestID)
		ws.pendingMu.Unlock()
	}()

	if err := ws.write(ctx, cmd); err != nil {
		return RealtimeEnvelope{}, err
	}
	select {
	case env, ok := <-ch:
		if !ok {
			return RealtimeEnvelope{}, ErrTransportDisconnected
		}
		return env, nil
	case <-ctx.Done():
		return RealtimeEnvelope{}, ctx.Err()
	}
}

// requestIDOf reads the correlation id from the envelope, falling back to
// payload.requestId.
func requestIDOf(env RealtimeEnvelope) string {
	if env.RequestID != "" {
		return env.RequestID
	}
	return gjson.GetBytes(env.Payload, "requestId").String()
}

func errorMessage(raw json.RawMessage) string {
	r := gjson.ParseBytes(raw)
	if m := r.Get("message"); m.Exists() {
		return m.String()
	}
	if r.Type == gjson.String {
		return r.String()
	}
	return "request failed"
}

func (ws *RealtimeWSClient) resolve(env RealtimeEnvelope) bool {
	id := requestIDOf(env)
	if id == "" {
		return false
	}
	ws.pendingMu.Lock()
	ch, ok := ws.pending[id]
	if ok {
		delete(ws.pending, id)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
			}
			ws.mu.Unlock()
			ws.failPending()
			if intentional {
				return
			}
			ws.log.Warn().Err(err).Msg("Realtime connection lost")
			ws.setState(StateDisconnected)
			if ws.config.AutoReconnect {
				ws.reconnectLoop(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.log.Debug().Err(err).Msg("Dropping malformed frame")
			continue
		}
		switch env.Type {
		case envelopeAck, envelopePong:
			if !ws.resolve(env) {
				ws.log.Debug().Str("type", env.Type).Msg("Unmatched acknowledgement")
			}
			continue
		case envelopeError:
			if ws.resolve(env) {
				continue
			}
		}
		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				ws.log.Warn().Err(err).Msg("Heartbeat failed, closing connection")
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) reconnectLoop(ctx context.Context) {
	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.log.Info().Int("attempt", ws.recon.attempt).Dur("delay", delay).Msg("Reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		ws.mu.Lock()
		stop := ws.intentionalClose
		ws.mu.Unlock()
		if stop {
			return
		}
		// Connect refuses to run while the state is reconnecting.
		ws.setState(StateDisconnected)
		err := ws.Connect(ctx)
		if err == nil {
			return
		}
		ws.log.Warn().Err(err).Msg("Reconnect attempt failed")
	}
	ws.setState(StateDisconnected)
}

func (ws *RealtimeWSClient) failPending() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pending {
		close(ch)
		delete(ws.pending, k)
	}
	ws.pendingMu.Unlock()
}
