package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mutation kinds.
const (
	MutationPin    = "pin"
	MutationMute   = "mute"
	MutationHidden = "hidden"
)

// errNoChange is returned by Apply when the requested state already holds.
// Perform then succeeds without sending anything.
var errNoChange = errors.New("no change")

// Mutation is one optimistic change. Apply, Confirm and Revert run under the
// engine lock; Emit runs without it.
type Mutation struct {
	Kind           string
	ConversationID string

	// Apply writes the optimistic state. An error aborts the mutation before
	// anything is sent.
	Apply func() error
	// Emit sends the request and waits for its acknowledgement.
	Emit func(ctx context.Context) (Ack, error)
	// Confirm, if set, folds a successful acknowledgement into the store.
	Confirm func(Ack) Effects
	// Revert restores the state captured by Apply.
	Revert func()
}

// Mutator runs the apply, emit, confirm-or-revert cycle shared by pin, mute
// and hide toggles.
type Mutator struct {
	mu      *sync.Mutex
	timeout time.Duration
	metrics *Metrics
	log     zerolog.Logger
	after   func(Effects)

	// gens counts applies per kind and conversation. A failed mutation only
	// reverts if no later mutation of the same kind has been applied since.
	gens map[string]uint64
}

func newMutator(mu *sync.Mutex, timeout time.Duration, metrics *Metrics, log zerolog.Logger, after func(Effects)) *Mutator {
	return &Mutator{
		mu:      mu,
		timeout: timeout,
		metrics: metrics,
		log:     log,
		after:   after,
		gens:    make(map[string]uint64),
	}
}

// Perform applies m, emits it and waits for the acknowledgement. On a
// rejection it reverts and returns an error matching ErrMutationRejected; on
// deadline it reverts and returns ErrMutationTimeout. Nothing is retried.
func (x *Mutator) Perform(ctx context.Context, m Mutation) (Ack, error) {
	key := m.Kind + "/" + m.ConversationID
	log := x.log.With().Str("kind", m.Kind).Str("conversation_id", m.ConversationID).Logger()

	x.mu.Lock()
	if err := m.Apply(); err != nil {
		x.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return Ack{Success: true}, nil
		}
		return Ack{}, err
	}
	x.gens[key]++
	gen := x.gens[key]
	x.mu.Unlock()
	x.after(Effects{Changed: true})

	start := time.Now()
	ectx, cancel := context.WithTimeout(ctx, x.timeout)
	ack, err := m.Emit(ectx)
	cancel()
	took := time.Since(start)

	if err == nil && ack.Success {
		x.metrics.mutation(m.Kind, "confirmed", took)
		log.Debug().Dur("took", took).Msg("Mutation confirmed")
		if m.Confirm != nil {
			x.mu.Lock()
			fx := m.Confirm(ack)
			x.mu.Unlock()
			x.after(fx)
		}
		return ack, nil
	}

	var outcome string
	switch {
	case err == nil:
		outcome = "rejected"
		msg := ack.Message
		if msg == "" {
			msg = m.Kind + " rejected"
		}
		err = newError(CodeMutationRejected, msg)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		outcome = "timeout"
		err = ErrMutationTimeout
	default:
		outcome = "failed"
		err = fmt.Errorf("%s %s: %w", m.Kind, m.ConversationID, err)
	}
	x.metrics.mutation(m.Kind, outcome, took)

	x.mu.Lock()
	superseded := x.gens[key] != gen
	if !superseded {
		m.Revert()
	}
	x.mu.Unlock()

	if superseded {
		log.Warn().Err(err).Str("outcome", outcome).Msg("Mutation failed after a newer change, keeping newer state")
		return Ack{}, err
	}
	log.Warn().Err(err).Str("outcome", outcome).Msg("Mutation failed, rolled back")
	x.after(Effects{Changed: true})
	return Ack{}, err
}
