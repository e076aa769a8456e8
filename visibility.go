package chatsync

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var pinPattern = regexp.MustCompile(`^[0-9]{4}$`)

// ValidPIN reports whether pin is exactly four digits.
func ValidPIN(pin string) bool {
	return pinPattern.MatchString(pin)
}

// VisibilityGate guards hidden conversations behind a PIN.
type VisibilityGate struct {
	e *Engine
}

// Open returns the conversation, or ErrPINRequired when the current user has
// hidden it.
func (g *VisibilityGate) Open(id string) (Conversation, error) {
	e := g.e
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.store.Get(id)
	if !ok {
		return Conversation{}, newError(CodeConversationNotFound, id)
	}
	self, ok := c.Participant(e.opts.UserID)
	if !ok {
		return Conversation{}, newError(CodeConversationNotFound, id)
	}
	if self.IsHidden {
		return Conversation{}, ErrPINRequired
	}
	return c, nil
}

// VerifyPin checks pin against the server. On success the conversation is
// un-hidden for the current user and returned. A wrong PIN returns an error
// matching ErrInvalidPIN and may be retried without limit.
func (g *VisibilityGate) VerifyPin(ctx context.Context, id, pin string) (Conversation, error) {
	e := g.e
	if !ValidPIN(pin) {
		return Conversation{}, newError(CodeInvalidPIN, "pin must be exactly 4 digits")
	}
	if err := e.checkConnected(); err != nil {
		return Conversation{}, err
	}
	e.mu.Lock()
	_, ok := e.store.Get(id)
	e.mu.Unlock()
	if !ok {
		return Conversation{}, newError(CodeConversationNotFound, id)
	}

	rctx, cancel := context.WithTimeout(ctx, e.opts.MutationTimeout)
	defer cancel()
	raw, err := e.transport.Request(rctx, RequestVerifyPin, verifyPinPayload{
		ConversationID: id,
		UserID:         e.opts.UserID,
		Pin:            pin,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Conversation{}, ErrMutationTimeout
		}
		return Conversation{}, fmt.Errorf("verify pin %s: %w", id, err)
	}
	ack, err := decodeAck(raw)
	if err != nil {
		return Conversation{}, fmt.Errorf("verify pin %s: %w", id, err)
	}
	if !ack.Success {
		msg := ack.Message
		if msg == "" {
			msg = "incorrect pin"
		}
		e.log.Info().Str("conversation_id", id).Msg("PIN verification failed")
		return Conversation{}, newError(CodeInvalidPIN, msg)
	}

	e.mu.Lock()
	_, err = e.store.SetHidden(id, false)
	var fx Effects
	if err == nil && ack.Participants != nil {
		fx = e.store.ReplaceParticipants(id, ack.Participants)
	}
	c, ok := e.store.Get(id)
	e.mu.Unlock()
	if err != nil || !ok {
		return Conversation{}, newError(CodeConversationNotFound, id)
	}
	fx.Changed = true
	e.runEffects(ctx, fx)
	return c, nil
}

// SetHidden hides or un-hides the conversation for the current user. Hiding
// requires a 4-digit pin; un-hiding does not.
func (g *VisibilityGate) SetHidden(ctx context.Context, id string, hidden bool, pin string) error {
	e := g.e
	if hidden && !ValidPIN(pin) {
		return newError(CodeInvalidPIN, "hiding requires a 4-digit pin")
	}
	if err := e.checkConnected(); err != nil {
		return err
	}
	if !hidden {
		pin = ""
	}
	var prior bool
	_, err := e.mutator.Perform(ctx, Mutation{
		Kind:           MutationHidden,
		ConversationID: id,
		Apply: func() error {
			_, self, err := e.store.self(id)
			if err != nil {
				return err
			}
			if self.IsHidden == hidden {
				return errNoChange
			}
			prior, err = e.store.SetHidden(id, hidden)
			return err
		},
		Emit: func(ctx context.Context) (Ack, error) {
			return e.request(ctx, RequestSetHidden, setHiddenPayload{
				ConversationID: id,
				UserID:         e.opts.UserID,
				IsHidden:       hidden,
				Pin:            pin,
			})
		},
		Revert: func() {
			_, _ = e.store.SetHidden(id, prior)
		},
	})
	return err
}
