package chatsync

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// router decodes inbound events and merges them into the store. Calls must be
// serialised by the caller.
type router struct {
	store   *Store
	metrics *Metrics
	log     zerolog.Logger
}

// route applies one event. Unknown events are ignored; malformed payloads
// return an error and leave the store untouched.
func (r *router) route(name string, raw json.RawMessage) (Effects, error) {
	var (
		fx  Effects
		err error
	)
	switch name {
	case EventSnapshot:
		var list []Conversation
		var dropped int
		list, dropped, err = decodeSnapshot(raw)
		if err == nil {
			if dropped > 0 {
				r.log.Warn().Int("dropped", dropped).Msg("Snapshot entries without id dropped")
			}
			fx = r.store.ApplySnapshot(list)
		}

	case EventConversationUpdate:
		var p ConversationPatch
		if p, err = decodeConversationPatch(raw); err == nil {
			fx = r.store.ApplyConversationPatch(p)
		}

	case EventLastMessage:
		var p LastMessagePatch
		if p, err = decodeLastMessagePatch(raw); err == nil {
			fx = r.store.ApplyLastMessagePatch(p)
		}

	case EventChatInfo, EventChatInfoUpdated:
		var p ConversationPatch
		if p, err = decodeConversationPatch(raw); err == nil {
			fx = r.store.ApplyChatInfoPatch(p)
		}

	case EventNewConversation:
		var c Conversation
		if c, err = decodeConversation(raw); err == nil {
			fx = r.store.InsertConversation(c)
		}

	case EventConversationRemoved:
		var id string
		if id, err = decodeRemoval(raw); err == nil {
			fx = r.store.Remove(id)
		}

	case EventMemberLeft:
		var convID, userID string
		if convID, userID, err = decodeMemberLeft(raw); err == nil {
			fx = r.store.RemoveMember(convID, userID)
		}

	default:
		r.metrics.event(name, "ignored")
		r.log.Debug().Str("event", name).Msg("Ignoring unknown event")
		return Effects{}, nil
	}

	if err != nil {
		r.metrics.event(name, "invalid")
		return Effects{}, fmt.Errorf("decode %s: %w", name, err)
	}
	switch {
	case fx.Skipped:
		r.metrics.event(name, "skipped")
	case fx.Changed:
		r.metrics.event(name, "applied")
	default:
		r.metrics.event(name, "ignored")
	}
	return fx, nil
}
