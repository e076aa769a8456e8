package chatsync

import (
	"time"
)

// ============================================================================
// Conversation Types
// ============================================================================

// Role is a participant's role inside a conversation.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// MuteDuration is the duration tag a conversation is muted for. A nil
// *MuteDuration means the conversation is not muted.
type MuteDuration string

const (
	MuteOneHour    MuteDuration = "1h"
	MuteEightHours MuteDuration = "8h"
	MuteOneWeek    MuteDuration = "1w"
	MuteAlways     MuteDuration = "always"
)

// Participant is one member's record inside a conversation. IsHidden, Mute
// and IsPinned are private to that member.
type Participant struct {
	UserID   string        `json:"userId"`
	Role     Role          `json:"role"`
	IsHidden bool          `json:"isHidden"`
	Mute     *MuteDuration `json:"mute"`
	IsPinned bool          `json:"isPinned"`
}

func (p Participant) equal(o Participant) bool {
	if p.UserID != o.UserID || p.Role != o.Role || p.IsHidden != o.IsHidden || p.IsPinned != o.IsPinned {
		return false
	}
	return sameMute(p.Mute, o.Mute)
}

func sameMute(a, b *MuteDuration) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// LastMessage is the preview of the most recent message of a conversation.
type LastMessage struct {
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is the canonical record of a one-to-one or group chat.
type Conversation struct {
	ID           string        `json:"_id"`
	IsGroup      bool          `json:"isGroup"`
	Name         string        `json:"name,omitempty"`
	AvatarURL    string        `json:"avatarUrl,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`

	// Version is bumped on every accepted mutation of this record.
	Version uint64 `json:"-"`
}

// Clone returns a deep copy.
func (c *Conversation) Clone() Conversation {
	out := *c
	out.Participants = cloneParticipants(c.Participants)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

// Participant returns the entry for userID.
func (c *Conversation) Participant(userID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// VisibleTo reports whether userID is a participant who has not hidden the
// conversation.
func (c *Conversation) VisibleTo(userID string) bool {
	return visibleFor(c.Participants, userID)
}

// Peer returns the first participant other than userID. Only meaningful for
// one-to-one conversations.
func (c *Conversation) Peer(userID string) (string, bool) {
	if c.IsGroup {
		return "", false
	}
	for _, p := range c.Participants {
		if p.UserID != userID && p.UserID != "" {
			return p.UserID, true
		}
	}
	return "", false
}

// lastActivity is the recency key of the sorted projection.
func (c *Conversation) lastActivity() time.Time {
	t := c.UpdatedAt
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(t) {
		t = c.LastMessage.CreatedAt
	}
	return t
}

func visibleFor(ps []Participant, userID string) bool {
	for _, p := range ps {
		if p.UserID == userID {
			return !p.IsHidden
		}
	}
	return false
}

func cloneParticipants(ps []Participant) []Participant {
	if ps == nil {
		return nil
	}
	out := make([]Participant, len(ps))
	for i, p := range ps {
		out[i] = p
		if p.Mute != nil {
			m := *p.Mute
			out[i].Mute = &m
		}
	}
	return out
}

func participantsEqual(a, b []Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

// ============================================================================
// Patch Types
// ============================================================================

// ConversationPatch is a partial conversation update. Nil fields are absent
// from the patch and are never written. A nil Participants slice is absent;
// an empty non-nil slice is an explicit empty member list.
type ConversationPatch struct {
	ID           string        `json:"_id"`
	IsGroup      *bool         `json:"isGroup,omitempty"`
	Name         *string       `json:"name,omitempty"`
	AvatarURL    *string       `json:"avatarUrl,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	UpdatedAt    *time.Time    `json:"updatedAt,omitempty"`
}

// LastMessagePatch is delivered on the last-message channel, independent of
// conversation metadata patches.
type LastMessagePatch struct {
	ConversationID string      `json:"conversationId"`
	LastMessage    LastMessage `json:"lastMessage"`
	UpdatedAt      *time.Time  `json:"updatedAt,omitempty"`
}

// Ack is the acknowledgement of an outbound request.
type Ack struct {
	Success      bool
	Message      string
	Participants []Participant
}

// ============================================================================
// Profile Types
// ============================================================================

// Profile is the minimal display profile of a user.
type Profile struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
	// Placeholder is set when the profile could not be fetched.
	Placeholder bool `json:"placeholder,omitempty"`
}

// ConversationView is one row of the visible projection.
type ConversationView struct {
	Conversation
	Title  string `json:"title"`
	Avatar string `json:"avatar"`
	Pinned bool   `json:"pinned"`
	Muted  bool   `json:"muted"`
}

// ============================================================================
// Wire Events
// ============================================================================

// Inbound event names.
const (
	EventSnapshot            = "conversations"
	EventConversationUpdate  = "conversationUpdate"
	EventLastMessage         = "lastMessage"
	EventChatInfo            = "chatInfo"
	EventChatInfoUpdated     = "chatInfoUpdated"
	EventNewConversation     = "newConversation"
	EventConversationRemoved = "conversationRemoved"
	EventMemberLeft          = "memberLeft"
)

// Outbound request names.
const (
	RequestGetConversations = "getConversations"
	RequestJoinRoom         = "joinRoom"
	RequestLeaveRoom        = "leaveRoom"
	RequestSetPinned        = "setPinned"
	RequestSetMute          = "setMute"
	RequestSetHidden        = "setHidden"
	RequestVerifyPin        = "verifyPin"
)

type roomPayload struct {
	ConversationID string `json:"conversationId"`
}

type setPinnedPayload struct {
	ConversationID string `json:"conversationId"`
	IsPinned       bool   `json:"isPinned"`
}

type setMutePayload struct {
	ConversationID string        `json:"conversationId"`
	Mute           *MuteDuration `json:"mute"`
}

type setHiddenPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsHidden       bool   `json:"isHidden"`
	Pin            string `json:"pin,omitempty"`
}

type verifyPinPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Pin            string `json:"pin"`
}

type snapshotRequest struct {
	UserID string `json:"userId"`
}
