package chatsync

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

// Update channels tracked for idempotence.
const (
	channelConversation = "conversation"
	channelLastMessage  = "lastMessage"
	channelChatInfo     = "chatInfo"
)

// Effects are the side effects a store mutation asks the engine to carry out
// once the store lock is released.
type Effects struct {
	// Changed is set when the store version moved.
	Changed bool
	// Skipped is set when a patch was recognised as a redelivery.
	Skipped bool
	Join    []string
	Leave   []string
	// Rooms, when non-nil, is the complete set of rooms to converge on.
	Rooms    []string
	Profiles []string
}

func (fx *Effects) merge(o Effects) {
	fx.Changed = fx.Changed || o.Changed
	fx.Skipped = fx.Skipped || o.Skipped
	fx.Join = append(fx.Join, o.Join...)
	fx.Leave = append(fx.Leave, o.Leave...)
	if o.Rooms != nil {
		fx.Rooms = o.Rooms
	}
	fx.Profiles = append(fx.Profiles, o.Profiles...)
}

// Store is the canonical in-memory map of conversation id to record.
//
// Store is not safe for concurrent use; the engine serialises every call
// under a single mutex so each merge runs to completion before the next.
type Store struct {
	selfID string
	convs  map[string]*Conversation
	pins   *PinOrder
	seen   map[string]map[string]uint64
	// metaAt is the UpdatedAt of the metadata each record carries, which
	// last-message patches do not advance.
	metaAt  map[string]time.Time
	version uint64
	log     zerolog.Logger
}

// NewStore creates an empty store for the current user.
func NewStore(selfID string, log zerolog.Logger) *Store {
	return &Store{
		selfID: selfID,
		convs:  make(map[string]*Conversation),
		pins:   NewPinOrder(),
		seen: map[string]map[string]uint64{
			channelConversation: {},
			channelLastMessage:  {},
			channelChatInfo:     {},
		},
		metaAt: make(map[string]time.Time),
		log:    log,
	}
}

// Version is bumped on every accepted mutation.
func (s *Store) Version() uint64 { return s.version }

// Len returns the number of records, hidden ones included.
func (s *Store) Len() int { return len(s.convs) }

// Pins exposes the pinned order.
func (s *Store) Pins() *PinOrder { return s.pins }

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Conversation, bool) {
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.Clone(), true
}

// IsVisible reports whether id is in the visible projection.
func (s *Store) IsVisible(id string) bool {
	c, ok := s.convs[id]
	return ok && c.VisibleTo(s.selfID)
}

// VisibleCount returns the size of the visible projection.
func (s *Store) VisibleCount() int {
	n := 0
	for _, c := range s.convs {
		if c.VisibleTo(s.selfID) {
			n++
		}
	}
	return n
}

// Visible returns the sorted projection: pinned conversations first in pin
// order, then by most recent activity, ties broken by id.
func (s *Store) Visible() []Conversation {
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		if c.VisibleTo(s.selfID) {
			out = append(out, c.Clone())
		}
	}
	rank := make(map[string]int, s.pins.Len())
	for i, id := range s.pins.ids {
		rank[id] = i
	}
	sort.Slice(out, func(i, j int) bool {
		ri, pi := rank[out[i].ID]
		rj, pj := rank[out[j].ID]
		if pi != pj {
			return pi
		}
		if pi {
			return ri < rj
		}
		ti, tj := out[i].lastActivity(), out[j].lastActivity()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) touch(c *Conversation) {
	s.version++
	c.Version++
}

// bump moves the store version without touching any record. Used when data
// derived outside the store, such as profiles, changes the projection.
func (s *Store) bump() uint64 {
	s.version++
	return s.version
}

// redelivered reports whether v equals the last value applied on channel for
// id, recording v otherwise.
func (s *Store) redelivered(channel, id string, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	fp := xxhash.Sum64(b)
	if last, ok := s.seen[channel][id]; ok && last == fp {
		return true
	}
	s.seen[channel][id] = fp
	return false
}

func (s *Store) forget(id string) {
	for _, m := range s.seen {
		delete(m, id)
	}
}

func (s *Store) profilesFor(c *Conversation) []string {
	if peer, ok := c.Peer(s.selfID); ok {
		return []string{peer}
	}
	return nil
}

// ApplySnapshot replaces the whole set with list. A record whose metadata is
// newer than its snapshot row keeps its metadata and participants, and any
// record keeps a last message or UpdatedAt newer than the row's, so a
// snapshot that raced behind a patch does not roll it back.
func (s *Store) ApplySnapshot(list []Conversation) Effects {
	prev := s.convs
	next := make(map[string]*Conversation, len(list))
	metaAt := make(map[string]time.Time, len(list))
	fx := Effects{Changed: true, Rooms: make([]string, 0, len(list))}
	var pinned []string
	peers := make(map[string]struct{})

	for i := range list {
		c := list[i].Clone()
		if c.ID == "" {
			continue
		}
		if old, ok := prev[c.ID]; ok {
			if at := s.metaAt[c.ID]; !c.UpdatedAt.IsZero() && at.After(c.UpdatedAt) {
				// The row predates metadata a patch already delivered.
				row := c
				c = old.Clone()
				metaAt[c.ID] = at
				if newerMessage(row.LastMessage, c.LastMessage) {
					lm := *row.LastMessage
					c.LastMessage = &lm
				}
			} else {
				metaAt[c.ID] = c.UpdatedAt
				if newerMessage(old.LastMessage, c.LastMessage) {
					lm := *old.LastMessage
					c.LastMessage = &lm
				}
				if old.UpdatedAt.After(c.UpdatedAt) {
					c.UpdatedAt = old.UpdatedAt
				}
				s.forget(c.ID)
			}
			c.Version = old.Version + 1
		} else {
			metaAt[c.ID] = c.UpdatedAt
			c.Version = 1
		}
		if _, dup := next[c.ID]; !dup {
			fx.Rooms = append(fx.Rooms, c.ID)
		}
		next[c.ID] = &c
	}

	for _, id := range fx.Rooms {
		c := next[id]
		if self, ok := c.Participant(s.selfID); ok && self.IsPinned {
			pinned = append(pinned, id)
		}
		for _, peer := range s.profilesFor(c) {
			if _, ok := peers[peer]; !ok {
				peers[peer] = struct{}{}
				fx.Profiles = append(fx.Profiles, peer)
			}
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			s.forget(id)
		}
	}

	s.convs = next
	s.metaAt = metaAt
	if overflow := s.pins.Rebuild(pinned); len(overflow) > 0 {
		s.log.Warn().Strs("conversation_ids", overflow).Msg("Snapshot pins exceed limit, dropping from pin order")
	}
	s.version++
	return fx
}

// newerMessage reports whether a should replace b.
func newerMessage(a, b *LastMessage) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	if a.CreatedAt.Equal(b.CreatedAt) {
		return *a != *b
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// insert adds a record for an id not yet in the store.
func (s *Store) insert(c Conversation) Effects {
	c.Version = 1
	if c.Participants == nil {
		c.Participants = []Participant{}
	}
	s.convs[c.ID] = &c
	s.metaAt[c.ID] = c.UpdatedAt
	s.version++
	if self, ok := c.Participant(s.selfID); ok && self.IsPinned {
		if !s.pins.Reconcile(c.ID, true) {
			s.log.Warn().Str("conversation_id", c.ID).Msg("Pinned conversation does not fit pin order")
		}
	}
	return Effects{Changed: true, Join: []string{c.ID}, Profiles: s.profilesFor(&c)}
}

// InsertConversation adds c unless its id is already present.
func (s *Store) InsertConversation(c Conversation) Effects {
	if c.ID == "" {
		return Effects{}
	}
	if _, ok := s.convs[c.ID]; ok {
		return Effects{Skipped: true}
	}
	return s.insert(c.Clone())
}

// ApplyConversationPatch merges the fields present in p. An unknown id is
// inserted only when the patch itself makes the conversation visible to the
// current user. A patch older than the record (by UpdatedAt) does not touch
// metadata; its last message is still judged by its own CreatedAt. Metadata
// age is compared against the last metadata write, not against last-message
// patches, so the two channels commute.
func (s *Store) ApplyConversationPatch(p ConversationPatch) Effects {
	if p.ID == "" {
		return Effects{}
	}
	if s.redelivered(channelConversation, p.ID, p) {
		return Effects{Skipped: true}
	}
	c, ok := s.convs[p.ID]
	if !ok {
		if p.Participants == nil || !visibleFor(p.Participants, s.selfID) {
			return Effects{}
		}
		return s.insert(conversationFromPatch(p))
	}

	var fx Effects
	changed := false
	if p.UpdatedAt == nil || !p.UpdatedAt.Before(s.metaAt[p.ID]) {
		var removed bool
		changed, removed = s.mergeInfo(c, p, &fx)
		if removed {
			return fx
		}
		if p.UpdatedAt != nil {
			s.metaAt[p.ID] = *p.UpdatedAt
		}
	}
	if p.LastMessage != nil && newerMessage(p.LastMessage, c.LastMessage) {
		lm := *p.LastMessage
		c.LastMessage = &lm
		changed = true
	}
	if p.UpdatedAt != nil && p.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = *p.UpdatedAt
		changed = true
	}
	if changed {
		s.touch(c)
		fx.Changed = true
	}
	return fx
}

// ApplyLastMessagePatch updates only the last message and UpdatedAt. Patches
// older than the current last message are ignored.
func (s *Store) ApplyLastMessagePatch(p LastMessagePatch) Effects {
	if p.ConversationID == "" {
		return Effects{}
	}
	if s.redelivered(channelLastMessage, p.ConversationID, p) {
		return Effects{Skipped: true}
	}
	c, ok := s.convs[p.ConversationID]
	if !ok {
		return Effects{}
	}
	changed := false
	if newerMessage(&p.LastMessage, c.LastMessage) {
		lm := p.LastMessage
		c.LastMessage = &lm
		changed = true
	}
	updated := p.LastMessage.CreatedAt
	if p.UpdatedAt != nil {
		updated = *p.UpdatedAt
	}
	if updated.After(c.UpdatedAt) {
		c.UpdatedAt = updated
		changed = true
	}
	if !changed {
		return Effects{}
	}
	s.touch(c)
	return Effects{Changed: true}
}

// ApplyChatInfoPatch updates participants, name, group flag and avatar. A
// patch stamped older than the record is ignored. Transitions of the current user's entry drive the pin order; losing the
// entry removes the conversation.
func (s *Store) ApplyChatInfoPatch(p ConversationPatch) Effects {
	if p.ID == "" {
		return Effects{}
	}
	info := ConversationPatch{
		ID:           p.ID,
		IsGroup:      p.IsGroup,
		Name:         p.Name,
		AvatarURL:    p.AvatarURL,
		Participants: p.Participants,
		UpdatedAt:    p.UpdatedAt,
	}
	if s.redelivered(channelChatInfo, p.ID, info) {
		return Effects{Skipped: true}
	}
	c, ok := s.convs[p.ID]
	if !ok {
		if p.Participants == nil || !visibleFor(p.Participants, s.selfID) {
			return Effects{}
		}
		return s.insert(conversationFromPatch(info))
	}
	if info.UpdatedAt != nil && info.UpdatedAt.Before(s.metaAt[p.ID]) {
		return Effects{}
	}
	var fx Effects
	changed, removed := s.mergeInfo(c, info, &fx)
	if removed {
		return fx
	}
	if info.UpdatedAt != nil {
		s.metaAt[p.ID] = *info.UpdatedAt
	}
	if info.UpdatedAt != nil && info.UpdatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = *info.UpdatedAt
		changed = true
	}
	if changed {
		s.touch(c)
		fx.Changed = true
	}
	return fx
}

// mergeInfo writes the metadata fields present in p into c. removed is set
// when the current user is no longer a participant and c was evicted.
func (s *Store) mergeInfo(c *Conversation, p ConversationPatch, fx *Effects) (changed, removed bool) {
	if p.IsGroup != nil && *p.IsGroup != c.IsGroup {
		c.IsGroup = *p.IsGroup
		changed = true
	}
	if p.Name != nil && *p.Name != c.Name {
		c.Name = *p.Name
		changed = true
	}
	if p.AvatarURL != nil && *p.AvatarURL != c.AvatarURL {
		c.AvatarURL = *p.AvatarURL
		changed = true
	}
	if p.Participants == nil || participantsEqual(p.Participants, c.Participants) {
		return changed, false
	}

	before, hadSelf := c.Participant(s.selfID)
	wasPinned := hadSelf && before.IsPinned
	after, hasSelf := findParticipant(p.Participants, s.selfID)
	if !hasSelf {
		fx.merge(s.Remove(c.ID))
		return true, true
	}
	c.Participants = cloneParticipants(p.Participants)
	changed = true

	if after.IsPinned != wasPinned {
		if !s.pins.Reconcile(c.ID, after.IsPinned) {
			s.log.Warn().Str("conversation_id", c.ID).Msg("Confirmed pin does not fit pin order")
		}
	}
	if hadSelf && before.IsHidden != after.IsHidden {
		s.log.Debug().Str("conversation_id", c.ID).Bool("hidden", after.IsHidden).Msg("Visibility changed")
	}
	if peer, ok := c.Peer(s.selfID); ok {
		fx.Profiles = append(fx.Profiles, peer)
	}
	return changed, false
}

func findParticipant(ps []Participant, userID string) (Participant, bool) {
	for _, p := range ps {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

func conversationFromPatch(p ConversationPatch) Conversation {
	c := Conversation{ID: p.ID, Participants: cloneParticipants(p.Participants)}
	if p.IsGroup != nil {
		c.IsGroup = *p.IsGroup
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.AvatarURL != nil {
		c.AvatarURL = *p.AvatarURL
	}
	if p.LastMessage != nil {
		lm := *p.LastMessage
		c.LastMessage = &lm
	}
	if p.UpdatedAt != nil {
		c.UpdatedAt = *p.UpdatedAt
	}
	return c
}

// Remove evicts id from the store and the pin order and asks for its room to
// be left.
func (s *Store) Remove(id string) Effects {
	fx := Effects{Leave: []string{id}}
	s.pins.Unpin(id)
	s.forget(id)
	delete(s.metaAt, id)
	if _, ok := s.convs[id]; ok {
		delete(s.convs, id)
		s.version++
		fx.Changed = true
	}
	return fx
}

// RemoveMember drops userID from the conversation. The current user leaving
// removes the conversation entirely.
func (s *Store) RemoveMember(conversationID, userID string) Effects {
	if userID == s.selfID {
		return s.Remove(conversationID)
	}
	c, ok := s.convs[conversationID]
	if !ok {
		return Effects{}
	}
	for i, p := range c.Participants {
		if p.UserID == userID {
			c.Participants = append(c.Participants[:i:i], c.Participants[i+1:]...)
			s.touch(c)
			return Effects{Changed: true}
		}
	}
	return Effects{}
}

// ============================================================================
// Optimistic field setters
// ============================================================================

func (s *Store) self(id string) (*Conversation, *Participant, error) {
	c, ok := s.convs[id]
	if !ok {
		return nil, nil, newError(CodeConversationNotFound, id)
	}
	p, ok := c.Participant(s.selfID)
	if !ok {
		return nil, nil, newError(CodeConversationNotFound, id)
	}
	return c, p, nil
}

// SetPinned sets the current user's pinned flag and returns the prior value.
func (s *Store) SetPinned(id string, pinned bool) (bool, error) {
	c, p, err := s.self(id)
	if err != nil {
		return false, err
	}
	prior := p.IsPinned
	if prior != pinned {
		p.IsPinned = pinned
		s.touch(c)
	}
	return prior, nil
}

// SetMute sets the current user's mute tag and returns the prior value.
func (s *Store) SetMute(id string, mute *MuteDuration) (*MuteDuration, error) {
	c, p, err := s.self(id)
	if err != nil {
		return nil, err
	}
	prior := p.Mute
	if !sameMute(prior, mute) {
		if mute != nil {
			m := *mute
			mute = &m
		}
		p.Mute = mute
		s.touch(c)
	}
	return prior, nil
}

// SetHidden sets the current user's hidden flag and returns the prior value.
func (s *Store) SetHidden(id string, hidden bool) (bool, error) {
	c, p, err := s.self(id)
	if err != nil {
		return false, err
	}
	prior := p.IsHidden
	if prior != hidden {
		p.IsHidden = hidden
		s.touch(c)
	}
	return prior, nil
}

// ReplaceParticipants installs a server-confirmed member list, with the same
// pin and removal transitions as a chat info patch.
func (s *Store) ReplaceParticipants(id string, ps []Participant) Effects {
	c, ok := s.convs[id]
	if !ok || ps == nil {
		return Effects{}
	}
	var fx Effects
	changed, removed := s.mergeInfo(c, ConversationPatch{ID: id, Participants: ps}, &fx)
	if !removed && changed {
		s.touch(c)
		fx.Changed = true
	}
	return fx
}
