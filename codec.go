package chatsync

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Inbound payloads are decoded with gjson rather than encoding/json so that a
// field which is absent can be told apart from a field which is explicitly
// null or zero. Patches depend on that distinction.

func parseObject(raw []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, fmt.Errorf("invalid json payload")
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return gjson.Result{}, fmt.Errorf("expected object payload, got %s", r.Type)
	}
	return r, nil
}

// idOf reads the first non-empty id among keys. Ids may be plain strings or
// populated objects carrying their own _id.
func idOf(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		v := r.Get(k)
		switch {
		case v.Type == gjson.String && v.String() != "":
			return v.String()
		case v.Type == gjson.Number:
			return v.Raw
		case v.IsObject():
			if id := idOf(v, "_id", "id"); id != "" {
				return id
			}
		}
	}
	return ""
}

func parseTime(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC(), true
	case gjson.String:
		s := r.String()
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	}
	return time.Time{}, false
}

func parseMute(r gjson.Result) *MuteDuration {
	var m MuteDuration
	switch {
	case !r.Exists(), r.Type == gjson.Null, r.Type == gjson.False:
		return nil
	case r.Type == gjson.True:
		m = MuteAlways
	case r.Type == gjson.String:
		if r.String() == "" {
			return nil
		}
		m = MuteDuration(r.String())
	case r.Type == gjson.Number:
		m = MuteDuration(r.Raw)
	case r.IsObject():
		if d := r.Get("duration"); d.Type == gjson.String && d.String() != "" {
			m = MuteDuration(d.String())
		} else {
			m = MuteAlways
		}
	default:
		return nil
	}
	return &m
}

func parseParticipant(r gjson.Result) (Participant, bool) {
	userID := idOf(r, "userId", "user", "_id")
	if userID == "" {
		return Participant{}, false
	}
	p := Participant{
		UserID:   userID,
		Role:     RoleMember,
		IsHidden: r.Get("isHidden").Bool(),
		Mute:     parseMute(r.Get("mute")),
		IsPinned: r.Get("isPinned").Bool(),
	}
	if r.Get("role").String() == string(RoleAdmin) {
		p.Role = RoleAdmin
	}
	return p, true
}

// parseParticipants returns a non-nil slice for any array, dropping entries
// without a user id.
func parseParticipants(r gjson.Result) []Participant {
	out := make([]Participant, 0, len(r.Array()))
	seen := make(map[string]struct{})
	for _, item := range r.Array() {
		p, ok := parseParticipant(item)
		if !ok {
			continue
		}
		if _, dup := seen[p.UserID]; dup {
			continue
		}
		seen[p.UserID] = struct{}{}
		out = append(out, p)
	}
	return out
}

// parseLastMessage accepts both the nested form {lastMessage: {...}} and the
// flat form {lastMessage: "text", lastMessageType, lastMessageSenderId, time}.
func parseLastMessage(root gjson.Result) (*LastMessage, bool) {
	lm := root.Get("lastMessage")
	switch {
	case lm.IsObject():
		out := &LastMessage{
			Content:  lm.Get("content").String(),
			Type:     lm.Get("type").String(),
			SenderID: idOf(lm, "senderId", "sender"),
		}
		if t, ok := parseTime(lm.Get("createdAt")); ok {
			out.CreatedAt = t
		} else if t, ok := parseTime(root.Get("time")); ok {
			out.CreatedAt = t
		}
		if out.Type == "" {
			out.Type = "text"
		}
		return out, true
	case lm.Type == gjson.String:
		out := &LastMessage{
			Content:  lm.String(),
			Type:     root.Get("lastMessageType").String(),
			SenderID: idOf(root, "lastMessageSenderId"),
		}
		for _, k := range []string{"time", "lastMessageCreatedAt", "updatedAt"} {
			if t, ok := parseTime(root.Get(k)); ok {
				out.CreatedAt = t
				break
			}
		}
		if out.Type == "" {
			out.Type = "text"
		}
		return out, true
	}
	return nil, false
}

func decodeConversation(raw []byte) (Conversation, error) {
	r, err := parseObject(raw)
	if err != nil {
		return Conversation{}, err
	}
	return conversationFrom(r)
}

func conversationFrom(r gjson.Result) (Conversation, error) {
	c := Conversation{
		ID:        idOf(r, "_id", "id", "conversationId"),
		IsGroup:   r.Get("isGroup").Bool(),
		Name:      r.Get("name").String(),
		AvatarURL: r.Get("avatarUrl").String(),
	}
	if c.ID == "" {
		return Conversation{}, fmt.Errorf("conversation without id")
	}
	if v := r.Get("participants"); v.IsArray() {
		c.Participants = parseParticipants(v)
	} else {
		c.Participants = []Participant{}
	}
	if lm, ok := parseLastMessage(r); ok {
		c.LastMessage = lm
	}
	if t, ok := parseTime(r.Get("updatedAt")); ok {
		c.UpdatedAt = t
	}
	return c, nil
}

func decodeConversationPatch(raw []byte) (ConversationPatch, error) {
	r, err := parseObject(raw)
	if err != nil {
		return ConversationPatch{}, err
	}
	p := ConversationPatch{ID: idOf(r, "_id", "id", "conversationId")}
	if p.ID == "" {
		return ConversationPatch{}, fmt.Errorf("patch without conversation id")
	}
	if v := r.Get("isGroup"); v.Type == gjson.True || v.Type == gjson.False {
		b := v.Bool()
		p.IsGroup = &b
	}
	if v := r.Get("name"); v.Exists() {
		s := v.String()
		p.Name = &s
	}
	if v := r.Get("avatarUrl"); v.Exists() {
		s := v.String()
		p.AvatarURL = &s
	}
	if v := r.Get("participants"); v.IsArray() {
		p.Participants = parseParticipants(v)
	}
	if lm, ok := parseLastMessage(r); ok {
		p.LastMessage = lm
	}
	if t, ok := parseTime(r.Get("updatedAt")); ok {
		p.UpdatedAt = &t
	}
	return p, nil
}

func decodeLastMessagePatch(raw []byte) (LastMessagePatch, error) {
	r, err := parseObject(raw)
	if err != nil {
		return LastMessagePatch{}, err
	}
	id := idOf(r, "conversationId", "_id", "id")
	if id == "" {
		return LastMessagePatch{}, fmt.Errorf("last message patch without conversation id")
	}
	lm, ok := parseLastMessage(r)
	if !ok {
		return LastMessagePatch{}, fmt.Errorf("last message patch for %s without lastMessage", id)
	}
	p := LastMessagePatch{ConversationID: id, LastMessage: *lm}
	if t, ok := parseTime(r.Get("updatedAt")); ok {
		p.UpdatedAt = &t
	}
	return p, nil
}

// decodeSnapshot accepts a bare array or an object wrapping it under
// "conversations" or "data". Entries without an id are dropped.
func decodeSnapshot(raw []byte) ([]Conversation, int, error) {
	if !gjson.ValidBytes(raw) {
		return nil, 0, fmt.Errorf("invalid json snapshot")
	}
	r := gjson.ParseBytes(raw)
	if r.IsObject() {
		for _, k := range []string{"conversations", "data"} {
			if v := r.Get(k); v.IsArray() {
				r = v
				break
			}
		}
	}
	if !r.IsArray() {
		return nil, 0, fmt.Errorf("expected conversation array, got %s", r.Type)
	}
	items := r.Array()
	out := make([]Conversation, 0, len(items))
	dropped := 0
	for _, item := range items {
		c, err := conversationFrom(item)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, c)
	}
	return out, dropped, nil
}

func decodeRemoval(raw []byte) (string, error) {
	r, err := parseObject(raw)
	if err != nil {
		return "", err
	}
	id := idOf(r, "conversationId", "_id", "id")
	if id == "" {
		return "", fmt.Errorf("removal without conversation id")
	}
	return id, nil
}

func decodeMemberLeft(raw []byte) (conversationID, userID string, err error) {
	r, err := parseObject(raw)
	if err != nil {
		return "", "", err
	}
	conversationID = idOf(r, "conversationId", "_id")
	userID = idOf(r, "userId", "user")
	if conversationID == "" || userID == "" {
		return "", "", fmt.Errorf("memberLeft needs conversationId and userId")
	}
	return conversationID, userID, nil
}

// decodeAck reads {success, message, participants}. An "ok" flag is accepted
// in place of "success".
func decodeAck(raw []byte) (Ack, error) {
	if len(raw) == 0 {
		return Ack{}, fmt.Errorf("empty acknowledgement")
	}
	r, err := parseObject(raw)
	if err != nil {
		return Ack{}, err
	}
	ack := Ack{Success: r.Get("success").Bool()}
	if v := r.Get("ok"); !r.Get("success").Exists() && v.Exists() {
		ack.Success = v.Bool()
	}
	switch m := r.Get("message"); {
	case m.Type == gjson.String:
		ack.Message = m.String()
	case r.Get("error.message").Exists():
		ack.Message = r.Get("error.message").String()
	case r.Get("error").Type == gjson.String:
		ack.Message = r.Get("error").String()
	}
	if v := r.Get("participants"); v.IsArray() {
		ack.Participants = parseParticipants(v)
	} else if v := r.Get("data.participants"); v.IsArray() {
		ack.Participants = parseParticipants(v)
	}
	return ack, nil
}
