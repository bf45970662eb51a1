package store

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"pulsechat-backend/internal/model"
)

type SendMessageParams struct {
	ID            string `json:"id"`
	ChatID        string `json:"chatId"`
	SenderID      string `json:"senderId"`
	ReceiverID    string `json:"receiverId"`
	Text          string `json:"text"`
	ReplyTo       string `json:"replyTo"`
	ForwardedFrom string `json:"forwardedFrom"`
}

// SendMessage appends a direct message and wires both chat endpoints.
// Forwarding is the same operation with replyTo forced to null and the
// forwardedFrom origin preserved.
func (s *Store) SendMessage(senderID string, p SendMessageParams, forwarded bool) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(p.Text) == "" || p.ID == "" {
		log.Debug().Str("senderId", senderID).Msg("dropping empty message")
		return nil
	}
	receiver := s.user(p.ReceiverID)
	if receiver == nil {
		log.Debug().Str("receiverId", p.ReceiverID).Msg("dropping message to unknown receiver")
		return nil
	}
	chatID := model.ChatID(senderID, p.ReceiverID)

	if setContains(s.doc.Blocked[p.ReceiverID], senderID) {
		return []Delivery{toSelf("message_blocked", map[string]any{
			"chatId":     chatID,
			"receiverId": p.ReceiverID,
			"reason":     "blocked",
		})}
	}
	if receiver.IsDeleted {
		return []Delivery{toSelf("message_blocked", map[string]any{
			"chatId":     chatID,
			"receiverId": p.ReceiverID,
			"reason":     "receiver_deleted",
		})}
	}

	msg := &model.Message{
		ID:         p.ID,
		ChatID:     chatID,
		SenderID:   senderID,
		ReceiverID: p.ReceiverID,
		Text:       p.Text,
		Timestamp:  s.now(),
		Status:     model.StatusSent,
		Reactions:  model.ReactionList{},
	}
	if forwarded {
		msg.ForwardedFrom = p.ForwardedFrom
	} else {
		msg.ReplyTo = p.ReplyTo
	}
	if receiver.IsOnline {
		msg.Status = model.StatusDelivered
	}

	s.doc.Messages[chatID] = append(s.doc.Messages[chatID], msg)
	s.touchEndpoints(msg)
	s.flush()

	deliveries := []Delivery{
		toUser(senderID, "message_sent", map[string]any{"message": msg.Clone()}),
	}
	if receiver.IsOnline {
		deliveries = append(deliveries,
			toUser(p.ReceiverID, "new_message", map[string]any{"message": msg.Clone()}),
			toUser(senderID, "message_delivered", map[string]any{
				"messageId": msg.ID,
				"chatId":    chatID,
			}),
		)
	}
	return deliveries
}

// touchEndpoints creates both chat endpoints if absent, repoints their
// shared lastMessage and bumps the receiver-side unread counter.
func (s *Store) touchEndpoints(msg *model.Message) {
	sender := s.ensureEndpoint(msg.SenderID, msg.ReceiverID)
	receiver := s.ensureEndpoint(msg.ReceiverID, msg.SenderID)
	sender.LastMessage = msg
	sender.UpdatedAt = msg.Timestamp
	receiver.LastMessage = msg
	receiver.UpdatedAt = msg.Timestamp
	if msg.Status != model.StatusSeen {
		receiver.UnreadCount++
	}
}

// EditMessage rewrites the text of the sender's own message.
func (s *Store) EditMessage(actorID, chatID, messageID, text string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.findMessage(chatID, messageID)
	if msg == nil || msg.SenderID != actorID || strings.TrimSpace(text) == "" {
		return nil
	}
	msg.Text = text
	msg.IsEdited = true
	s.flush()

	deliveries := []Delivery{}
	for _, userID := range participants(msg) {
		deliveries = append(deliveries, toUser(userID, "message_edited", map[string]any{
			"chatId":  chatID,
			"message": msg.Clone(),
		}))
	}
	return deliveries
}

// DeleteMessages physically removes the listed messages and purges them
// from each participant's pinned list. The source applies no per-message
// authorization here and that behavior is kept.
func (s *Store) DeleteMessages(chatID string, messageIDs []string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	doomed := map[string]bool{}
	for _, id := range messageIDs {
		doomed[id] = true
	}
	kept := s.doc.Messages[chatID][:0]
	removed := []*model.Message{}
	for _, m := range s.doc.Messages[chatID] {
		if doomed[m.ID] {
			removed = append(removed, m)
		} else {
			kept = append(kept, m)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	s.doc.Messages[chatID] = kept

	removedIDs := make([]string, 0, len(removed))
	for _, m := range removed {
		removedIDs = append(removedIDs, m.ID)
	}

	a, b := removed[0].SenderID, removed[0].ReceiverID
	for _, userID := range participants(removed[0]) {
		if pins := s.doc.PinnedMessages[userID]; pins != nil {
			list := pins[chatID]
			for _, id := range removedIDs {
				list = removeFromSet(list, id)
			}
			pins[chatID] = list
		}
	}
	s.refreshLastMessage(a, b)
	s.recountUnread(a, b)
	s.recountUnread(b, a)
	s.flush()

	deliveries := []Delivery{}
	for _, userID := range participants(removed[0]) {
		deliveries = append(deliveries, toUser(userID, "message_deleted", map[string]any{
			"chatId":         chatID,
			"messageIds":     removedIDs,
			"pinnedMessages": s.pinnedInChat(userID, chatID),
		}))
	}
	return deliveries
}

// MarkSeen sweeps every message addressed to userID in the chat to seen
// and zeroes the unread counter. Idempotent: a second call with nothing
// new emits no events.
func (s *Store) MarkSeen(userID, partnerID string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	chatID := model.ChatID(userID, partnerID)
	seen := []string{}
	for _, m := range s.doc.Messages[chatID] {
		if m.ReceiverID == userID && m.Status != model.StatusSeen {
			m.Status = model.StatusSeen
			seen = append(seen, m.ID)
		}
	}

	cleared := false
	if endpoints := s.doc.Chats[userID]; endpoints != nil {
		if ep := endpoints[partnerID]; ep != nil && ep.UnreadCount != 0 {
			ep.UnreadCount = 0
			cleared = true
		}
	}
	if len(seen) == 0 && !cleared {
		return nil
	}
	s.flush()

	return []Delivery{
		toUser(partnerID, "messages_seen", map[string]any{
			"chatId":     chatID,
			"seenBy":     userID,
			"messageIds": seen,
		}),
		toUser(userID, "unread_cleared", map[string]any{
			"chatId":    chatID,
			"partnerId": partnerID,
		}),
	}
}

// MarkMessagesSeen is the selective variant: only the listed ids that are
// addressed to userID and not yet seen transition, and the unread counter
// drops by the number actually transitioned, clamped at zero.
func (s *Store) MarkMessagesSeen(userID, partnerID string, messageIDs []string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(messageIDs) == 0 {
		return nil
	}
	wanted := map[string]bool{}
	for _, id := range messageIDs {
		wanted[id] = true
	}

	chatID := model.ChatID(userID, partnerID)
	seen := []string{}
	for _, m := range s.doc.Messages[chatID] {
		if wanted[m.ID] && m.ReceiverID == userID && m.Status != model.StatusSeen {
			m.Status = model.StatusSeen
			seen = append(seen, m.ID)
		}
	}
	if len(seen) == 0 {
		return nil
	}

	unread := 0
	if endpoints := s.doc.Chats[userID]; endpoints != nil {
		if ep := endpoints[partnerID]; ep != nil {
			ep.UnreadCount -= len(seen)
			if ep.UnreadCount < 0 {
				ep.UnreadCount = 0
			}
			unread = ep.UnreadCount
		}
	}
	s.flush()

	return []Delivery{
		toUser(partnerID, "specific_messages_seen", map[string]any{
			"chatId":     chatID,
			"seenBy":     userID,
			"messageIds": seen,
		}),
		toUser(userID, "chat_unread_updated", map[string]any{
			"chatId":      chatID,
			"partnerId":   partnerID,
			"unreadCount": unread,
		}),
	}
}

// PinMessage mirrors the pin into both participants' pinned lists. Pinning
// in a real chat (not the self-chat) also synthesizes a system message
// announcing it, appended like a normal message.
func (s *Store) PinMessage(actorID, chatID, messageID string, pinned bool) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.findMessage(chatID, messageID)
	if msg == nil {
		return nil
	}
	// Both sides on purpose: a self-chat pin still fires one event per
	// endpoint, matching how every other mirrored write behaves.
	sides := []string{msg.SenderID, msg.ReceiverID}
	if !setContains(sides, actorID) {
		log.Debug().Str("actorId", actorID).Str("chatId", chatID).Msg("pin by non-participant dropped")
		return nil
	}

	for _, userID := range participants(msg) {
		pins := s.doc.PinnedMessages[userID]
		if pins == nil {
			pins = map[string][]string{}
			s.doc.PinnedMessages[userID] = pins
		}
		if pinned {
			pins[chatID] = addToSet(pins[chatID], messageID)
		} else {
			pins[chatID] = removeFromSet(emptyIfNil(pins[chatID]), messageID)
		}
	}

	selfChat := msg.SenderID == msg.ReceiverID
	var system *model.Message
	if pinned && !selfChat {
		otherID := msg.SenderID
		if otherID == actorID {
			otherID = msg.ReceiverID
		}
		actor := s.user(actorID)
		name := actorID
		if actor != nil && actor.DisplayName != "" {
			name = actor.DisplayName
		}
		system = &model.Message{
			ID:         s.newID(),
			ChatID:     chatID,
			SenderID:   actorID,
			ReceiverID: otherID,
			Text:       fmt.Sprintf("%s pinned a message", name),
			Timestamp:  s.now(),
			Status:     model.StatusSent,
			IsSystem:   true,
			Reactions:  model.ReactionList{},
		}
		if other := s.user(otherID); other != nil && other.IsOnline {
			system.Status = model.StatusDelivered
		}
		s.doc.Messages[chatID] = append(s.doc.Messages[chatID], system)
		s.touchEndpoints(system)
	}
	s.flush()

	deliveries := []Delivery{}
	for _, userID := range sides {
		data := map[string]any{
			"chatId":         chatID,
			"messageId":      messageID,
			"isPinned":       pinned,
			"pinnedMessages": s.pinnedInChat(userID, chatID),
		}
		if system != nil && userID == actorID {
			data["systemMessage"] = system.Clone()
		}
		deliveries = append(deliveries, toUser(userID, "message_pinned", data))
	}
	if system != nil {
		deliveries = append(deliveries, toUser(system.ReceiverID, "new_message", map[string]any{
			"message": system.Clone(),
		}))
	}
	return deliveries
}

// AddReaction applies the toggle/replace rule: repeating the exact same
// emoji removes it, a different emoji replaces the user's previous one.
func (s *Store) AddReaction(actorID, chatID, messageID, emoji string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.findMessage(chatID, messageID)
	if msg == nil || emoji == "" {
		return nil
	}
	msg.Reactions = toggleReaction(msg.Reactions, actorID, emoji)
	s.flush()

	deliveries := []Delivery{}
	for _, userID := range participants(msg) {
		deliveries = append(deliveries, toUser(userID, "reaction_updated", map[string]any{
			"chatId":    chatID,
			"messageId": messageID,
			"reactions": append(model.ReactionList{}, msg.Reactions...),
		}))
	}
	return deliveries
}

func toggleReaction(list model.ReactionList, userID, emoji string) model.ReactionList {
	out := model.ReactionList{}
	removed := false
	for _, r := range list {
		if r.UserID == userID {
			if r.Emoji == emoji {
				removed = true
			}
			continue
		}
		out = append(out, r)
	}
	if !removed {
		out = append(out, model.Reaction{UserID: userID, Emoji: emoji})
	}
	return out
}

// participants returns the distinct user ids on a direct message; one
// entry for the self-chat.
func participants(msg *model.Message) []string {
	if msg.SenderID == msg.ReceiverID {
		return []string{msg.SenderID}
	}
	return []string{msg.SenderID, msg.ReceiverID}
}

func (s *Store) pinnedInChat(userID, chatID string) []string {
	if pins := s.doc.PinnedMessages[userID]; pins != nil {
		return append([]string{}, pins[chatID]...)
	}
	return []string{}
}
