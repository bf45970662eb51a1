package store

import (
	"strings"

	"github.com/rs/zerolog/log"

	"pulsechat-backend/internal/model"
)

type CreateGroupParams struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Avatar      string   `json:"avatar"`
	Members     []string `json:"members"`
}

// CreateGroup creates a group with the actor as creator and sole initial
// admin. The member list is deduplicated, filtered to live users, and
// always includes the actor.
func (s *Store) CreateGroup(actorID string, p CreateGroupParams) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(p.Name) == "" {
		log.Debug().Str("actorId", actorID).Msg("dropping group with empty name")
		return nil
	}
	id := p.ID
	if id == "" {
		id = s.newID()
	}
	if s.doc.Groups[id] != nil {
		log.Debug().Str("groupId", id).Msg("dropping duplicate group id")
		return nil
	}

	members := []string{actorID}
	for _, m := range p.Members {
		if s.liveUser(m) != nil {
			members = addToSet(members, m)
		}
	}

	g := &model.Group{
		ID:               id,
		Name:             p.Name,
		Description:      p.Description,
		Avatar:           p.Avatar,
		CreatorID:        actorID,
		Members:          members,
		Admins:           []string{actorID},
		CreatedAt:        s.now(),
		UnreadCounts:     map[string]int{},
		PinnedMessageIDs: []string{},
	}
	for _, m := range members {
		g.UnreadCounts[m] = 0
	}
	s.doc.Groups[id] = g
	s.doc.GroupMessages[id] = []*model.GroupMessage{}
	s.flush()

	log.Info().Str("groupId", id).Str("creatorId", actorID).Int("members", len(members)).Msg("group created")

	deliveries := []Delivery{}
	for _, m := range members {
		deliveries = append(deliveries, toUser(m, "group_created", map[string]any{"group": g.Clone()}))
	}
	return deliveries
}

type GroupMessageParams struct {
	ID            string `json:"id"`
	GroupID       string `json:"groupId"`
	Text          string `json:"text"`
	ReplyTo       string `json:"replyTo"`
	ForwardedFrom string `json:"forwardedFrom"`
}

// SendGroupMessage appends a group message seen only by its sender and
// bumps every other member's unread counter.
func (s *Store) SendGroupMessage(actorID string, p GroupMessageParams, forwarded bool) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(p.GroupID)
	if g == nil || !g.IsMember(actorID) {
		return nil
	}
	if strings.TrimSpace(p.Text) == "" || p.ID == "" {
		log.Debug().Str("groupId", p.GroupID).Msg("dropping empty group message")
		return nil
	}

	msg := &model.GroupMessage{
		ID:        p.ID,
		GroupID:   g.ID,
		SenderID:  actorID,
		Text:      p.Text,
		Timestamp: s.now(),
		Reactions: model.ReactionList{},
		SeenBy:    []string{actorID},
	}
	if forwarded {
		msg.ForwardedFrom = p.ForwardedFrom
	} else {
		msg.ReplyTo = p.ReplyTo
	}

	s.doc.GroupMessages[g.ID] = append(s.doc.GroupMessages[g.ID], msg)
	g.LastMessage = msg
	for _, m := range g.Members {
		if m == actorID {
			g.UnreadCounts[m] = 0
		} else {
			g.UnreadCounts[m]++
		}
	}
	s.flush()

	deliveries := []Delivery{
		toUser(actorID, "group_message_sent", map[string]any{
			"groupId": g.ID,
			"message": msg.Clone(),
		}),
	}
	for _, m := range g.Members {
		if m != actorID {
			deliveries = append(deliveries, toUser(m, "new_group_message", map[string]any{
				"groupId": g.ID,
				"message": msg.Clone(),
			}))
		}
	}
	return deliveries
}

// MarkGroupSeen sweeps every non-system message from someone else that the
// user has not seen yet, and zeroes their unread counter.
func (s *Store) MarkGroupSeen(groupID, userID string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	if g == nil || !g.IsMember(userID) {
		return nil
	}

	seen := []string{}
	for _, m := range s.doc.GroupMessages[groupID] {
		if !m.IsSystem && m.SenderID != userID && !setContains(m.SeenBy, userID) {
			m.SeenBy = append(m.SeenBy, userID)
			seen = append(seen, m.ID)
		}
	}
	if len(seen) == 0 && g.UnreadCounts[userID] == 0 {
		return nil
	}
	g.UnreadCounts[userID] = 0
	s.flush()

	deliveries := []Delivery{
		toUser(userID, "group_unread_updated", map[string]any{
			"groupId":     groupID,
			"unreadCount": 0,
		}),
	}
	for _, m := range g.Members {
		deliveries = append(deliveries, toUser(m, "group_messages_seen", map[string]any{
			"groupId":    groupID,
			"seenBy":     userID,
			"messageIds": seen,
		}))
	}
	return deliveries
}

// MarkGroupMessagesSeen is the selective variant; the unread counter drops
// by the number of ids actually transitioned, clamped at zero.
func (s *Store) MarkGroupMessagesSeen(groupID, userID string, messageIDs []string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	if g == nil || !g.IsMember(userID) || len(messageIDs) == 0 {
		return nil
	}
	wanted := map[string]bool{}
	for _, id := range messageIDs {
		wanted[id] = true
	}

	seen := []string{}
	for _, m := range s.doc.GroupMessages[groupID] {
		if wanted[m.ID] && !m.IsSystem && m.SenderID != userID && !setContains(m.SeenBy, userID) {
			m.SeenBy = append(m.SeenBy, userID)
			seen = append(seen, m.ID)
		}
	}
	if len(seen) == 0 {
		return nil
	}
	g.UnreadCounts[userID] -= len(seen)
	if g.UnreadCounts[userID] < 0 {
		g.UnreadCounts[userID] = 0
	}
	s.flush()

	deliveries := []Delivery{
		toUser(userID, "group_unread_updated", map[string]any{
			"groupId":     groupID,
			"unreadCount": g.UnreadCounts[userID],
		}),
	}
	for _, m := range g.Members {
		deliveries = append(deliveries, toUser(m, "group_messages_seen", map[string]any{
			"groupId":    groupID,
			"seenBy":     userID,
			"messageIds": seen,
		}))
	}
	return deliveries
}

// EditGroupMessage rewrites the sender's own message.
func (s *Store) EditGroupMessage(actorID, groupID, messageID, text string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	msg := s.findGroupMessage(groupID, messageID)
	if g == nil || msg == nil || msg.SenderID != actorID || strings.TrimSpace(text) == "" {
		return nil
	}
	msg.Text = text
	msg.IsEdited = true
	s.flush()

	deliveries := []Delivery{}
	for _, m := range g.Members {
		deliveries = append(deliveries, toUser(m, "group_message_edited", map[string]any{
			"groupId": groupID,
			"message": msg.Clone(),
		}))
	}
	return deliveries
}

// DeleteGroupMessage removes a message physically. The sender may delete
// their own; admins may delete any. Pins referencing it are purged and
// unread counters re-derived.
func (s *Store) DeleteGroupMessage(actorID, groupID, messageID string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	msg := s.findGroupMessage(groupID, messageID)
	if g == nil || msg == nil {
		return nil
	}
	if msg.SenderID != actorID && !g.IsAdmin(actorID) {
		log.Debug().Str("actorId", actorID).Str("groupId", groupID).Msg("group delete denied")
		return nil
	}

	kept := s.doc.GroupMessages[groupID][:0]
	for _, m := range s.doc.GroupMessages[groupID] {
		if m.ID != messageID {
			kept = append(kept, m)
		}
	}
	s.doc.GroupMessages[groupID] = kept
	g.PinnedMessageIDs = removeFromSet(g.PinnedMessageIDs, messageID)
	g.LastMessage = nil
	for _, m := range kept {
		if g.LastMessage == nil || m.Timestamp >= g.LastMessage.Timestamp {
			g.LastMessage = m
		}
	}
	s.recountGroupUnread(g)
	s.flush()

	deliveries := []Delivery{}
	for _, m := range g.Members {
		deliveries = append(deliveries, toUser(m, "group_message_deleted", map[string]any{
			"groupId":          groupID,
			"messageIds":       []string{messageID},
			"pinnedMessageIds": append([]string{}, g.PinnedMessageIDs...),
		}))
	}
	return deliveries
}

// PinGroupMessage maintains the insertion-ordered pinned set. Admin only.
func (s *Store) PinGroupMessage(actorID, groupID, messageID string, pinned bool) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	if g == nil || !g.IsAdmin(actorID) {
		return nil
	}
	if pinned {
		if s.findGroupMessage(groupID, messageID) == nil {
			return nil
		}
		g.PinnedMessageIDs = addToSet(g.PinnedMessageIDs, messageID)
	} else {
		g.PinnedMessageIDs = removeFromSet(g.PinnedMessageIDs, messageID)
	}
	s.flush()

	deliveries := []Delivery{}
	for _, m := range g.Members {
		deliveries = append(deliveries, toUser(m, "group_message_pinned", map[string]any{
			"groupId": groupID,
			"group":   g.Clone(),
		}))
	}
	return deliveries
}

// AddGroupMember adds a live user to the group. Admin only.
func (s *Store) AddGroupMember(actorID, groupID, userID string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	if g == nil || !g.IsAdmin(actorID) || s.liveUser(userID) == nil || g.IsMember(userID) {
		return nil
	}
	g.Members = append(g.Members, userID)
	g.UnreadCounts[userID] = 0
	s.flush()

	return s.groupUpdated(g)
}

// RemoveGroupMember removes a member. Admin only; the creator can never be
// removed. The removed user is told with a null group, signalling leave.
func (s *Store) RemoveGroupMember(actorID, groupID, userID string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	if g == nil || !g.IsAdmin(actorID) || userID == g.CreatorID || !g.IsMember(userID) {
		return nil
	}
	g.Members = removeFromSet(g.Members, userID)
	g.Admins = removeFromSet(g.Admins, userID)
	delete(g.UnreadCounts, userID)
	s.flush()

	deliveries := []Delivery{
		toUser(userID, "group_updated", map[string]any{"groupId": groupID, "group": nil}),
	}
	return append(deliveries, s.groupUpdated(g)...)
}

// SetGroupAdmin promotes or demotes a member. Creator only; the creator
// themselves cannot be demoted.
func (s *Store) SetGroupAdmin(actorID, groupID, userID string, admin bool) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	if g == nil || actorID != g.CreatorID || !g.IsMember(userID) {
		return nil
	}
	if userID == g.CreatorID {
		return nil
	}
	if admin {
		g.Admins = addToSet(g.Admins, userID)
	} else {
		g.Admins = removeFromSet(g.Admins, userID)
	}
	s.flush()

	return s.groupUpdated(g)
}

// AddGroupReaction applies the same toggle/replace rule as direct chats.
func (s *Store) AddGroupReaction(actorID, groupID, messageID, emoji string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	msg := s.findGroupMessage(groupID, messageID)
	if g == nil || msg == nil || !g.IsMember(actorID) || emoji == "" {
		return nil
	}
	msg.Reactions = toggleReaction(msg.Reactions, actorID, emoji)
	s.flush()

	deliveries := []Delivery{}
	for _, m := range g.Members {
		deliveries = append(deliveries, toUser(m, "group_reaction_updated", map[string]any{
			"groupId":   groupID,
			"messageId": messageID,
			"reactions": append(model.ReactionList{}, msg.Reactions...),
		}))
	}
	return deliveries
}

// GroupMembers returns the member ids, for stateless typing fan-out.
func (s *Store) GroupMembers(groupID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupID)
	if g == nil {
		return nil
	}
	return append([]string{}, g.Members...)
}

func (s *Store) group(id string) *model.Group {
	g := s.doc.Groups[id]
	if g == nil || g.IsDeleted {
		return nil
	}
	return g
}

func (s *Store) groupUpdated(g *model.Group) []Delivery {
	deliveries := []Delivery{}
	for _, m := range g.Members {
		deliveries = append(deliveries, toUser(m, "group_updated", map[string]any{
			"groupId": g.ID,
			"group":   g.Clone(),
		}))
	}
	return deliveries
}

// recountGroupUnread re-derives every member's counter from the message
// list: non-system messages from someone else, not yet in seenBy.
func (s *Store) recountGroupUnread(g *model.Group) {
	for _, member := range g.Members {
		n := 0
		for _, m := range s.doc.GroupMessages[g.ID] {
			if !m.IsSystem && m.SenderID != member && !setContains(m.SeenBy, member) {
				n++
			}
		}
		g.UnreadCounts[member] = n
	}
}
