package store

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"pulsechat-backend/internal/model"
	"pulsechat-backend/internal/util"
)

type RegisterParams struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Bio         string `json:"bio"`
}

// Register creates a new account and returns the deliveries announcing it
// to everyone else. The caller binds the session afterwards. Usernames are
// case-insensitively unique among non-deleted users.
func (s *Store) Register(p RegisterParams) (*model.User, []Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = strings.TrimSpace(p.ID)
	p.Username = strings.TrimSpace(p.Username)
	if p.ID == "" || p.Username == "" {
		return nil, nil, errInvalidParams
	}
	if s.doc.Users[p.ID] != nil {
		return nil, nil, ErrUserExists
	}
	if s.usernameTaken(p.Username, "") {
		return nil, nil, ErrUsernameTaken
	}

	u := &model.User{
		ID:           p.ID,
		Username:     p.Username,
		DisplayName:  p.DisplayName,
		Avatar:       p.Avatar,
		Bio:          p.Bio,
		LastSeen:     s.now(),
		RecoveryCode: util.NewRecoveryCode(),
	}
	s.doc.Users[u.ID] = u
	s.flush()

	log.Info().Str("userId", u.ID).Str("username", u.Username).Msg("user registered")
	return u, []Delivery{broadcastOthers("user_joined", map[string]any{"user": u.Public()})}, nil
}

// LookupLogin resolves a login request by user id, falling back to the
// username. Deleted accounts cannot log in.
func (s *Store) LookupLogin(userID, username string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u := s.liveUser(userID); u != nil {
		return u, nil
	}
	if username != "" {
		needle := strings.ToLower(username)
		for _, id := range s.sortedUserIDs() {
			u := s.doc.Users[id]
			if !u.IsDeleted && strings.ToLower(u.Username) == needle {
				return u, nil
			}
		}
	}
	return nil, ErrUserNotFound
}

// LookupRecovery resolves a recovery-code login. Codes compare after
// normalization (dashes stripped, uppercased); the first non-deleted match
// in id order wins.
func (s *Store) LookupRecovery(code string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	needle := model.NormalizeRecoveryCode(code)
	if needle == "" {
		return nil, ErrInvalidRecoveryCode
	}
	for _, id := range s.sortedUserIDs() {
		u := s.doc.Users[id]
		if !u.IsDeleted && model.NormalizeRecoveryCode(u.RecoveryCode) == needle {
			return u, nil
		}
	}
	return nil, ErrInvalidRecoveryCode
}

// Bind marks the user online and promotes every message still waiting for
// them from sent to delivered, across all chats, in one batch.
func (s *Store) Bind(userID string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	if u == nil {
		return nil
	}
	u.IsOnline = true

	type promotion struct {
		MessageID string `json:"messageId"`
		ChatID    string `json:"chatId"`
	}
	promoted := []promotion{}
	chatIDs := make([]string, 0, len(s.doc.Messages))
	for chatID := range s.doc.Messages {
		chatIDs = append(chatIDs, chatID)
	}
	sort.Strings(chatIDs)
	for _, chatID := range chatIDs {
		for _, m := range s.doc.Messages[chatID] {
			if m.ReceiverID == userID && m.Status == model.StatusSent {
				m.Status = model.StatusDelivered
				promoted = append(promoted, promotion{MessageID: m.ID, ChatID: chatID})
			}
		}
	}
	s.flush()

	deliveries := []Delivery{
		broadcastOthers("user_online", map[string]any{
			"userId":      userID,
			"onlineUsers": s.onlineUserIDs(),
		}),
	}
	if len(promoted) > 0 {
		deliveries = append(deliveries, broadcast("messages_batch_delivered", map[string]any{
			"deliveries": promoted,
		}))
	}
	return deliveries
}

// Unbind marks the user offline after their connection closed.
func (s *Store) Unbind(userID string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	if u == nil {
		return nil
	}
	u.IsOnline = false
	u.LastSeen = s.now()
	s.flush()

	return []Delivery{
		broadcast("user_offline", map[string]any{
			"userId":      userID,
			"lastSeen":    u.LastSeen,
			"onlineUsers": s.onlineUserIDs(),
		}),
	}
}

// SnapshotJSON builds the full login/register snapshot for one user and
// marshals it under the lock, so the caller can embed the bytes in a frame
// without racing later mutations.
func (s *Store) SnapshotJSON(userID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.user(userID)
	if u == nil {
		return nil, ErrUserNotFound
	}

	users := make(map[string]*model.User, len(s.doc.Users))
	for id, other := range s.doc.Users {
		if id == userID {
			users[id] = other
		} else {
			users[id] = other.Public()
		}
	}

	chats := s.doc.Chats[userID]
	if chats == nil {
		chats = map[string]*model.ChatEndpoint{}
	}
	messages := map[string][]*model.Message{}
	for partner := range chats {
		chatID := model.ChatID(userID, partner)
		msgs := s.doc.Messages[chatID]
		if msgs == nil {
			msgs = []*model.Message{}
		}
		messages[chatID] = msgs
	}

	groups := map[string]*model.Group{}
	groupMessages := map[string][]*model.GroupMessage{}
	for id, g := range s.doc.Groups {
		if g.IsDeleted || !g.IsMember(userID) {
			continue
		}
		groups[id] = g
		msgs := s.doc.GroupMessages[id]
		if msgs == nil {
			msgs = []*model.GroupMessage{}
		}
		groupMessages[id] = msgs
	}

	snapshot := map[string]any{
		"user":           u,
		"users":          users,
		"chats":          chats,
		"messages":       messages,
		"groups":         groups,
		"groupMessages":  groupMessages,
		"blocked":        emptyIfNil(s.doc.Blocked[userID]),
		"blockedBy":      emptyIfNil(s.doc.BlockedBy[userID]),
		"pinnedChats":    emptyIfNil(s.doc.PinnedChats[userID]),
		"pinnedMessages": s.pinnedMessagesFor(userID),
		"onlineUsers":    s.onlineUserIDs(),
	}
	return json.Marshal(snapshot)
}

// UsernameAvailable reports whether a username could still be registered.
func (s *Store) UsernameAvailable(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	username = strings.TrimSpace(username)
	return username != "" && !s.usernameTaken(username, "")
}

// SearchUsers matches the query case-insensitively against usernames and
// display names; deleted users never surface.
func (s *Store) SearchUsers(query string) []*model.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	out := []*model.User{}
	if needle == "" {
		return out
	}
	for _, id := range s.sortedUserIDs() {
		u := s.doc.Users[id]
		if u.IsDeleted {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), needle) ||
			strings.Contains(strings.ToLower(u.DisplayName), needle) {
			out = append(out, u.Public())
		}
	}
	return out
}

type ProfileParams struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Bio         string `json:"bio"`
}

// UpdateProfile rewrites the mutable profile fields. The recovery code is
// never touched. A username change is re-checked for conflicts.
func (s *Store) UpdateProfile(userID string, p ProfileParams) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.liveUser(userID)
	if u == nil {
		return nil, ErrUserNotFound
	}
	if name := strings.TrimSpace(p.Username); name != "" && name != u.Username {
		if s.usernameTaken(name, userID) {
			return nil, ErrUsernameTaken
		}
		u.Username = name
	}
	u.DisplayName = p.DisplayName
	u.Avatar = p.Avatar
	u.Bio = p.Bio
	s.flush()

	return []Delivery{
		toUser(userID, "profile_updated", map[string]any{"user": u.Public()}),
		broadcastOthers("user_updated", map[string]any{"user": u.Public()}),
	}, nil
}

// DeleteAccount soft-deletes: the id stays valid as a historical sender,
// the username is freed, and new messages to the user are refused.
func (s *Store) DeleteAccount(userID string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.liveUser(userID)
	if u == nil {
		return nil
	}
	u.IsDeleted = true
	u.IsOnline = false
	u.LastSeen = s.now()
	s.flush()

	return []Delivery{
		toUser(userID, "account_deleted", map[string]any{"userId": userID}),
		broadcastOthers("user_deleted", map[string]any{
			"userId":      userID,
			"onlineUsers": s.onlineUserIDs(),
		}),
	}
}

// SetBlocked maintains the mirror-consistent blocked/blockedBy sets.
func (s *Store) SetBlocked(actorID, targetID string, blocked bool) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.user(targetID) == nil || actorID == targetID {
		return nil
	}
	if blocked {
		s.doc.Blocked[actorID] = addToSet(s.doc.Blocked[actorID], targetID)
		s.doc.BlockedBy[targetID] = addToSet(s.doc.BlockedBy[targetID], actorID)
	} else {
		s.doc.Blocked[actorID] = removeFromSet(emptyIfNil(s.doc.Blocked[actorID]), targetID)
		s.doc.BlockedBy[targetID] = removeFromSet(emptyIfNil(s.doc.BlockedBy[targetID]), actorID)
	}
	s.flush()

	return []Delivery{
		toUser(actorID, "user_blocked", map[string]any{
			"userId":    targetID,
			"isBlocked": blocked,
			"blocked":   append([]string{}, s.doc.Blocked[actorID]...),
		}),
		toUser(targetID, "you_were_blocked", map[string]any{
			"userId":    actorID,
			"isBlocked": blocked,
			"blockedBy": append([]string{}, s.doc.BlockedBy[targetID]...),
		}),
	}
}

// PinChat toggles a chat in the user's ordered pinned-chat set.
func (s *Store) PinChat(userID, partnerID string, pinned bool) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pinned {
		s.doc.PinnedChats[userID] = addToSet(s.doc.PinnedChats[userID], partnerID)
	} else {
		s.doc.PinnedChats[userID] = removeFromSet(emptyIfNil(s.doc.PinnedChats[userID]), partnerID)
	}
	s.flush()

	return []Delivery{
		toUser(userID, "chat_pinned", map[string]any{
			"partnerId":   partnerID,
			"isPinned":    pinned,
			"pinnedChats": append([]string{}, s.doc.PinnedChats[userID]...),
		}),
	}
}

// DeleteChat removes a direct conversation for both sides: the messages,
// both endpoints and both pinned-message lists.
func (s *Store) DeleteChat(actorID, partnerID string) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	chatID := model.ChatID(actorID, partnerID)
	delete(s.doc.Messages, chatID)
	for _, pair := range [][2]string{{actorID, partnerID}, {partnerID, actorID}} {
		if endpoints := s.doc.Chats[pair[0]]; endpoints != nil {
			delete(endpoints, pair[1])
		}
		if pins := s.doc.PinnedMessages[pair[0]]; pins != nil {
			delete(pins, chatID)
		}
	}
	s.flush()

	deliveries := []Delivery{
		toUser(actorID, "chat_deleted", map[string]any{"chatId": chatID, "partnerId": partnerID}),
	}
	if partnerID != actorID {
		deliveries = append(deliveries,
			toUser(partnerID, "chat_deleted", map[string]any{"chatId": chatID, "partnerId": actorID}))
	}
	return deliveries
}

func (s *Store) usernameTaken(username, exceptUserID string) bool {
	needle := strings.ToLower(username)
	for id, u := range s.doc.Users {
		if id == exceptUserID || u.IsDeleted {
			continue
		}
		if strings.ToLower(u.Username) == needle {
			return true
		}
	}
	return false
}

func (s *Store) sortedUserIDs() []string {
	ids := make([]string, 0, len(s.doc.Users))
	for id := range s.doc.Users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) pinnedMessagesFor(userID string) map[string][]string {
	pins := s.doc.PinnedMessages[userID]
	if pins == nil {
		return map[string][]string{}
	}
	return pins
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
