package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"pulsechat-backend/internal/model"
	"pulsechat-backend/internal/realtime"
	"pulsechat-backend/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is handled at the HTTP layer; the socket accepts any origin.
		return true
	},
}

// envelope is the single wire format, both directions:
// {"type": <string>, "data": <object>}.
type envelope struct {
	Type string              `json:"type"`
	Data jsoniter.RawMessage `json:"data"`
}

// session is the per-connection dispatcher. It owns the bound identity
// and validates that requests are consistent with it before anything
// reaches the store.
type session struct {
	server *Server
	client *realtime.Client
	userID string
}

func (server *Server) handleWS(ctx *gin.Context) {
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := realtime.NewClient(conn, server.config.ClientSendBuffer)
	go client.WritePump()

	s := &session{server: server, client: client}
	s.reply("connected", gin.H{})
	s.readLoop()
}

func (s *session) readLoop() {
	defer s.teardown()
	s.client.PrepareRead()

	for {
		_, raw, err := s.client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("userId", s.userID).Msg("websocket closed unexpectedly")
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.dispatch(env)
	}
}

// teardown runs when the socket dies. Unbinding only takes effect if this
// connection still owns the user entry; events already queued for the
// dead session are silently discarded.
func (s *session) teardown() {
	s.client.Close()
	if userID, owned := s.server.hub.Unbind(s.client); owned {
		s.deliver(s.server.store.Unbind(userID))
	}
}

func (s *session) dispatch(env envelope) {
	switch env.Type {
	case "register":
		s.handleRegister(env.Data)
	case "login":
		s.handleLogin(env.Data)
	case "login_recovery":
		s.handleLoginRecovery(env.Data)
	case "check_username":
		s.handleCheckUsername(env.Data)
	case "heartbeat":
		s.reply("heartbeat_ack", gin.H{})
	default:
		if s.userID == "" {
			log.Debug().Str("type", env.Type).Msg("dropping command from unbound session")
			return
		}
		s.dispatchBound(env)
	}
}

func (s *session) dispatchBound(env envelope) {
	switch env.Type {
	case "search_user":
		s.handleSearchUser(env.Data)
	case "send_message":
		s.handleSendMessage(env.Data, false)
	case "forward_message":
		s.handleSendMessage(env.Data, true)
	case "edit_message":
		s.handleEditMessage(env.Data)
	case "delete_message":
		s.handleDeleteMessage(env.Data)
	case "mark_seen":
		s.handleMarkSeen(env.Data)
	case "mark_messages_seen":
		s.handleMarkMessagesSeen(env.Data)
	case "typing":
		s.handleTyping(env.Data)
	case "update_profile":
		s.handleUpdateProfile(env.Data)
	case "delete_account":
		s.handleDeleteAccount()
	case "block_user":
		s.handleBlockUser(env.Data)
	case "pin_chat":
		s.handlePinChat(env.Data)
	case "delete_chat":
		s.handleDeleteChat(env.Data)
	case "pin_message":
		s.handlePinMessage(env.Data)
	case "add_reaction":
		s.handleAddReaction(env.Data)
	case "create_group":
		s.handleCreateGroup(env.Data)
	case "send_group_message":
		s.handleSendGroupMessage(env.Data, false)
	case "forward_group_message":
		s.handleSendGroupMessage(env.Data, true)
	case "mark_group_seen":
		s.handleMarkGroupSeen(env.Data)
	case "mark_group_messages_seen":
		s.handleMarkGroupMessagesSeen(env.Data)
	case "edit_group_message":
		s.handleEditGroupMessage(env.Data)
	case "delete_group_message":
		s.handleDeleteGroupMessage(env.Data)
	case "pin_group_message":
		s.handlePinGroupMessage(env.Data)
	case "add_group_member":
		s.handleGroupMember(env.Data, true)
	case "remove_group_member":
		s.handleGroupMember(env.Data, false)
	case "set_group_admin":
		s.handleSetGroupAdmin(env.Data)
	case "add_group_reaction":
		s.handleAddGroupReaction(env.Data)
	case "group_typing":
		s.handleGroupTyping(env.Data)
	default:
		log.Warn().Str("type", env.Type).Msg("unknown command type")
	}
}

// decode unmarshals a command payload; malformed payloads drop the
// command (validation failures are never echoed back).
func (s *session) decode(raw jsoniter.RawMessage, v any) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, v); err != nil {
		log.Debug().Err(err).Msg("dropping command with malformed payload")
		return false
	}
	return true
}

func (s *session) reply(typ string, data any) {
	s.send(s.client, store.Event{Type: typ, Data: data})
}

func (s *session) send(client *realtime.Client, ev store.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("cannot marshal event")
		return
	}
	client.Queue(frame)
}

// deliver routes the (recipient, event) pairs a mutator produced.
func (s *session) deliver(deliveries []store.Delivery) {
	for _, d := range deliveries {
		frame, err := json.Marshal(d.Event)
		if err != nil {
			log.Error().Err(err).Str("type", d.Event.Type).Msg("cannot marshal event")
			continue
		}
		switch {
		case d.Broadcast:
			var except *realtime.Client
			if d.ExcludeActor {
				except = s.client
			}
			s.server.hub.Broadcast(frame, except)
		case d.To == "":
			s.client.Queue(frame)
		default:
			s.server.hub.SendToUser(d.To, frame)
		}
	}
}

// bind ties the connection to a user: registers with the hub, promotes
// pending deliveries, then sends the full snapshot before any of the
// presence fan-out goes anywhere.
func (s *session) bind(user *model.User, successType string, extra []store.Delivery) {
	s.userID = user.ID
	s.server.hub.Bind(user.ID, s.client)
	bindEvents := s.server.store.Bind(user.ID)

	snapshot, err := s.server.store.SnapshotJSON(user.ID)
	if err != nil {
		log.Error().Err(err).Str("userId", user.ID).Msg("cannot build snapshot")
		return
	}
	s.reply(successType, jsoniter.RawMessage(snapshot))
	s.deliver(extra)
	s.deliver(bindEvents)
}

func (s *session) handleRegister(raw jsoniter.RawMessage) {
	if s.userID != "" {
		return
	}
	var p store.RegisterParams
	if !s.decode(raw, &p) {
		return
	}
	user, deliveries, err := s.server.store.Register(p)
	switch {
	case errors.Is(err, store.ErrUsernameTaken):
		s.reply("register_error", gin.H{"error": "username_taken"})
		return
	case errors.Is(err, store.ErrUserExists):
		s.reply("register_error", gin.H{"error": "user_exists"})
		return
	case err != nil:
		log.Debug().Err(err).Msg("dropping invalid register")
		return
	}
	s.bind(user, "register_success", deliveries)
}

func (s *session) handleLogin(raw jsoniter.RawMessage) {
	if s.userID != "" {
		return
	}
	var p struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
	}
	if !s.decode(raw, &p) {
		return
	}
	user, err := s.server.store.LookupLogin(p.UserID, p.Username)
	if err != nil {
		s.reply("login_error", gin.H{"error": "user_not_found"})
		return
	}
	s.bind(user, "login_success", nil)
}

func (s *session) handleLoginRecovery(raw jsoniter.RawMessage) {
	if s.userID != "" {
		return
	}
	var p struct {
		RecoveryCode string `json:"recoveryCode"`
	}
	if !s.decode(raw, &p) {
		return
	}
	user, err := s.server.store.LookupRecovery(p.RecoveryCode)
	if err != nil {
		s.reply("login_error", gin.H{"error": "invalid_recovery_code"})
		return
	}
	s.bind(user, "login_success", nil)
}

func (s *session) handleCheckUsername(raw jsoniter.RawMessage) {
	var p struct {
		Username string `json:"username"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.reply("username_check_result", gin.H{
		"username":  p.Username,
		"available": s.server.store.UsernameAvailable(p.Username),
	})
}

func (s *session) handleSearchUser(raw jsoniter.RawMessage) {
	var p struct {
		Query string `json:"query"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.reply("search_result", gin.H{
		"query": p.Query,
		"users": s.server.store.SearchUsers(p.Query),
	})
}

func (s *session) handleSendMessage(raw jsoniter.RawMessage, forwarded bool) {
	var p store.SendMessageParams
	if !s.decode(raw, &p) {
		return
	}
	if p.SenderID != "" && p.SenderID != s.userID {
		log.Debug().Str("senderId", p.SenderID).Str("userId", s.userID).Msg("sender identity mismatch")
		return
	}
	s.deliver(s.server.store.SendMessage(s.userID, p, forwarded))
}

func (s *session) handleEditMessage(raw jsoniter.RawMessage) {
	var p struct {
		ChatID    string `json:"chatId"`
		MessageID string `json:"messageId"`
		Text      string `json:"text"`
		NewText   string `json:"newText"`
	}
	if !s.decode(raw, &p) {
		return
	}
	text := p.Text
	if text == "" {
		text = p.NewText
	}
	s.deliver(s.server.store.EditMessage(s.userID, p.ChatID, p.MessageID, text))
}

func (s *session) handleDeleteMessage(raw jsoniter.RawMessage) {
	var p struct {
		ChatID     string   `json:"chatId"`
		MessageIDs []string `json:"messageIds"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.deliver(s.server.store.DeleteMessages(p.ChatID, p.MessageIDs))
}

func (s *session) handleMarkSeen(raw jsoniter.RawMessage) {
	var p struct {
		UserID    string `json:"userId"`
		PartnerID string `json:"partnerId"`
	}
	if !s.decode(raw, &p) {
		return
	}
	if p.UserID == "" {
		p.UserID = s.userID
	}
	s.deliver(s.server.store.MarkSeen(p.UserID, p.PartnerID))
}

func (s *session) handleMarkMessagesSeen(raw jsoniter.RawMessage) {
	var p struct {
		UserID     string   `json:"userId"`
		PartnerID  string   `json:"partnerId"`
		MessageIDs []string `json:"messageIds"`
	}
	if !s.decode(raw, &p) {
		return
	}
	if p.UserID == "" {
		p.UserID = s.userID
	}
	s.deliver(s.server.store.MarkMessagesSeen(p.UserID, p.PartnerID, p.MessageIDs))
}

func (s *session) handleTyping(raw jsoniter.RawMessage) {
	var p struct {
		PartnerID string `json:"partnerId"`
		IsTyping  bool   `json:"isTyping"`
	}
	if !s.decode(raw, &p) || p.PartnerID == "" {
		return
	}
	s.deliver([]store.Delivery{{
		To: p.PartnerID,
		Event: store.Event{Type: "user_typing", Data: gin.H{
			"userId":   s.userID,
			"isTyping": p.IsTyping,
		}},
	}})
}

func (s *session) handleUpdateProfile(raw jsoniter.RawMessage) {
	var p store.ProfileParams
	if !s.decode(raw, &p) {
		return
	}
	deliveries, err := s.server.store.UpdateProfile(s.userID, p)
	if errors.Is(err, store.ErrUsernameTaken) {
		s.reply("profile_error", gin.H{"error": "username_taken"})
		return
	}
	if err != nil {
		return
	}
	s.deliver(deliveries)
}

func (s *session) handleDeleteAccount() {
	s.deliver(s.server.store.DeleteAccount(s.userID))
	s.server.hub.Unbind(s.client)
	s.userID = ""
}

func (s *session) handleBlockUser(raw jsoniter.RawMessage) {
	var p struct {
		UserID    string `json:"userId"`
		IsBlocked bool   `json:"isBlocked"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.deliver(s.server.store.SetBlocked(s.userID, p.UserID, p.IsBlocked))
}

func (s *session) handlePinChat(raw jsoniter.RawMessage) {
	var p struct {
		PartnerID string `json:"partnerId"`
		IsPinned  bool   `json:"isPinned"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.deliver(s.server.store.PinChat(s.userID, p.PartnerID, p.IsPinned))
}

func (s *session) handleDeleteChat(raw jsoniter.RawMessage) {
	var p struct {
		PartnerID string `json:"partnerId"`
	}
	if !s.decode(raw, &p) || p.PartnerID == "" {
		return
	}
	s.deliver(s.server.store.DeleteChat(s.userID, p.PartnerID))
}

func (s *session) handlePinMessage(raw jsoniter.RawMessage) {
	var p struct {
		ChatID    string `json:"chatId"`
		MessageID string `json:"messageId"`
		IsPinned  bool   `json:"isPinned"`
		UserID    string `json:"userId"`
	}
	if !s.decode(raw, &p) {
		return
	}
	if p.UserID != "" && p.UserID != s.userID {
		log.Debug().Str("userId", p.UserID).Msg("pin actor mismatch")
		return
	}
	s.deliver(s.server.store.PinMessage(s.userID, p.ChatID, p.MessageID, p.IsPinned))
}

func (s *session) handleAddReaction(raw jsoniter.RawMessage) {
	var p struct {
		ChatID    string `json:"chatId"`
		MessageID string `json:"messageId"`
		Emoji     string `json:"emoji"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.deliver(s.server.store.AddReaction(s.userID, p.ChatID, p.MessageID, p.Emoji))
}

func (s *session) handleCreateGroup(raw jsoniter.RawMessage) {
	var p struct {
		store.CreateGroupParams
		MemberIDs []string `json:"memberIds"`
	}
	if !s.decode(raw, &p) {
		return
	}
	if len(p.Members) == 0 {
		p.Members = p.MemberIDs
	}
	s.deliver(s.server.store.CreateGroup(s.userID, p.CreateGroupParams))
}

func (s *session) handleSendGroupMessage(raw jsoniter.RawMessage, forwarded bool) {
	var p store.GroupMessageParams
	if !s.decode(raw, &p) {
		return
	}
	s.deliver(s.server.store.SendGroupMessage(s.userID, p, forwarded))
}

func (s *session) handleMarkGroupSeen(raw jsoniter.RawMessage) {
	var p struct {
		GroupID string `json:"groupId"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.deliver(s.server.store.MarkGroupSeen(p.GroupID, s.userID))
}

func (s *session) handleMarkGroupMessagesSeen(raw jsoniter.RawMessage) {
	var p struct {
		GroupID    string   `json:"groupId"`
		UserID     string   `json:"userId"`
		MessageIDs []string `json:"messageIds"`
	}
	if !s.decode(raw, &p) {
		return
	}
	if p.UserID != "" && p.UserID != s.userID {
		log.Debug().Str("userId", p.UserID).Msg("group seen identity mismatch")
		return
	}
	s.deliver(s.server.store.MarkGroupMessagesSeen(p.GroupID, s.userID, p.MessageIDs))
}

func (s *session) handleEditGroupMessage(raw jsoniter.RawMessage) {
	var p struct {
		GroupID   string `json:"groupId"`
		MessageID string `json:"messageId"`
		Text      string `json:"text"`
		NewText   string `json:"newText"`
	}
	if !s.decode(raw, &p) {
		return
	}
	text := p.Text
	if text == "" {
		text = p.NewText
	}
	s.deliver(s.server.store.EditGroupMessage(s.userID, p.GroupID, p.MessageID, text))
}

func (s *session) handleDeleteGroupMessage(raw jsoniter.RawMessage) {
	var p struct {
		GroupID   string `json:"groupId"`
		MessageID string `json:"messageId"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.deliver(s.server.store.DeleteGroupMessage(s.userID, p.GroupID, p.MessageID))
}

func (s *session) handlePinGroupMessage(raw jsoniter.RawMessage) {
	var p struct {
		GroupID   string `json:"groupId"`
		MessageID string `json:"messageId"`
		IsPinned  bool   `json:"isPinned"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.deliver(s.server.store.PinGroupMessage(s.userID, p.GroupID, p.MessageID, p.IsPinned))
}

func (s *session) handleGroupMember(raw jsoniter.RawMessage, add bool) {
	var p struct {
		GroupID string `json:"groupId"`
		UserID  string `json:"userId"`
	}
	if !s.decode(raw, &p) {
		return
	}
	if add {
		s.deliver(s.server.store.AddGroupMember(s.userID, p.GroupID, p.UserID))
	} else {
		s.deliver(s.server.store.RemoveGroupMember(s.userID, p.GroupID, p.UserID))
	}
}

func (s *session) handleSetGroupAdmin(raw jsoniter.RawMessage) {
	var p struct {
		GroupID string `json:"groupId"`
		UserID  string `json:"userId"`
		IsAdmin bool   `json:"isAdmin"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.deliver(s.server.store.SetGroupAdmin(s.userID, p.GroupID, p.UserID, p.IsAdmin))
}

func (s *session) handleAddGroupReaction(raw jsoniter.RawMessage) {
	var p struct {
		GroupID   string `json:"groupId"`
		MessageID string `json:"messageId"`
		Emoji     string `json:"emoji"`
	}
	if !s.decode(raw, &p) {
		return
	}
	s.deliver(s.server.store.AddGroupReaction(s.userID, p.GroupID, p.MessageID, p.Emoji))
}

func (s *session) handleGroupTyping(raw jsoniter.RawMessage) {
	var p struct {
		GroupID  string `json:"groupId"`
		IsTyping bool   `json:"isTyping"`
	}
	if !s.decode(raw, &p) || p.GroupID == "" {
		return
	}
	members := s.server.store.GroupMembers(p.GroupID)
	if !containsString(members, s.userID) {
		return
	}
	deliveries := []store.Delivery{}
	for _, m := range members {
		if m == s.userID {
			continue
		}
		deliveries = append(deliveries, store.Delivery{
			To: m,
			Event: store.Event{Type: "group_user_typing", Data: gin.H{
				"groupId":  p.GroupID,
				"userId":   s.userID,
				"isTyping": p.IsTyping,
			}},
		})
	}
	s.deliver(deliveries)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
