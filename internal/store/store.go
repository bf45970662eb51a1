package store

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"pulsechat-backend/internal/model"
)

// Sorted map keys keep flushes deterministic: flushing, reloading and
// flushing again yields identical bytes.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrUserExists          = errors.New("user id already registered")
	ErrUsernameTaken       = errors.New("username already taken")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidRecoveryCode = errors.New("invalid recovery code")

	// errInvalidParams marks validation failures that are silently
	// dropped instead of answered.
	errInvalidParams = errors.New("invalid params")
)

// Store owns the in-memory state graph. One mutex serializes every reader
// and mutator; commands touch several top-level maps transactionally, so
// piecewise locking would be incorrect. Mutators return the deliveries the
// session layer must route and never write to a socket themselves.
type Store struct {
	mu   sync.Mutex
	path string
	doc  *model.Document

	now   func() int64
	newID func() string
}

func New(path string) *Store {
	return &Store{
		path:  path,
		doc:   model.NewDocument(),
		now:   func() int64 { return time.Now().UnixMilli() },
		newID: uuid.NewString,
	}
}

// Load reads the backing document. A missing file starts empty; a corrupt
// file also starts empty and logs, so a bad disk state never prevents the
// server from coming up.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", s.path).Msg("cannot read state file, starting empty")
		}
		s.doc = model.NewDocument()
		s.doc.Normalize()
		return
	}

	doc := &model.Document{}
	if err := json.Unmarshal(raw, doc); err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("cannot parse state file, starting empty")
		doc = model.NewDocument()
	}
	doc.Normalize()
	s.doc = doc
	log.Info().Int("users", len(doc.Users)).Int("groups", len(doc.Groups)).Msg("state loaded")
}

// flush writes the whole document atomically: marshal, write to a temp
// file in the same directory, rename over the target. Called with the lock
// held after every mutation. Failure is logged and the in-memory state is
// retained; the next successful flush snapshots the latest state.
func (s *Store) flush() {
	raw, err := json.Marshal(s.doc)
	if err != nil {
		log.Error().Err(err).Msg("cannot marshal state")
		return
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		log.Error().Err(err).Msg("cannot create temp state file")
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(name)
		log.Error().Err(err).Msg("cannot write state file")
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		log.Error().Err(err).Msg("cannot close state file")
		return
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		log.Error().Err(err).Msg("cannot replace state file")
	}
}

// Flush forces a write of the current document, for shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flush()
}

// Counts reports the totals the health probe exposes.
func (s *Store) Counts() (users, online int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.doc.Users {
		if u.IsDeleted {
			continue
		}
		users++
		if u.IsOnline {
			online++
		}
	}
	return users, online
}

// onlineUserIDs returns the currently bound user ids in ascending order;
// the set is embedded verbatim in presence events and snapshots.
func (s *Store) onlineUserIDs() []string {
	ids := []string{}
	for id, u := range s.doc.Users {
		if u.IsOnline && !u.IsDeleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) user(id string) *model.User {
	return s.doc.Users[id]
}

// liveUser returns the user only if it exists and is not soft-deleted.
func (s *Store) liveUser(id string) *model.User {
	u := s.doc.Users[id]
	if u == nil || u.IsDeleted {
		return nil
	}
	return u
}

func (s *Store) ensureEndpoint(owner, partner string) *model.ChatEndpoint {
	endpoints := s.doc.Chats[owner]
	if endpoints == nil {
		endpoints = map[string]*model.ChatEndpoint{}
		s.doc.Chats[owner] = endpoints
	}
	ep := endpoints[partner]
	if ep == nil {
		ep = &model.ChatEndpoint{}
		endpoints[partner] = ep
	}
	return ep
}

func (s *Store) findMessage(chatID, messageID string) *model.Message {
	for _, m := range s.doc.Messages[chatID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

func (s *Store) findGroupMessage(groupID, messageID string) *model.GroupMessage {
	for _, m := range s.doc.GroupMessages[groupID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// refreshLastMessage repoints both endpoints of a direct chat at the
// latest message, or nil when the chat emptied out.
func (s *Store) refreshLastMessage(a, b string) {
	chatID := model.ChatID(a, b)
	var last *model.Message
	for _, m := range s.doc.Messages[chatID] {
		if last == nil || m.Timestamp >= last.Timestamp {
			last = m
		}
	}
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if endpoints := s.doc.Chats[pair[0]]; endpoints != nil {
			if ep := endpoints[pair[1]]; ep != nil {
				ep.LastMessage = last
			}
		}
	}
}

// recountUnread re-derives the receiver-side unread counter from the
// message list, used after physical deletion.
func (s *Store) recountUnread(owner, partner string) {
	endpoints := s.doc.Chats[owner]
	if endpoints == nil {
		return
	}
	ep := endpoints[partner]
	if ep == nil {
		return
	}
	n := 0
	for _, m := range s.doc.Messages[model.ChatID(owner, partner)] {
		if m.ReceiverID == owner && m.Status != model.StatusSeen {
			n++
		}
	}
	ep.UnreadCount = n
}

func addToSet(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func removeFromSet(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func setContains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
