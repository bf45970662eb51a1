package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsechat-backend/internal/model"
)

func newGroupStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	mustRegister(t, s, "C", "carol")
	mustRegister(t, s, "D", "dave")
	mustRegister(t, s, "E", "erin")
	return s
}

func TestCreateGroupDedupesAndFiltersMembers(t *testing.T) {
	s := newGroupStore(t)
	mustRegister(t, s, "X", "xavier")
	s.DeleteAccount("X")

	deliveries := s.CreateGroup("C", CreateGroupParams{
		ID:      "g1",
		Name:    "room",
		Members: []string{"D", "D", "E", "X", "ghost", "C"},
	})

	g := s.doc.Groups["g1"]
	require.NotNil(t, g)
	assert.Equal(t, []string{"C", "D", "E"}, g.Members, "deduplicated, deleted and unknown users dropped, creator first")
	assert.Equal(t, "C", g.CreatorID)
	assert.Equal(t, []string{"C"}, g.Admins, "creator is the sole initial admin")
	assert.Equal(t, map[string]int{"C": 0, "D": 0, "E": 0}, g.UnreadCounts)

	require.Len(t, deliveries, 3)
	for _, d := range deliveries {
		assert.Equal(t, "group_created", d.Event.Type)
	}
}

func TestCreateGroupEmptyNameDropped(t *testing.T) {
	s := newGroupStore(t)
	assert.Empty(t, s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "  "}))
	assert.Nil(t, s.doc.Groups["g1"])
}

func TestSendGroupMessageUpdatesUnreadAndSeenBy(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})

	deliveries := s.SendGroupMessage("D", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: "hello"}, false)

	g := s.doc.Groups["g1"]
	assert.Equal(t, map[string]int{"C": 1, "D": 0, "E": 1}, g.UnreadCounts)

	msg := s.findGroupMessage("g1", "gm1")
	require.NotNil(t, msg)
	assert.Equal(t, []string{"D"}, msg.SeenBy, "the sender has seen their own message")
	assert.Same(t, msg, g.LastMessage)

	require.Len(t, deliveries, 3)
	assert.Equal(t, "group_message_sent", deliveries[0].Event.Type)
	assert.Equal(t, "D", deliveries[0].To)
	for _, d := range deliveries[1:] {
		assert.Equal(t, "new_group_message", d.Event.Type)
	}
}

func TestSendGroupMessageRequiresMembership(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D"}})

	assert.Empty(t, s.SendGroupMessage("E", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: "hi"}, false))
	assert.Empty(t, s.doc.GroupMessages["g1"])
}

func TestSendGroupMessageWhitespaceRejected(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D"}})

	assert.Empty(t, s.SendGroupMessage("C", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: " \t "}, false))
}

func TestMarkGroupSeen(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: "one"}, false)
	s.SendGroupMessage("C", GroupMessageParams{ID: "gm2", GroupID: "g1", Text: "two"}, false)

	deliveries := s.MarkGroupSeen("g1", "E")

	g := s.doc.Groups["g1"]
	assert.Zero(t, g.UnreadCounts["E"])
	assert.Contains(t, s.findGroupMessage("g1", "gm1").SeenBy, "E")
	assert.Contains(t, s.findGroupMessage("g1", "gm2").SeenBy, "E")

	unread := findEvent(t, deliveries, "group_unread_updated")
	assert.Equal(t, "E", unread.To)
	seen := findEvent(t, deliveries, "group_messages_seen")
	assert.ElementsMatch(t, []string{"gm1", "gm2"}, eventData(seen)["messageIds"])

	assert.Empty(t, s.MarkGroupSeen("g1", "E"), "idempotent")
}

func TestMarkGroupMessagesSeenSelective(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: "one"}, false)
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm2", GroupID: "g1", Text: "two"}, false)

	assert.Empty(t, s.MarkGroupMessagesSeen("g1", "E", nil), "empty id list is a no-op")

	deliveries := s.MarkGroupMessagesSeen("g1", "E", []string{"gm1"})
	g := s.doc.Groups["g1"]
	assert.Equal(t, 1, g.UnreadCounts["E"])
	assert.Equal(t, 1, eventData(findEvent(t, deliveries, "group_unread_updated"))["unreadCount"])

	// Marking the same id again transitions nothing and emits nothing.
	assert.Empty(t, s.MarkGroupMessagesSeen("g1", "E", []string{"gm1"}))
}

func TestEditGroupMessageSenderOnly(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: "one"}, false)

	assert.Empty(t, s.EditGroupMessage("C", "g1", "gm1", "admin edit"), "admins cannot edit others' messages")

	deliveries := s.EditGroupMessage("D", "g1", "gm1", "edited")
	require.Len(t, deliveries, 3, "every member hears the edit")
	assert.True(t, s.findGroupMessage("g1", "gm1").IsEdited)
}

func TestDeleteGroupMessageByAdminPurgesPin(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: "one"}, false)
	s.PinGroupMessage("C", "g1", "gm1", true)

	assert.Empty(t, s.DeleteGroupMessage("E", "g1", "gm1"), "plain members cannot delete others' messages")

	deliveries := s.DeleteGroupMessage("C", "g1", "gm1")
	require.Len(t, deliveries, 3)
	for _, d := range deliveries {
		assert.Equal(t, "group_message_deleted", d.Event.Type)
	}
	assert.Nil(t, s.findGroupMessage("g1", "gm1"))
	assert.Empty(t, s.doc.Groups["g1"].PinnedMessageIDs)
	assert.Equal(t, map[string]int{"C": 0, "D": 0, "E": 0}, s.doc.Groups["g1"].UnreadCounts,
		"unread counters re-derived after deletion")
}

func TestDeleteGroupMessageBySenderAllowed(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: "oops"}, false)

	require.NotEmpty(t, s.DeleteGroupMessage("D", "g1", "gm1"))
	assert.Nil(t, s.findGroupMessage("g1", "gm1"))
}

func TestPinGroupMessageAdminOnlyOrdered(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: "one"}, false)
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm2", GroupID: "g1", Text: "two"}, false)

	assert.Empty(t, s.PinGroupMessage("D", "g1", "gm1", true), "members cannot pin")

	s.PinGroupMessage("C", "g1", "gm2", true)
	s.PinGroupMessage("C", "g1", "gm1", true)
	s.PinGroupMessage("C", "g1", "gm2", true) // already pinned, stays put
	assert.Equal(t, []string{"gm2", "gm1"}, s.doc.Groups["g1"].PinnedMessageIDs, "insertion-ordered set")

	s.PinGroupMessage("C", "g1", "gm2", false)
	assert.Equal(t, []string{"gm1"}, s.doc.Groups["g1"].PinnedMessageIDs)
}

func TestAddGroupMember(t *testing.T) {
	s := newGroupStore(t)
	mustRegister(t, s, "F", "frank")
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D"}})

	assert.Empty(t, s.AddGroupMember("D", "g1", "F"), "non-admins cannot add members")

	deliveries := s.AddGroupMember("C", "g1", "F")
	g := s.doc.Groups["g1"]
	assert.True(t, g.IsMember("F"))
	assert.Equal(t, 0, g.UnreadCounts["F"])
	require.Len(t, deliveries, 3, "the new member hears about it too")
}

func TestRemoveGroupMemberSignalsLeave(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})

	deliveries := s.RemoveGroupMember("C", "g1", "E")

	assert.False(t, s.doc.Groups["g1"].IsMember("E"))
	_, hasCounter := s.doc.Groups["g1"].UnreadCounts["E"]
	assert.False(t, hasCounter)

	removed := deliveries[0]
	assert.Equal(t, "E", removed.To)
	assert.Equal(t, "group_updated", removed.Event.Type)
	assert.Nil(t, eventData(removed)["group"], "null group signals leave")
	require.Len(t, deliveries, 3, "remaining members get the updated group")
}

func TestCreatorCannotBeRemovedOrDemoted(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D"}})
	s.SetGroupAdmin("C", "g1", "D", true)

	assert.Empty(t, s.RemoveGroupMember("D", "g1", "C"), "even an admin cannot remove the creator")
	assert.True(t, s.doc.Groups["g1"].IsMember("C"))

	assert.Empty(t, s.SetGroupAdmin("C", "g1", "C", false))
	assert.True(t, s.doc.Groups["g1"].IsAdmin("C"))
}

func TestSetGroupAdminCreatorOnly(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})

	assert.Empty(t, s.SetGroupAdmin("D", "g1", "E", true), "only the creator sets admins")

	require.NotEmpty(t, s.SetGroupAdmin("C", "g1", "D", true))
	assert.True(t, s.doc.Groups["g1"].IsAdmin("D"))

	// Promoted admins can manage membership.
	mustRegister(t, s, "F", "frank")
	require.NotEmpty(t, s.AddGroupMember("D", "g1", "F"))

	require.NotEmpty(t, s.SetGroupAdmin("C", "g1", "D", false))
	assert.False(t, s.doc.Groups["g1"].IsAdmin("D"))
}

func TestAddGroupReactionToggle(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: "one"}, false)

	s.AddGroupReaction("E", "g1", "gm1", "👍")
	assert.Equal(t, model.ReactionList{{UserID: "E", Emoji: "👍"}}, s.findGroupMessage("g1", "gm1").Reactions)

	s.AddGroupReaction("E", "g1", "gm1", "❤")
	assert.Equal(t, model.ReactionList{{UserID: "E", Emoji: "❤"}}, s.findGroupMessage("g1", "gm1").Reactions)

	deliveries := s.AddGroupReaction("E", "g1", "gm1", "❤")
	require.Len(t, deliveries, 3)
	assert.Empty(t, s.findGroupMessage("g1", "gm1").Reactions)
}

func TestGroupUnreadInvariant(t *testing.T) {
	s := newGroupStore(t)
	s.CreateGroup("C", CreateGroupParams{ID: "g1", Name: "room", Members: []string{"D", "E"}})
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm1", GroupID: "g1", Text: "one"}, false)
	s.SendGroupMessage("C", GroupMessageParams{ID: "gm2", GroupID: "g1", Text: "two"}, false)
	s.MarkGroupSeen("g1", "E")
	s.SendGroupMessage("D", GroupMessageParams{ID: "gm3", GroupID: "g1", Text: "three"}, false)

	g := s.doc.Groups["g1"]
	for _, member := range g.Members {
		expected := 0
		for _, m := range s.doc.GroupMessages["g1"] {
			if !m.IsSystem && m.SenderID != member && !setContains(m.SeenBy, member) {
				expected++
			}
		}
		assert.Equal(t, expected, g.UnreadCounts[member], "member %s", member)
	}
}
