package conversations

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimsync/apperrors"
	"claimsync/config"
	"claimsync/models"
)

type fakeSource struct {
	conversations []models.Conversation
	contacts      []models.Contact
	err           error
	gotRoles      []models.Role
}

func (f *fakeSource) ListConversations(context.Context) ([]models.Conversation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conversations, nil
}

func (f *fakeSource) ListContacts(_ context.Context, roles []models.Role) ([]models.Contact, error) {
	f.gotRoles = roles
	if f.err != nil {
		return nil, f.err
	}
	return f.contacts, nil
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newDirectory(src *fakeSource) *Directory {
	return New("agent-1", models.RoleAgent, src, config.DefaultContactPolicy(), WithClock(func() time.Time { return base }))
}

func message(id, from, to string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: models.ConversationID(from, to),
		SenderID:       from,
		RecipientID:    to,
		Content:        "msg " + id,
		CreatedAt:      at,
	}
}

func assertSorted(t *testing.T, list []models.Conversation) {
	t.Helper()
	for i := 1; i < len(list); i++ {
		assert.LessOrEqual(t, Compare(&list[i-1], &list[i]), 0, "conversations %d and %d out of order", i-1, i)
	}
}

func TestApplyIncomingMessage(t *testing.T) {
	t.Run("synthesizes missing conversation and counts unread", func(t *testing.T) {
		d := newDirectory(&fakeSource{})
		msg := message("m1", "hr-2", "agent-1", base)
		msg.SenderName = "Dana"

		assert.True(t, d.ApplyIncomingMessage(msg))

		c, ok := d.Get(models.ConversationID("agent-1", "hr-2"))
		require.True(t, ok)
		assert.Equal(t, "hr-2", c.Other.ID)
		assert.Equal(t, "Dana", c.Other.DisplayName)
		assert.Equal(t, 1, c.UnreadCount)
		assert.Equal(t, "m1", c.LastMessage.ID)
		assert.Equal(t, base, c.UpdatedAt)
	})

	t.Run("duplicate delivery is ignored", func(t *testing.T) {
		d := newDirectory(&fakeSource{})
		msg := message("m1", "hr-2", "agent-1", base)
		d.ApplyIncomingMessage(msg)
		assert.False(t, d.ApplyIncomingMessage(msg))

		c, _ := d.Get(msg.ConversationID)
		assert.Equal(t, 1, c.UnreadCount)
	})

	t.Run("open conversation stays read", func(t *testing.T) {
		d := newDirectory(&fakeSource{})
		id := models.ConversationID("agent-1", "hr-2")
		d.SetOpen(id)

		d.ApplyIncomingMessage(message("m1", "hr-2", "agent-1", base))

		c, _ := d.Get(id)
		assert.Equal(t, 0, c.UnreadCount)
		assert.Equal(t, "m1", c.LastMessage.ID)
	})

	t.Run("own messages are not unread", func(t *testing.T) {
		d := newDirectory(&fakeSource{})
		d.ApplyIncomingMessage(message("m1", "agent-1", "hr-2", base))

		c, _ := d.Get(models.ConversationID("agent-1", "hr-2"))
		assert.Equal(t, 0, c.UnreadCount)
	})

	t.Run("foreign conversation is ignored", func(t *testing.T) {
		d := newDirectory(&fakeSource{})
		assert.False(t, d.ApplyIncomingMessage(message("m1", "hr-2", "emp-3", base)))
		assert.Empty(t, d.Snapshot().Conversations)
	})
}

func TestStartOrGetConversationIsIdempotent(t *testing.T) {
	d := newDirectory(&fakeSource{})
	contact := models.Contact{ID: "hr-2", DisplayName: "Dana", Role: models.RoleHR}

	first, err := d.StartOrGetConversation(contact)
	require.NoError(t, err)
	second, err := d.StartOrGetConversation(contact)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.ConversationID("hr-2", "agent-1"), first.ID)
	assert.True(t, first.Provisional)
	assert.Len(t, d.Snapshot().Conversations, 1)

	_, err = d.StartOrGetConversation(models.Contact{ID: "agent-1"})
	assert.True(t, apperrors.IsInvalidArgument(err))
}

func TestProvisionalReconciledByFirstMessage(t *testing.T) {
	d := newDirectory(&fakeSource{})
	conv, _ := d.StartOrGetConversation(models.Contact{ID: "hr-2", DisplayName: "Dana"})

	d.ApplyIncomingMessage(message("m1", "agent-1", "hr-2", base.Add(time.Minute)))

	list := d.Snapshot().Conversations
	require.Len(t, list, 1)
	assert.Equal(t, conv.ID, list[0].ID)
	assert.False(t, list[0].Provisional)
	assert.Equal(t, "Dana", list[0].Other.DisplayName)
}

func TestLoadSnapshot(t *testing.T) {
	src := &fakeSource{conversations: []models.Conversation{
		{Other: models.Contact{ID: "hr-2", DisplayName: "Dana"}, UpdatedAt: base, UnreadCount: 2},
		{ID: models.ConversationID("agent-1", "emp-3"), Other: models.Contact{ID: "emp-3", DisplayName: "Eli"}, UpdatedAt: base.Add(time.Hour)},
		{ID: models.ConversationID("agent-1", "emp-3"), Other: models.Contact{ID: "emp-3", DisplayName: "Eli"}, UpdatedAt: base.Add(-time.Hour)},
	}}
	d := newDirectory(src)

	provisional, _ := d.StartOrGetConversation(models.Contact{ID: "adm-9", DisplayName: "Ada"})
	d.ApplyIncomingMessage(message("old", "emp-7", "agent-1", base.Add(-48*time.Hour)))

	var states []State
	d.Subscribe(func(s State) { states = append(states, s) })

	require.NoError(t, d.LoadSnapshot(context.Background()))

	st := d.Snapshot()
	require.Len(t, st.Conversations, 3)
	assert.Equal(t, models.ConversationID("agent-1", "hr-2"), st.Conversations[0].ID, "unread first")
	assert.Equal(t, base.Add(time.Hour), st.Conversations[1].UpdatedAt, "newest duplicate wins")
	assert.Equal(t, provisional.ID, st.Conversations[2].ID, "provisional kept")
	assert.False(t, st.Stale)
	assertSorted(t, st.Conversations)

	require.GreaterOrEqual(t, len(states), 2)
	assert.True(t, states[0].Loading)
	assert.False(t, states[len(states)-1].Loading)
}

func TestLoadSnapshotFailureKeepsLastKnownGood(t *testing.T) {
	src := &fakeSource{conversations: []models.Conversation{
		{Other: models.Contact{ID: "hr-2"}, UpdatedAt: base},
	}}
	d := newDirectory(src)
	require.NoError(t, d.LoadSnapshot(context.Background()))

	src.err = errors.New("gateway timeout")
	err := d.LoadSnapshot(context.Background())
	assert.True(t, apperrors.IsSnapshotLoad(err))

	st := d.Snapshot()
	assert.Len(t, st.Conversations, 1)
	assert.True(t, st.Stale)
	assert.False(t, st.Loading)
	assert.Error(t, st.Err)
}

func TestSortOrderHoldsAfterRandomMutations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	d := newDirectory(&fakeSource{})
	peers := []string{"hr-1", "hr-2", "emp-3", "emp-4", "adm-5", "agt-6"}

	for i := 0; i < 300; i++ {
		peer := peers[rng.Intn(len(peers))]
		switch rng.Intn(4) {
		case 0:
			d.StartOrGetConversation(models.Contact{ID: peer, DisplayName: fmt.Sprintf("Peer %d", rng.Intn(3))})
		case 1:
			d.SetOpen(models.ConversationID("agent-1", peer))
		case 2:
			d.ClearOpen()
		default:
			at := base.Add(time.Duration(rng.Intn(20)) * time.Minute)
			from, to := peer, "agent-1"
			if rng.Intn(3) == 0 {
				from, to = to, from
			}
			d.ApplyIncomingMessage(message(fmt.Sprintf("m%d", i), from, to, at))
		}
		assertSorted(t, d.Snapshot().Conversations)
	}
}

func TestContactsAppliesAllowList(t *testing.T) {
	src := &fakeSource{contacts: []models.Contact{
		{ID: "hr-2", DisplayName: "Dana", Role: models.RoleHR},
		{ID: "adm-9", DisplayName: "Ada", Role: models.RoleAdmin},
		{ID: "emp-3", DisplayName: "Ben", Role: models.RoleEmployee},
		{ID: "agent-1", DisplayName: "Me", Role: models.RoleAgent},
	}}
	d := newDirectory(src)

	contacts, err := d.Contacts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []models.Role{models.RoleHR, models.RoleEmployee}, src.gotRoles)
	require.Len(t, contacts, 2)
	assert.Equal(t, "Ben", contacts[0].DisplayName)
	assert.Equal(t, "Dana", contacts[1].DisplayName)
}

type gatedSource struct {
	*fakeSource
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	close(g.entered)
	<-g.release
	return g.fakeSource.ListConversations(ctx)
}

func TestLoadSnapshotKeepsMessagesAppliedDuringLoad(t *testing.T) {
	reflected := message("m0", "emp-3", "agent-1", base)
	src := &gatedSource{
		fakeSource: &fakeSource{conversations: []models.Conversation{
			{Other: models.Contact{ID: "hr-2", DisplayName: "Dana"}, UpdatedAt: base},
			{Other: models.Contact{ID: "emp-3", DisplayName: "Ben"}, LastMessage: &reflected, UpdatedAt: base, UnreadCount: 1},
		}},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := New("agent-1", models.RoleAgent, src, config.DefaultContactPolicy(), WithClock(func() time.Time { return base }))

	done := make(chan error, 1)
	go func() { done <- d.LoadSnapshot(context.Background()) }()
	<-src.entered

	live := message("m1", "hr-2", "agent-1", base.Add(time.Minute))
	require.True(t, d.ApplyIncomingMessage(live))
	require.True(t, d.ApplyIncomingMessage(reflected), "not seen locally yet")
	close(src.release)
	require.NoError(t, <-done)

	dana, ok := d.Get(models.ConversationID("agent-1", "hr-2"))
	require.True(t, ok)
	assert.Equal(t, 1, dana.UnreadCount)
	require.NotNil(t, dana.LastMessage)
	assert.Equal(t, "m1", dana.LastMessage.ID)
	assert.Equal(t, live.CreatedAt, dana.UpdatedAt)

	ben, _ := d.Get(models.ConversationID("agent-1", "emp-3"))
	assert.Equal(t, 1, ben.UnreadCount, "already counted by the snapshot")

	assert.False(t, d.ApplyIncomingMessage(live), "redelivery is still a duplicate")
	assert.Equal(t, 2, d.Snapshot().TotalUnread())
	assert.False(t, d.Snapshot().Loading)
}
