package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/errs"
	"realtime-chat/internal/mocks"
	"realtime-chat/internal/models"
	"realtime-chat/internal/repositories"
)

func TestSendValidation(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")
	a := f.connect(alice)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SendRequest
		err  error
	}{
		{"empty chat", SendRequest{Content: "hi"}, errs.ErrInvalidInput},
		{"blank content", SendRequest{ChatID: "c1", Content: "   "}, errs.ErrInvalidInput},
		{"bad type", SendRequest{ChatID: "c1", Content: "hi", Type: "video"}, errs.ErrInvalidInput},
		{"unknown chat", SendRequest{ChatID: "nope", Content: "hi"}, errs.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.hub.Send(ctx, a, tc.req)
			require.ErrorIs(t, err, tc.err)
		})
	}

	outsider := f.connect(carol)
	_, err := f.hub.Send(ctx, outsider, SendRequest{ChatID: "c1", Content: "hi"})
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestConcurrentSendsArePersistedOnceInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 512
	f := newFixture(t, cfg)
	f.chat(t, "g1", models.ChatGroup, "alice", "bob", "carol")
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.hub.now = func() time.Time { return fixed }
	ctx := context.Background()

	senders := []*Client{f.connect(alice), f.connect(bob), f.connect(carol)}
	watcher := f.connect(bob)
	_, err := f.hub.Join(ctx, watcher, "g1")
	require.NoError(t, err)
	f.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	const n = 60
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			msg, err := f.hub.Send(ctx, c, SendRequest{ChatID: "g1", Content: "ping"})
			assert.NoError(t, err)
			ids <- msg.ID
		}(senders[i%len(senders)])
	}
	wg.Wait()
	close(ids)

	unique := map[string]struct{}{}
	for id := range ids {
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, n)

	page, err := f.hub.History(ctx, alice, "g1", models.Cursor{}, n)
	require.NoError(t, err)
	require.Len(t, page, n)
	for i, msg := range page {
		assert.Equal(t, int64(i+1), msg.Seq)
		assert.Contains(t, unique, msg.ID)
	}

	// the subscriber sees the messages in sequence order
	for i := 1; i <= n; i++ {
		msg := decode[models.Message](t, nextFrame(t, watcher, models.EventMessage))
		assert.Equal(t, int64(i), msg.Seq)
	}
}

func TestMarkReadBroadcastsOnlyOnce(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")
	ctx := context.Background()

	a, b := f.connect(alice), f.connect(bob)
	for _, c := range []*Client{a, b} {
		_, err := f.hub.Join(ctx, c, "c1")
		require.NoError(t, err)
	}
	m1, err := f.hub.Send(ctx, a, SendRequest{ChatID: "c1", Content: "hi"})
	require.NoError(t, err)
	drain(a)

	added, err := f.hub.MarkRead(ctx, b, "c1", m1.ID)
	require.NoError(t, err)
	assert.True(t, added)
	receipt := decode[models.ReadReceipt](t, nextFrame(t, a, models.EventRead))
	assert.Equal(t, models.ReadReceipt{ChatID: "c1", MessageID: m1.ID, By: "bob"}, receipt)

	added, err = f.hub.MarkRead(ctx, b, "c1", m1.ID)
	require.NoError(t, err)
	assert.False(t, added)
	noFrame(t, a, models.EventRead, 50*time.Millisecond)

	stored, err := f.messages.GetMessage(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, stored.ReadBy)
}

func TestMarkReadChecksMessageChat(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")
	f.chat(t, "c2", models.ChatIndividual, "bob", "carol")
	ctx := context.Background()

	b := f.connect(bob)
	f.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	inC2, err := f.hub.Send(ctx, b, SendRequest{ChatID: "c2", Content: "psst"})
	require.NoError(t, err)

	_, err = f.hub.MarkRead(ctx, b, "c1", inC2.ID)
	require.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = f.hub.MarkRead(ctx, b, "c1", "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	a := f.connect(alice)
	_, err = f.hub.MarkRead(ctx, a, "c2", inC2.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)
}

func TestReactIsAddOnlyAndIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "g1", models.ChatGroup, "alice", "bob", "carol")
	ctx := context.Background()
	f.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	a, b, c := f.connect(alice), f.connect(bob), f.connect(carol)
	_, err := f.hub.Join(ctx, a, "g1")
	require.NoError(t, err)
	m, err := f.hub.Send(ctx, a, SendRequest{ChatID: "g1", Content: "lunch?"})
	require.NoError(t, err)
	drain(a)

	update, err := f.hub.React(ctx, b, "g1", m.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, update.Users)
	got := decode[models.ReactionUpdate](t, nextFrame(t, a, models.EventReaction))
	assert.Equal(t, "👍", got.Emoji)
	assert.Equal(t, []string{"bob"}, got.Users)

	update, err = f.hub.React(ctx, c, "g1", m.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, update.Users)
	nextFrame(t, a, models.EventReaction)

	update, err = f.hub.React(ctx, b, "g1", m.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, update.Users)
	noFrame(t, a, models.EventReaction, 50*time.Millisecond)

	_, err = f.hub.React(ctx, b, "g1", m.ID, "")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

// gatedMessages pauses one user's AddReaction after it has been stored.
type gatedMessages struct {
	*repositories.MessageRepo
	user    string
	stored  chan struct{}
	release chan struct{}
}

func (g *gatedMessages) AddReaction(ctx context.Context, messageID, emoji, userID string, at time.Time) ([]string, bool, error) {
	users, added, err := g.MessageRepo.AddReaction(ctx, messageID, emoji, userID, at)
	if userID == g.user {
		close(g.stored)
		<-g.release
	}
	return users, added, err
}

func TestConcurrentReactionsBroadcastInStoredOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "g1", models.ChatGroup, "alice", "bob", "carol")
	f.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	gated := &gatedMessages{MessageRepo: f.messages, user: "bob", stored: make(chan struct{}), release: make(chan struct{})}
	f.hub = NewHub(Deps{Chats: f.chats, Messages: gated, Users: f.users, Notifier: f.notifier, Logger: quietLogger()}, testConfig())
	t.Cleanup(f.hub.Close)
	ctx := context.Background()

	a, b, c := f.connect(alice), f.connect(bob), f.connect(carol)
	_, err := f.hub.Join(ctx, a, "g1")
	require.NoError(t, err)
	m, err := f.hub.Send(ctx, a, SendRequest{ChatID: "g1", Content: "pizza?"})
	require.NoError(t, err)
	drain(a)

	bobDone := make(chan error, 1)
	go func() {
		_, err := f.hub.React(ctx, b, "g1", m.ID, "🍕")
		bobDone <- err
	}()
	<-gated.stored

	carolDone := make(chan error, 1)
	go func() {
		_, err := f.hub.React(ctx, c, "g1", m.ID, "🍕")
		carolDone <- err
	}()
	select {
	case <-carolDone:
		t.Fatal("carol's reaction finished while bob's was still being broadcast")
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.release)
	require.NoError(t, <-bobDone)
	require.NoError(t, <-carolDone)

	first := decode[models.ReactionUpdate](t, nextFrame(t, a, models.EventReaction))
	assert.Equal(t, []string{"bob"}, first.Users)
	last := decode[models.ReactionUpdate](t, nextFrame(t, a, models.EventReaction))
	assert.ElementsMatch(t, []string{"bob", "carol"}, last.Users)
	noFrame(t, a, models.EventReaction, 50*time.Millisecond)
}

func TestChatScenario(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "C", models.ChatIndividual, "alice", "bob")
	ctx := context.Background()
	epoch := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	at := func(ms int) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

	a, b := f.connect(alice), f.connect(bob)
	for _, c := range []*Client{a, b} {
		_, err := f.hub.Join(ctx, c, "C")
		require.NoError(t, err)
	}

	f.hub.now = func() time.Time { return at(100) }
	m1, err := f.hub.Send(ctx, a, SendRequest{ChatID: "C", Content: "hi"})
	require.NoError(t, err)
	got := decode[models.Message](t, nextFrame(t, b, models.EventMessage))
	assert.Equal(t, m1.ID, got.ID)
	assert.Equal(t, "alice", got.SenderID)

	drain(a)
	_, err = f.hub.MarkRead(ctx, b, "C", m1.ID)
	require.NoError(t, err)
	receipt := decode[models.ReadReceipt](t, nextFrame(t, a, models.EventRead))
	assert.Equal(t, "bob", receipt.By)
	_, err = f.hub.MarkRead(ctx, b, "C", m1.ID)
	require.NoError(t, err)
	noFrame(t, a, models.EventRead, 50*time.Millisecond)

	drain(b)
	f.hub.Unregister(a)
	snapshot := decode[[]models.Presence](t, nextFrame(t, b, models.EventPresence))
	online, _ := onlineOf(snapshot, "alice")
	assert.False(t, online)

	f.hub.now = func() time.Time { return at(200) }
	f.notifier.On("Notify", mock.Anything, "alice", mock.MatchedBy(func(n models.Notification) bool {
		return n.Type == "message" && n.From == "bob" && n.Text == "hello" && n.ChatID == "C"
	})).Return(nil).Once()
	m2, err := f.hub.Send(ctx, b, SendRequest{ChatID: "C", Content: "hello"})
	require.NoError(t, err)
	f.notifier.AssertExpectations(t)

	participants, err := f.chats.ListParticipants(ctx, "C")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, participants)

	page, err := f.hub.History(ctx, bob, "C", models.Cursor{Before: at(150)}, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, m1.ID, page[0].ID)

	page, err = f.hub.History(ctx, bob, "C", models.Cursor{Before: at(200)}, 10)
	require.NoError(t, err)
	require.Len(t, page, 1, "cursor excludes equal timestamps")

	page, err = f.hub.History(ctx, bob, "C", models.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []string{m1.ID, m2.ID}, []string{page[0].ID, page[1].ID})
	assert.Equal(t, []string{"bob"}, page[0].ReadBy)
}

func TestOnlineUnsubscribedParticipantGetsLiveNotification(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")
	ctx := context.Background()

	a := f.connect(alice)
	b := f.connect(bob)
	_, err := f.hub.Join(ctx, a, "c1")
	require.NoError(t, err)

	msg, err := f.hub.Send(ctx, a, SendRequest{ChatID: "c1", Content: "are you there?"})
	require.NoError(t, err)

	n := decode[models.Notification](t, nextFrame(t, b, models.EventNotification))
	assert.Equal(t, msg.ID, n.MessageID)
	assert.Equal(t, "are you there?", n.Text)
	noFrame(t, b, models.EventMessage, 50*time.Millisecond)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 4
	f := newFixture(t, cfg)
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")
	ctx := context.Background()

	sender := f.hub.NewClient(alice)
	slow := f.connect(bob)
	_, err := f.hub.Join(ctx, slow, "c1")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := f.hub.Send(ctx, sender, SendRequest{ChatID: "c1", Content: "flood"})
		require.NoError(t, err)
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client was not closed")
	}
	assert.LessOrEqual(t, len(slow.Outbound()), cfg.QueueSize)
}

func TestSendPersistenceFailureIsRetryable(t *testing.T) {
	chats := &mocks.ChatRepositoryMock{}
	messages := &mocks.MessageRepositoryMock{}
	users := &mocks.UserRepositoryMock{}
	users.On("UpsertUser", mock.Anything, mock.Anything).Return(nil).Maybe()
	users.On("SetOnline", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	users.On("TouchLastSeen", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	hub := NewHub(Deps{Chats: chats, Messages: messages, Users: users, Logger: quietLogger()}, testConfig())
	t.Cleanup(hub.Close)
	ctx := context.Background()

	chat := models.Chat{ID: "c1", Type: models.ChatIndividual, Participants: []string{"alice", "bob"}}
	chats.On("GetChat", mock.Anything, "c1").Return(chat, nil)

	a := hub.NewClient(alice)
	b := hub.NewClient(bob)
	hub.Register(b)
	_, err := hub.Join(ctx, b, "c1")
	require.NoError(t, err)

	messages.On("SaveMessage", mock.Anything, mock.Anything).Return(errors.New("connection reset")).Once()
	_, err = hub.Send(ctx, a, SendRequest{ChatID: "c1", Content: "hi"})
	require.ErrorIs(t, err, errs.ErrUnavailable)
	assert.True(t, errs.Retryable(err))
	noFrame(t, b, models.EventMessage, 50*time.Millisecond)

	messages.On("SaveMessage", mock.Anything, mock.Anything).Return(nil).Once()
	msg, err := hub.Send(ctx, a, SendRequest{ChatID: "c1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
	messages.AssertNumberOfCalls(t, "SaveMessage", 2)
}

func TestDirectoryErrorsAreTyped(t *testing.T) {
	chats := &mocks.ChatRepositoryMock{}
	hub := NewHub(Deps{Chats: chats, Messages: &mocks.MessageRepositoryMock{}, Logger: quietLogger()}, testConfig())
	t.Cleanup(hub.Close)

	chats.On("GetChat", mock.Anything, "c1").Return(nil, errors.New("db down"))
	_, err := hub.Join(context.Background(), hub.NewClient(alice), "c1")
	require.ErrorIs(t, err, errs.ErrUnavailable)
}
