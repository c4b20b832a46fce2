package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/errs"
	"realtime-chat/internal/models"
)

func joinAll(t *testing.T, f *fixture, chatID string, clients ...*Client) {
	t.Helper()
	for _, c := range clients {
		_, err := f.hub.Join(context.Background(), c, chatID)
		require.NoError(t, err)
	}
	for _, c := range clients {
		drain(c)
	}
}

func TestTypingExcludesSender(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "g1", models.ChatGroup, "alice", "bob", "carol")
	a, b, c := f.connect(alice), f.connect(bob), f.connect(carol)
	joinAll(t, f, "g1", a, b, c)

	require.NoError(t, f.hub.SetTyping(a, "g1", true))
	for _, other := range []*Client{b, c} {
		update := decode[models.TypingUpdate](t, nextFrame(t, other, models.EventTyping))
		assert.Equal(t, models.TypingUpdate{ChatID: "g1", UserID: "alice", Name: "Alice", Typing: true}, update)
	}
	noFrame(t, a, models.EventTyping, 50*time.Millisecond)
	assert.Equal(t, []string{"alice"}, f.hub.Typing("g1"))

	require.NoError(t, f.hub.SetTyping(a, "g1", false))
	update := decode[models.TypingUpdate](t, nextFrame(t, b, models.EventTyping))
	assert.False(t, update.Typing)
	assert.Empty(t, f.hub.Typing("g1"))
}

func TestTypingRequiresSubscription(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")
	a := f.connect(alice)

	require.ErrorIs(t, f.hub.SetTyping(a, "c1", true), errs.ErrForbidden)
	require.ErrorIs(t, f.hub.SetTyping(a, "", true), errs.ErrInvalidInput)
}

func TestTypingMarkerExpires(t *testing.T) {
	cfg := testConfig()
	cfg.TypingTTL = 40 * time.Millisecond
	f := newFixture(t, cfg)
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")
	a, b := f.connect(alice), f.connect(bob)
	joinAll(t, f, "c1", a, b)

	require.NoError(t, f.hub.SetTyping(a, "c1", true))
	assert.True(t, decode[models.TypingUpdate](t, nextFrame(t, b, models.EventTyping)).Typing)

	expired := decode[models.TypingUpdate](t, nextFrame(t, b, models.EventTyping))
	assert.False(t, expired.Typing)
	assert.Equal(t, "alice", expired.UserID)
	assert.Empty(t, f.hub.Typing("c1"))
}

func TestTypingRefreshKeepsMarker(t *testing.T) {
	cfg := testConfig()
	cfg.TypingTTL = 200 * time.Millisecond
	f := newFixture(t, cfg)
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")
	a, b := f.connect(alice), f.connect(bob)
	joinAll(t, f, "c1", a, b)

	require.NoError(t, f.hub.SetTyping(a, "c1", true))
	time.Sleep(120 * time.Millisecond)
	require.NoError(t, f.hub.SetTyping(a, "c1", true))
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, []string{"alice"}, f.hub.Typing("c1"))
}

func TestDisconnectClearsTyping(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")
	a, b := f.connect(alice), f.connect(bob)
	joinAll(t, f, "c1", a, b)

	require.NoError(t, f.hub.SetTyping(a, "c1", true))
	nextFrame(t, b, models.EventTyping)

	f.hub.Unregister(a)
	update := decode[models.TypingUpdate](t, nextFrame(t, b, models.EventTyping))
	assert.Equal(t, "alice", update.UserID)
	assert.False(t, update.Typing)
	assert.Empty(t, f.hub.Typing("c1"))
}

func TestTypingAfterLeaveIsRejected(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "g1", models.ChatGroup, "alice", "bob")
	a, b := f.connect(alice), f.connect(bob)
	joinAll(t, f, "g1", a, b)

	r := f.hub.existingRoom("g1")
	r.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- f.hub.SetTyping(b, "g1", true) }()
	time.Sleep(50 * time.Millisecond)

	// bob leaves while his typing request waits on the room.
	delete(r.subscribers, b)
	b.mu.Lock()
	delete(b.rooms, "g1")
	b.mu.Unlock()
	r.mu.Unlock()

	require.ErrorIs(t, <-done, errs.ErrForbidden)
	assert.Empty(t, f.hub.Typing("g1"))
	noFrame(t, a, models.EventTyping, 50*time.Millisecond)
}

func TestStaleTypingExpiryKeepsNewMarker(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")
	a, b := f.connect(alice), f.connect(bob)
	joinAll(t, f, "c1", a, b)
	r := f.hub.existingRoom("c1")

	require.NoError(t, f.hub.SetTyping(a, "c1", true))
	r.mu.Lock()
	stale := r.typing["alice"].gen
	r.mu.Unlock()
	require.NoError(t, f.hub.SetTyping(a, "c1", false))
	require.NoError(t, f.hub.SetTyping(a, "c1", true))
	drain(b)

	f.hub.expireTyping(r, "alice", stale)
	assert.Equal(t, []string{"alice"}, f.hub.Typing("c1"))
	noFrame(t, b, models.EventTyping, 50*time.Millisecond)
}
