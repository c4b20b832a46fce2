package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-chat/internal/models"
)

func onlineOf(snapshot []models.Presence, id string) (bool, bool) {
	for _, p := range snapshot {
		if p.ID == id {
			return p.Online, true
		}
	}
	return false, false
}

func TestPresenceCollapsesDevices(t *testing.T) {
	f := newFixture(t, testConfig())

	phone := f.connect(alice)
	laptop := f.connect(alice)
	watcher := f.connect(bob)

	snapshot := f.hub.SnapshotPresence()
	require.Len(t, snapshot, 2)
	assert.Equal(t, []models.Presence{{ID: "alice", Name: "Alice", Online: true}, {ID: "bob", Name: "Bob", Online: true}}, snapshot)

	f.hub.Unregister(phone)
	assert.True(t, f.hub.Online("alice"))

	drain(watcher)
	f.hub.Unregister(laptop)
	assert.False(t, f.hub.Online("alice"))

	update := decode[[]models.Presence](t, nextFrame(t, watcher, models.EventPresence))
	online, known := onlineOf(update, "alice")
	assert.True(t, known)
	assert.False(t, online)

	// a second unregister is a no-op
	drain(watcher)
	f.hub.Unregister(laptop)
	noFrame(t, watcher, models.EventPresence, 50*time.Millisecond)
}

func TestPresencePersistsOnlineAndLastSeen(t *testing.T) {
	f := newFixture(t, testConfig())

	c := f.connect(alice)
	f.hub.Unregister(c)
	f.hub.Close()

	user, err := f.users.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", user.Name)
	assert.False(t, user.Online)
	assert.False(t, user.LastSeenAt.IsZero())
}

func TestPresenceBroadcastReachesEveryone(t *testing.T) {
	f := newFixture(t, testConfig())

	a := f.connect(alice)
	drain(a)
	f.connect(carol)

	update := decode[[]models.Presence](t, nextFrame(t, a, models.EventPresence))
	online, known := onlineOf(update, "carol")
	assert.True(t, known)
	assert.True(t, online)
}

func TestDisconnectAllPersistsOffline(t *testing.T) {
	f := newFixture(t, testConfig())
	f.chat(t, "c1", models.ChatIndividual, "alice", "bob")

	phone, laptop, b := f.connect(alice), f.connect(alice), f.connect(bob)
	_, err := f.hub.Join(context.Background(), b, "c1")
	require.NoError(t, err)

	f.hub.DisconnectAll()
	for _, c := range []*Client{phone, laptop, b} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("client %s still open", c.identity.ID)
		}
	}
	assert.False(t, f.hub.Online("alice"))
	assert.False(t, f.hub.Online("bob"))
	assert.Empty(t, f.hub.MembersOf("c1"))

	f.hub.Close()
	for _, id := range []string{"alice", "bob"} {
		user, err := f.users.GetUser(context.Background(), id)
		require.NoError(t, err)
		assert.False(t, user.Online, id)
		assert.False(t, user.LastSeenAt.IsZero(), id)
	}
}
