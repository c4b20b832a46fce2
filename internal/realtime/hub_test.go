package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"realtime-chat/internal/config"
	"realtime-chat/internal/db"
	"realtime-chat/internal/mocks"
	"realtime-chat/internal/models"
	"realtime-chat/internal/repositories"
)

var (
	alice = models.Identity{ID: "alice", Name: "Alice"}
	bob   = models.Identity{ID: "bob", Name: "Bob"}
	carol = models.Identity{ID: "carol", Name: "Carol"}
)

var _ Notifier = (*mocks.NotifierMock)(nil)

type fixture struct {
	hub      *Hub
	chats    *repositories.ChatRepo
	messages *repositories.MessageRepo
	users    *repositories.UserRepo
	notifier *mocks.NotifierMock
}

func testConfig() config.Realtime {
	cfg := config.Default().Realtime
	cfg.TypingTTL = 0
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, cfg config.Realtime) *fixture {
	t.Helper()
	database := db.OpenTest(t)
	f := &fixture{
		chats:    repositories.NewChatRepo(database),
		messages: repositories.NewMessageRepo(database),
		users:    repositories.NewUserRepo(database),
		notifier: &mocks.NotifierMock{},
	}
	f.hub = NewHub(Deps{
		Chats:    f.chats,
		Messages: f.messages,
		Users:    f.users,
		Notifier: f.notifier,
		Logger:   quietLogger(),
	}, cfg)
	t.Cleanup(f.hub.Close)
	return f
}

func (f *fixture) chat(t *testing.T, id string, chatType models.ChatType, creator string, others ...string) {
	t.Helper()
	chat, err := models.NewChat(id, chatType, "", creator, others, time.Now())
	require.NoError(t, err)
	_, err = f.chats.CreateChat(context.Background(), chat)
	require.NoError(t, err)
}

func (f *fixture) connect(identity models.Identity) *Client {
	c := f.hub.NewClient(identity)
	f.hub.Register(c)
	return c
}

// nextFrame returns the next frame of eventType, skipping others.
func nextFrame(t *testing.T, c *Client, eventType string) models.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case raw := <-c.Outbound():
			var frame models.Frame
			require.NoError(t, json.Unmarshal(raw, &frame))
			if frame.Type == eventType {
				return frame
			}
		case <-timeout:
			t.Fatalf("no %s frame for %s", eventType, c.identity.ID)
		}
	}
}

// noFrame fails if a frame of eventType is queued for c.
func noFrame(t *testing.T, c *Client, eventType string, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case raw := <-c.Outbound():
			var frame models.Frame
			require.NoError(t, json.Unmarshal(raw, &frame))
			require.NotEqual(t, eventType, frame.Type, "unexpected %s frame: %s", eventType, frame.Payload)
		case <-timeout:
			return
		}
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.Outbound():
		default:
			return
		}
	}
}

func decode[T any](t *testing.T, frame models.Frame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(frame.Payload, &out))
	return out
}
