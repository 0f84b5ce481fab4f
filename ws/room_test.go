package ws

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/notify"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/room"
	"github.com/mqy/minichat/store"
	"github.com/mqy/minichat/subscription"
)

// A hub over a real room session on an empty sqlite room.
func newRoomEnv(t *testing.T) *testEnv {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	feed := store.NewLocalFeed()
	messages := store.NewMessageStore(db, store.SQLite, feed)
	require.NoError(t, messages.EnsureSchema(context.Background()))

	env := &testEnv{
		composer: &fakeComposer{},
		tracker:  presence.New(),
	}
	env.hub = NewHub(&auth.MockClient{}, NewApi(env.composer, env.tracker), 5)

	ctx, cancel := context.WithCancel(context.Background())
	mgr := subscription.NewManager(messages)
	sess, err := room.Open(ctx, mgr, env.tracker, env.hub, room.Config{
		RoomID:      "r1",
		Window:      chatstore.DefaultWindow,
		LocalUserID: "alice",
		Settings:    notify.DefaultSettings(),
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/ws", env.hub)
	env.srv = httptest.NewServer(mux)

	stopDoneC := make(chan struct{}, 1)
	go env.hub.Run(ctx, sess, stopDoneC)
	require.Eventually(t, env.hub.online.Load, time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		<-stopDoneC
		sess.Close()
		mgr.Close()
		feed.Close()
		env.srv.Close()
	})
	return env
}

func TestEmptyRoomEndsLoading(t *testing.T) {
	env := newRoomEnv(t)
	conn := env.dial(t, "alice")

	// The placeholder frame may come first, the room snapshot must not load.
	var msg *ServerMsg
	for i := 0; i < 2; i++ {
		msg = readMsg(t, conn)
		require.NotNil(t, msg.Snapshot)
		if msg.Snapshot.Snapshot != nil {
			break
		}
		assert.True(t, msg.Snapshot.Loading)
	}
	require.NotNil(t, msg.Snapshot.Snapshot)
	assert.False(t, msg.Snapshot.Loading)
	assert.True(t, msg.Snapshot.IsInitial)
	assert.Empty(t, msg.Snapshot.Messages)

	late := env.dial(t, "alice")
	msg = readMsg(t, late)
	require.NotNil(t, msg.Snapshot)
	require.NotNil(t, msg.Snapshot.Snapshot)
	assert.False(t, msg.Snapshot.Loading)
}
