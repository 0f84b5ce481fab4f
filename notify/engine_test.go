package notify

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/presence"
)

const me = "alice"

var (
	t0         = time.UnixMilli(1_700_000_000_000)
	background = presence.Snapshot{AppState: presence.Background}
	viewing    = presence.Snapshot{AppState: presence.Active, OnConversationScreen: true}
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func message(id, author string, sec int) *chatstore.Message {
	return &chatstore.Message{
		ID:         id,
		RoomID:     "r1",
		AuthorID:   author,
		AuthorName: strings.ToUpper(author[:1]) + author[1:],
		Kind:       chatstore.KindText,
		Body:       "hello from " + author,
		CreatedAt:  t0.Add(time.Duration(sec) * time.Second),
	}
}

// session replays a subscription: it keeps the window and computes the
// added ids the way the subscription manager does.
type session struct {
	seq      int64
	messages []*chatstore.Message
}

func (s *session) next(added ...*chatstore.Message) *chatstore.Snapshot {
	s.seq++
	s.messages = append(s.messages, added...)
	var ids []string
	for _, m := range added {
		ids = append(ids, m.ID)
	}
	return chatstore.NewSnapshot("r1", s.seq, s.messages, ids)
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	e, err := NewEngine(me, 50, DefaultSettings(), opts...)
	require.NoError(t, err)
	return e
}

func TestNewEngineInvalid(t *testing.T) {
	_, err := NewEngine("", 50, DefaultSettings())
	assert.Error(t, err)
	_, err = NewEngine(me, 0, DefaultSettings())
	assert.Error(t, err)
}

func TestInitialSnapshotNeverNotifies(t *testing.T) {
	e := newEngine(t)
	assert.Equal(t, AwaitingInitialSnapshot, e.State())

	var prior []*chatstore.Message
	for i := 0; i < 20; i++ {
		prior = append(prior, message(fmt.Sprintf("m%02d", i), "bob", i))
	}
	s := &session{}
	assert.Empty(t, e.OnSnapshot(s.next(prior...), background))
	assert.Equal(t, Armed, e.State())
}

func TestScenarioEmptyRoom(t *testing.T) {
	e := newEngine(t)
	s := &session{}
	snap := s.next()
	assert.True(t, snap.IsInitial)
	assert.Empty(t, e.OnSnapshot(snap, background))
}

func TestScenarioOtherUserPosts(t *testing.T) {
	e := newEngine(t)
	s := &session{}
	var prior []*chatstore.Message
	for i := 0; i < 20; i++ {
		prior = append(prior, message(fmt.Sprintf("m%02d", i), "bob", i))
	}
	require.Empty(t, e.OnSnapshot(s.next(prior...), background))

	hello := message("m20", "bob", 20)
	hello.AuthorName = "otherUser"
	hello.Body = "hello"
	out := e.OnSnapshot(s.next(hello), background)
	require.Len(t, out, 1)
	assert.Equal(t, "otherUser", out[0].Title)
	assert.Equal(t, "hello", out[0].Body)
	assert.Equal(t, map[string]string{"type": "chat", "messageId": "m20", "roomId": "r1"}, out[0].Data)
}

func TestScenarioSelfAndViewing(t *testing.T) {
	e := newEngine(t)
	s := &session{}
	e.OnSnapshot(s.next(), viewing)

	out := e.OnSnapshot(s.next(message("a", me, 1), message("b", "bob", 2)), viewing)
	assert.Empty(t, out)
}

func TestOwnMessagesNeverNotify(t *testing.T) {
	e := newEngine(t)
	s := &session{}
	e.OnSnapshot(s.next(), background)
	for _, p := range []presence.Snapshot{background, viewing, {}, {AppState: presence.Background, OnConversationScreen: true}} {
		assert.Empty(t, e.OnSnapshot(s.next(message(fmt.Sprintf("own-%d", s.seq), me, int(s.seq))), p))
	}
}

func TestPresenceRule(t *testing.T) {
	cases := []struct {
		p      presence.Snapshot
		notify bool
	}{
		{presence.Snapshot{AppState: presence.Active, OnConversationScreen: true}, false},
		{presence.Snapshot{AppState: presence.Active, OnConversationScreen: false}, true},
		{presence.Snapshot{AppState: presence.Background, OnConversationScreen: true}, true},
		{presence.Snapshot{AppState: presence.Background, OnConversationScreen: false}, true},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s/%v", c.p.AppState, c.p.OnConversationScreen), func(t *testing.T) {
			e := newEngine(t)
			s := &session{}
			e.OnSnapshot(s.next(), c.p)
			out := e.OnSnapshot(s.next(message("x", "bob", 1)), c.p)
			if c.notify {
				assert.Len(t, out, 1)
			} else {
				assert.Empty(t, out)
			}
		})
	}
}

func TestIdempotent(t *testing.T) {
	e := newEngine(t)
	s := &session{}
	e.OnSnapshot(s.next(), background)

	m := message("x", "bob", 1)
	assert.Len(t, e.OnSnapshot(s.next(m), background), 1)

	// Same id reported as added again, e.g. after it left and re-entered the window.
	again := chatstore.NewSnapshot("r1", s.seq+1, []*chatstore.Message{m}, []string{"x"})
	assert.Empty(t, e.OnSnapshot(again, background))
}

func TestSuppressedIdStaysProcessed(t *testing.T) {
	e := newEngine(t)
	s := &session{}
	e.OnSnapshot(s.next(), viewing)

	m := message("x", "bob", 1)
	assert.Empty(t, e.OnSnapshot(s.next(m), viewing))

	again := chatstore.NewSnapshot("r1", s.seq+1, []*chatstore.Message{m}, []string{"x"})
	assert.Empty(t, e.OnSnapshot(again, background))
}

func TestMultipleAddedInOrder(t *testing.T) {
	e := newEngine(t)
	s := &session{}
	e.OnSnapshot(s.next(), background)

	out := e.OnSnapshot(s.next(message("a", "bob", 1), message("b", "carol", 2)), background)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Data["messageId"])
	assert.Equal(t, "b", out[1].Data["messageId"])
	assert.Equal(t, "Carol", out[1].Title)
}

func TestTitleAndBodyFallback(t *testing.T) {
	e := newEngine(t)
	s := &session{}
	e.OnSnapshot(s.next(), background)

	m := message("img", "bob", 1)
	m.AuthorName = ""
	m.Kind = chatstore.KindImage
	m.Body = ""
	m.Attachment = &chatstore.Attachment{URL: "http://blob/r1/bob_1.png", MimeType: "image/png"}

	out := e.OnSnapshot(s.next(m), background)
	require.Len(t, out, 1)
	assert.Equal(t, "bob", out[0].Title)
	assert.Equal(t, AttachmentBody, out[0].Body)
}

func TestCancel(t *testing.T) {
	e := newEngine(t)
	s := &session{}
	e.OnSnapshot(s.next(), background)
	e.Cancel()
	assert.Equal(t, Cancelled, e.State())
	assert.Empty(t, e.OnSnapshot(s.next(message("x", "bob", 1)), background))
	e.Cancel()
}

func TestDisabled(t *testing.T) {
	e := newEngine(t)
	s := &session{}
	e.OnSnapshot(s.next(), background)

	e.SetSettings(Settings{Enabled: false})
	assert.Empty(t, e.OnSnapshot(s.next(message("x", "bob", 1)), background))

	// Ids seen while disabled are not replayed after enabling.
	e.SetSettings(DefaultSettings())
	again := chatstore.NewSnapshot("r1", s.seq+1, s.messages, []string{"x"})
	assert.Empty(t, e.OnSnapshot(again, background))
	assert.Len(t, e.OnSnapshot(s.next(message("y", "bob", 2)), background), 1)
}

func TestTruncateBody(t *testing.T) {
	e := newEngine(t)
	e.SetSettings(Settings{Enabled: true, MaxBodyRunes: 5})
	s := &session{}
	e.OnSnapshot(s.next(), background)

	m := message("x", "bob", 1)
	m.Body = "héllo wörld"
	out := e.OnSnapshot(s.next(m), background)
	require.Len(t, out, 1)
	assert.Equal(t, "héllo...", out[0].Body)

	assert.Equal(t, "short", truncate("short", 5))
	assert.Equal(t, "any", truncate("any", 0))
}

func TestSenderThrottle(t *testing.T) {
	clock := &fakeClock{t: t0}
	e := newEngine(t, WithClock(clock.now))
	e.SetSettings(Settings{Enabled: true, SenderThrottle: 3 * time.Second})
	s := &session{}
	e.OnSnapshot(s.next(), background)

	assert.Len(t, e.OnSnapshot(s.next(message("a", "bob", 1)), background), 1)

	clock.t = clock.t.Add(time.Second)
	assert.Empty(t, e.OnSnapshot(s.next(message("b", "bob", 2)), background))
	assert.Len(t, e.OnSnapshot(s.next(message("c", "carol", 3)), background), 1)

	clock.t = clock.t.Add(3 * time.Second)
	assert.Len(t, e.OnSnapshot(s.next(message("d", "bob", 4)), background), 1)
}

func TestRateLimit(t *testing.T) {
	clock := &fakeClock{t: t0}
	e := newEngine(t, WithClock(clock.now))
	e.SetSettings(Settings{Enabled: true, RateLimit: RateLimit{Max: 2, Per: time.Minute}})
	s := &session{}
	e.OnSnapshot(s.next(), background)

	out := e.OnSnapshot(s.next(message("a", "bob", 1), message("b", "carol", 2), message("c", "dave", 3)), background)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Data["messageId"])
	assert.Equal(t, "b", out[1].Data["messageId"])

	// One slot comes back every 30s.
	clock.t = clock.t.Add(10 * time.Second)
	assert.Empty(t, e.OnSnapshot(s.next(message("d", "bob", 4)), background))

	clock.t = clock.t.Add(21 * time.Second)
	out = e.OnSnapshot(s.next(message("e", "bob", 5), message("f", "carol", 6)), background)
	require.Len(t, out, 1)
	assert.Equal(t, "e", out[0].Data["messageId"])
}

func TestRateLimitedMessageKeepsSenderSlot(t *testing.T) {
	clock := &fakeClock{t: t0}
	e := newEngine(t, WithClock(clock.now))
	e.SetSettings(Settings{
		Enabled:        true,
		SenderThrottle: 30 * time.Second,
		RateLimit:      RateLimit{Max: 1, Per: 2 * time.Second},
	})
	s := &session{}
	e.OnSnapshot(s.next(), background)

	assert.Len(t, e.OnSnapshot(s.next(message("a", "carol", 1)), background), 1)
	// bob is rate limited, not throttled: his next message alerts as soon as
	// the global slot is back.
	assert.Empty(t, e.OnSnapshot(s.next(message("b", "bob", 2)), background))

	clock.t = clock.t.Add(2 * time.Second)
	assert.Len(t, e.OnSnapshot(s.next(message("c", "bob", 3)), background), 1)
}

func TestSetSettingsResetsLimits(t *testing.T) {
	clock := &fakeClock{t: t0}
	e := newEngine(t, WithClock(clock.now))
	e.SetSettings(Settings{Enabled: true, SenderThrottle: time.Hour})
	s := &session{}
	e.OnSnapshot(s.next(), background)

	assert.Len(t, e.OnSnapshot(s.next(message("a", "bob", 1)), background), 1)
	assert.Empty(t, e.OnSnapshot(s.next(message("b", "bob", 2)), background))

	e.SetSettings(Settings{Enabled: true, SenderThrottle: time.Second})
	assert.Len(t, e.OnSnapshot(s.next(message("c", "bob", 3)), background), 1)
	assert.Equal(t, time.Second, e.Settings().SenderThrottle)
}
