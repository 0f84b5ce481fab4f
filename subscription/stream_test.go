package subscription

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/chatstore"
	mock_chatstore "github.com/mqy/minichat/chatstore/mock"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func msg(id string, sec int) *chatstore.Message {
	return &chatstore.Message{
		ID:         id,
		RoomID:     "r1",
		AuthorID:   "bob",
		AuthorName: "Bob",
		Kind:       chatstore.KindText,
		Body:       "body of " + id,
		CreatedAt:  t0.Add(time.Duration(sec) * time.Second),
	}
}

// expectQuery makes the mock store serve a live query fed by the returned channel.
func expectQuery(store *mock_chatstore.MockIMessageStore, limit int) chan *chatstore.Batch {
	batches := make(chan *chatstore.Batch, 8)
	store.EXPECT().Query(gomock.Any(), "r1", limit).DoAndReturn(
		func(ctx context.Context, roomID string, limit int) (<-chan *chatstore.Batch, error) {
			return batches, nil
		})
	return batches
}

func recv(t *testing.T, c <-chan *chatstore.Snapshot) *chatstore.Snapshot {
	t.Helper()
	select {
	case s, ok := <-c:
		require.True(t, ok, "listener closed")
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting snapshot")
	}
	return nil
}

func ids(messages []*chatstore.Message) []string {
	var out []string
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func TestStreamOrderAndDiff(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	batches := expectQuery(store, 50)
	m := NewManager(store)

	s, err := m.Subscribe(context.Background(), "r1", 50)
	require.NoError(t, err)
	defer s.Cancel()
	c := s.Listen()
	s.Start()

	// DESC from store, with a created_at tie between b and c.
	batches <- &chatstore.Batch{Messages: []*chatstore.Message{msg("c", 2), msg("b", 2), msg("a", 1)}}
	snap := recv(t, c)
	assert.True(t, snap.IsInitial)
	assert.Equal(t, int64(1), snap.Seq)
	assert.Equal(t, []string{"a", "b", "c"}, ids(snap.Messages))
	assert.Equal(t, []string{"a", "b", "c"}, snap.Added)

	batches <- &chatstore.Batch{Messages: []*chatstore.Message{msg("e", 4), msg("d", 3), msg("c", 2), msg("b", 2), msg("a", 1)}}
	snap = recv(t, c)
	assert.False(t, snap.IsInitial)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(snap.Messages))
	assert.Equal(t, []string{"d", "e"}, snap.Added)

	// Redelivery of the same content adds nothing.
	batches <- &chatstore.Batch{Messages: []*chatstore.Message{msg("e", 4), msg("d", 3), msg("c", 2), msg("b", 2), msg("a", 1)}}
	snap = recv(t, c)
	assert.Empty(t, snap.Added)
	assert.Equal(t, int64(3), snap.Seq)
}

func TestStreamEmptyRoom(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	batches := expectQuery(store, 50)
	s, err := NewManager(store).Subscribe(context.Background(), "r1", 50)
	require.NoError(t, err)
	defer s.Cancel()
	c := s.Listen()
	s.Start()

	batches <- &chatstore.Batch{}
	snap := recv(t, c)
	assert.True(t, snap.IsInitial)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Added)
}

func TestStreamTruncatesToLimit(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	batches := expectQuery(store, 3)
	s, err := NewManager(store).Subscribe(context.Background(), "r1", 3)
	require.NoError(t, err)
	defer s.Cancel()
	c := s.Listen()
	s.Start()

	var batch []*chatstore.Message
	for i := 5; i > 0; i-- {
		batch = append(batch, msg(fmt.Sprintf("m%d", i), i))
	}
	batches <- &chatstore.Batch{Messages: batch}
	snap := recv(t, c)
	assert.Equal(t, []string{"m3", "m4", "m5"}, ids(snap.Messages))

	batches <- &chatstore.Batch{Messages: append([]*chatstore.Message{msg("m6", 6)}, batch...)}
	snap = recv(t, c)
	assert.Equal(t, []string{"m4", "m5", "m6"}, ids(snap.Messages))
	assert.Equal(t, []string{"m6"}, snap.Added)
}

func TestStreamFanOut(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	batches := expectQuery(store, 50)
	s, err := NewManager(store).Subscribe(context.Background(), "r1", 50)
	require.NoError(t, err)
	defer s.Cancel()

	latest := s.ListenLatest()
	lossless := s.Listen()
	s.Start()

	var batch []*chatstore.Message
	for i := 1; i <= 3; i++ {
		batch = append([]*chatstore.Message{msg(fmt.Sprintf("m%d", i), i)}, batch...)
		batches <- &chatstore.Batch{Messages: batch}
	}

	for i := 1; i <= 3; i++ {
		snap := recv(t, lossless)
		assert.Equal(t, int64(i), snap.Seq)
	}

	// The conflating listener only keeps the newest.
	snap := recv(t, latest)
	assert.Equal(t, int64(3), snap.Seq)
	select {
	case v := <-latest:
		t.Fatalf("unexpected pending snapshot %d", v.Seq)
	default:
	}
}

func TestResubscribeCancelsPrior(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	m := NewManager(store)

	expectQuery(store, 50)
	first, err := m.Subscribe(context.Background(), "r1", 50)
	require.NoError(t, err)
	c1 := first.Listen()
	first.Start()

	second, err := m.Subscribe(context.Background(), "r1", 50)
	require.NoError(t, err)
	defer second.Cancel()

	select {
	case <-first.Done():
	default:
		t.Fatal("prior stream should be done")
	}
	_, ok := <-c1
	assert.False(t, ok)
	assert.NoError(t, first.Err())
	assert.Same(t, second, m.Active("r1"))
}

func TestCancelIdempotent(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	batches := expectQuery(store, 50)
	m := NewManager(store)
	s, err := m.Subscribe(context.Background(), "r1", 50)
	require.NoError(t, err)
	c := s.Listen()
	s.Start()

	batches <- &chatstore.Batch{Messages: []*chatstore.Message{msg("a", 1)}}
	recv(t, c)

	s.Cancel()
	s.Cancel()
	assert.Nil(t, m.Active("r1"))

	batches <- &chatstore.Batch{Messages: []*chatstore.Message{msg("b", 2), msg("a", 1)}}
	_, ok := <-c
	assert.False(t, ok, "no snapshot after cancel")

	// Listeners registered after the end get a closed channel.
	_, ok = <-s.Listen()
	assert.False(t, ok)
}

func TestCancelBeforeStart(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	m := NewManager(store)
	s, err := m.Subscribe(context.Background(), "r1", 50)
	require.NoError(t, err)
	c := s.Listen()
	s.Cancel()
	s.Start() // no query

	_, ok := <-c
	assert.False(t, ok)
	assert.Nil(t, m.Active("r1"))
}

func TestStreamError(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	batches := expectQuery(store, 50)
	m := NewManager(store)
	s, err := m.Subscribe(context.Background(), "r1", 50)
	require.NoError(t, err)
	c := s.Listen()
	s.Start()

	boom := errors.New("permission denied")
	batches <- &chatstore.Batch{Err: boom}

	_, ok := <-c
	assert.False(t, ok)
	<-s.Done()
	assert.ErrorIs(t, s.Err(), boom)
	assert.Nil(t, m.Active("r1"))
	s.Cancel() // still safe
}

func TestStreamStoreClosed(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	batches := expectQuery(store, 50)
	s, err := NewManager(store).Subscribe(context.Background(), "r1", 50)
	require.NoError(t, err)
	s.Start()

	close(batches)
	<-s.Done()
	assert.ErrorIs(t, s.Err(), ErrStoreClosed)
}

func TestQueryError(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	boom := errors.New("no connection")
	store.EXPECT().Query(gomock.Any(), "r1", 50).Return(nil, boom)
	s, err := NewManager(store).Subscribe(context.Background(), "r1", 50)
	require.NoError(t, err)
	s.Start()
	<-s.Done()
	assert.ErrorIs(t, s.Err(), boom)
}

func TestSubscribeInvalid(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	m := NewManager(mock_chatstore.NewMockIMessageStore(mockCtrl))
	_, err := m.Subscribe(context.Background(), "", 50)
	assert.Error(t, err)
	_, err = m.Subscribe(context.Background(), "r1", 0)
	assert.Error(t, err)
	_, err = m.Subscribe(context.Background(), "r1", MaxLimit+1)
	assert.Error(t, err)
}

func TestParentContextDone(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store := mock_chatstore.NewMockIMessageStore(mockCtrl)
	expectQuery(store, 50)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := NewManager(store).Subscribe(ctx, "r1", 50)
	require.NoError(t, err)
	s.Start()

	cancel()
	<-s.Done()
	assert.NoError(t, s.Err())
}
