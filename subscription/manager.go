package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
)

const MaxLimit = 500

var ErrStoreClosed = errors.New("live query closed by store")

// Manager owns live queries, at most one per room.
type Manager struct {
	sync.Mutex
	store   chatstore.IMessageStore
	streams map[string]*Stream
}

func NewManager(store chatstore.IMessageStore) *Manager {
	return &Manager{
		store:   store,
		streams: make(map[string]*Stream),
	}
}

// Subscribe creates the stream of the room, cancelling the prior one first.
// Register listeners, then call `Start`.
func (m *Manager) Subscribe(ctx context.Context, roomID string, limit int) (*Stream, error) {
	if roomID == "" {
		return nil, fmt.Errorf("subscribe: room id is required")
	}
	if limit <= 0 || limit > MaxLimit {
		return nil, fmt.Errorf("subscribe: limit %d out of range [1, %d]", limit, MaxLimit)
	}

	m.Lock()
	prior := m.streams[roomID]
	m.Unlock()
	if prior != nil {
		glog.Infof("subscribe: cancel prior stream of room %s", roomID)
		prior.Cancel()
	}

	s := newStream(ctx, m, roomID, limit)

	m.Lock()
	if cur := m.streams[roomID]; cur != nil && cur != prior {
		// A concurrent Subscribe won, replace it as well.
		m.Unlock()
		cur.Cancel()
		m.Lock()
	}
	m.streams[roomID] = s
	m.Unlock()

	activeStreams.Inc()
	return s, nil
}

// Active returns the current stream of the room, or nil.
func (m *Manager) Active(roomID string) *Stream {
	m.Lock()
	defer m.Unlock()
	return m.streams[roomID]
}

func (m *Manager) remove(s *Stream) {
	m.Lock()
	if m.streams[s.roomID] == s {
		delete(m.streams, s.roomID)
	}
	m.Unlock()
}

// Close cancels all streams.
func (m *Manager) Close() {
	m.Lock()
	slice := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		slice = append(slice, s)
	}
	m.Unlock()

	for _, s := range slice {
		s.Cancel()
	}
}
