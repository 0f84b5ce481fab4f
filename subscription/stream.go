package subscription

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
)

// buffer of a lossless listener.
const listenBuffer = 16

type listener struct {
	c      chan *chatstore.Snapshot
	latest bool // conflating: keep the newest pending snapshot only.
}

// Stream delivers ascending snapshots of one room to its listeners.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	mgr    *Manager
	roomID string
	limit  int

	mu        sync.Mutex
	listeners []*listener
	started   bool
	cancelled bool
	finished  bool
	err       error

	// sequence of the last emitted snapshot.
	seq atomic.Int64

	done       chan struct{}
	finishOnce sync.Once
}

func newStream(ctx context.Context, mgr *Manager, roomID string, limit int) *Stream {
	ctx2, cancel := context.WithCancel(ctx)
	return &Stream{
		ctx:    ctx2,
		cancel: cancel,
		mgr:    mgr,
		roomID: roomID,
		limit:  limit,
		done:   make(chan struct{}),
	}
}

func (s *Stream) RoomID() string {
	return s.roomID
}

// Listen registers a lossless listener: every snapshot is delivered, the
// stream waits for a slow listener. Register before `Start` to receive the
// initial snapshot.
func (s *Stream) Listen() <-chan *chatstore.Snapshot {
	return s.addListener(&listener{c: make(chan *chatstore.Snapshot, listenBuffer)})
}

// ListenLatest registers a conflating listener: when it falls behind, older
// pending snapshots are replaced by the newest one.
func (s *Stream) ListenLatest() <-chan *chatstore.Snapshot {
	return s.addListener(&listener{c: make(chan *chatstore.Snapshot, 1), latest: true})
}

func (s *Stream) addListener(l *listener) <-chan *chatstore.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		close(l.c)
		return l.c
	}
	s.listeners = append(s.listeners, l)
	return l.c
}

// Start starts the live query. It is a no-op after the first call or after
// `Cancel`.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.started || s.cancelled {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

// Cancel stops delivery and closes all listeners. When it returns no more
// snapshot is delivered. Safe to call many times.
func (s *Stream) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.cancelled = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.done
	} else {
		s.finish(nil)
	}
}

// Seq returns the sequence of the last snapshot handed to listeners, 0
// before the first one. A listener that received snapshot n sees Seq() >= n.
func (s *Stream) Seq() int64 {
	return s.seq.Load()
}

// Done is closed when the stream ends, by `Cancel` or by error.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, nil when the stream was cancelled.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.err = err
		for _, l := range s.listeners {
			close(l.c)
		}
		s.listeners = nil
		s.mu.Unlock()

		s.cancel()
		s.mgr.remove(s)
		activeStreams.Dec()

		if err != nil {
			streamErrorsTotal.Inc()
			glog.Errorf("stream: room %s terminated: %v", s.roomID, err)
		} else {
			glog.V(5).Infof("stream: room %s cancelled", s.roomID)
		}
		close(s.done)
	})
}

func (s *Stream) run() {
	batches, err := s.mgr.store.Query(s.ctx, s.roomID, s.limit)
	if err != nil {
		if s.ctx.Err() != nil {
			err = nil
		}
		s.finish(wrapErr(err))
		return
	}

	var prev map[string]struct{}
	var seq int64

	for {
		select {
		case <-s.ctx.Done():
			s.finish(nil)
			return
		case b, ok := <-batches:
			if !ok {
				if s.ctx.Err() != nil {
					s.finish(nil)
				} else {
					s.finish(ErrStoreClosed)
				}
				return
			}
			if b.Err != nil {
				s.finish(wrapErr(b.Err))
				return
			}

			seq++
			var snap *chatstore.Snapshot
			snap, prev = diff(s.roomID, seq, s.limit, b.Messages, prev)
			s.seq.Store(seq)
			snapshotsTotal.Inc()
			glog.V(5).Infof("stream: room %s snapshot %d, %d messages, %d added", s.roomID, seq, len(snap.Messages), len(snap.Added))

			if !s.emit(snap) {
				s.finish(nil)
				return
			}
		}
	}
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("live query: %w", err)
}

// emit delivers the snapshot to all listeners, it returns false when the
// stream was cancelled meanwhile.
func (s *Stream) emit(snap *chatstore.Snapshot) bool {
	s.mu.Lock()
	listeners := make([]*listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		if l.latest {
			// Single producer: after dropping the pending value the send succeeds.
			select {
			case l.c <- snap:
			default:
				select {
				case <-l.c:
				default:
				}
				l.c <- snap
			}
			continue
		}

		select {
		case l.c <- snap:
		case <-s.ctx.Done():
			return false
		}
	}
	return true
}

// diff sorts a copy of the batch ascending, keeps the newest `limit`
// messages and computes the ids not present in `prev`.
func diff(roomID string, seq int64, limit int, batch []*chatstore.Message, prev map[string]struct{}) (*chatstore.Snapshot, map[string]struct{}) {
	messages := make([]*chatstore.Message, 0, len(batch))
	ids := make(map[string]struct{}, len(batch))
	for _, m := range batch {
		if _, ok := ids[m.ID]; ok {
			continue
		}
		ids[m.ID] = struct{}{}
		messages = append(messages, m)
	}

	chatstore.SortAscending(messages)
	if len(messages) > limit {
		for _, m := range messages[:len(messages)-limit] {
			delete(ids, m.ID)
		}
		messages = messages[len(messages)-limit:]
	}

	var added []string
	for _, m := range messages {
		if _, ok := prev[m.ID]; !ok {
			added = append(added, m.ID)
		}
	}

	return chatstore.NewSnapshot(roomID, seq, messages, added), ids
}
