// Package room runs one room subscription: the UI gets the latest snapshot,
// the decision engine gets every snapshot and raises notifications.
package room

import (
	"context"

	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/notify"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/subscription"
)

type Config struct {
	RoomID      string
	Window      int
	LocalUserID string
	Settings    notify.Settings
}

// Session is an opened room. Close it to stop delivery.
type Session struct {
	roomID     string
	stream     *subscription.Stream
	engine     *notify.Engine
	tracker    *presence.Tracker
	dispatcher *notify.Dispatcher
	snapshots  <-chan *chatstore.Snapshot

	ctx  context.Context
	done chan struct{}
}

func Open(ctx context.Context, mgr *subscription.Manager, tracker *presence.Tracker, notifier chatstore.INotifier, conf Config) (*Session, error) {
	engine, err := notify.NewEngine(conf.LocalUserID, conf.Window, conf.Settings)
	if err != nil {
		return nil, err
	}
	stream, err := mgr.Subscribe(ctx, conf.RoomID, conf.Window)
	if err != nil {
		return nil, err
	}

	s := &Session{
		roomID:     conf.RoomID,
		stream:     stream,
		engine:     engine,
		tracker:    tracker,
		dispatcher: notify.NewDispatcher(notifier),
		ctx:        ctx,
		done:       make(chan struct{}),
	}

	events := stream.Listen()
	s.snapshots = stream.ListenLatest()
	stream.Start()

	go s.run(events)
	glog.Infof("room: opened %s, window %d", conf.RoomID, conf.Window)
	return s, nil
}

// run is the only writer of the engine state.
func (s *Session) run(events <-chan *chatstore.Snapshot) {
	defer close(s.done)

	for snap := range events {
		ns := s.engine.OnSnapshot(snap, s.tracker.Snapshot())
		if len(ns) > 0 {
			s.dispatcher.Dispatch(s.ctx, ns)
		}
	}

	s.engine.Cancel()
	if err := s.stream.Err(); err != nil {
		glog.Errorf("room: %s stream ended: %v", s.roomID, err)
	}
}

func (s *Session) RoomID() string {
	return s.roomID
}

// Snapshots delivers the newest snapshot for rendering; it is closed when the
// session ends.
func (s *Session) Snapshots() <-chan *chatstore.Snapshot {
	return s.snapshots
}

// Loading is true until the first snapshot is delivered or the stream fails.
func (s *Session) Loading() bool {
	return s.stream.Seq() == 0 && s.stream.Err() == nil
}

func (s *Session) Err() error {
	return s.stream.Err()
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) SetSettings(settings notify.Settings) {
	s.engine.SetSettings(settings)
}

// Close cancels the subscription and waits for in-flight notifications.
// Snapshots still queued for the engine raise nothing.
func (s *Session) Close() {
	s.engine.Cancel()
	s.stream.Cancel()
	<-s.done
	s.dispatcher.Wait()
	glog.Infof("room: closed %s", s.roomID)
}
