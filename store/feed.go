package store

import (
	"context"
	"sync"
)

type watcher struct {
	c chan struct{}
}

// LocalFeed is the in-process change feed.
type LocalFeed struct {
	sync.Mutex
	// roomID -> watchers
	watchers map[string]map[*watcher]struct{}
	closed   bool
}

func NewLocalFeed() *LocalFeed {
	return &LocalFeed{
		watchers: make(map[string]map[*watcher]struct{}),
	}
}

func (f *LocalFeed) Publish(_ context.Context, roomID string) error {
	f.Lock()
	defer f.Unlock()
	for w := range f.watchers[roomID] {
		select {
		case w.c <- struct{}{}:
		default: // a signal is already pending.
		}
	}
	return nil
}

func (f *LocalFeed) Watch(roomID string) (<-chan struct{}, func()) {
	w := &watcher{c: make(chan struct{}, 1)}

	f.Lock()
	defer f.Unlock()
	if f.closed {
		close(w.c)
		return w.c, func() {}
	}

	v, ok := f.watchers[roomID]
	if !ok {
		v = make(map[*watcher]struct{})
		f.watchers[roomID] = v
	}
	v[w] = struct{}{}

	return w.c, func() {
		f.Lock()
		defer f.Unlock()
		if v, ok := f.watchers[roomID]; ok {
			delete(v, w)
			if len(v) == 0 {
				delete(f.watchers, roomID)
			}
		}
	}
}

// Close closes all watcher channels, later watchers get a closed channel.
func (f *LocalFeed) Close() {
	f.Lock()
	defer f.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, v := range f.watchers {
		for w := range v {
			close(w.c)
		}
	}
	f.watchers = make(map[string]map[*watcher]struct{})
}

func (f *LocalFeed) numWatchers(roomID string) int {
	f.Lock()
	defer f.Unlock()
	return len(f.watchers[roomID])
}
