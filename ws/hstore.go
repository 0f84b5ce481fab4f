package ws

import (
	"sort"
	"sync"
)

// memory handler store for local sessions.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{
		handlers: make(map[string]*Handler),
	}
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

// del returns true if the handler was found, and the number of remaining
// handlers.
func (hs *HandlerStore) del(sid string) (bool, int) {
	hs.Lock()
	defer hs.Unlock()
	if _, ok := hs.handlers[sid]; ok {
		delete(hs.handlers, sid)
		return true, len(hs.handlers)
	}
	return false, len(hs.handlers)
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	sid := handler.session.Sid
	hs.handlers[sid] = handler
	hs.Unlock()
}

func (hs *HandlerStore) all() []*Handler {
	hs.RLock()
	defer hs.RUnlock()
	out := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		out = append(out, h)
	}
	return out
}

func (hs *HandlerStore) count() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

// getUserHandlersToKickoff returns the oldest handlers of the user beyond
// quota, order by create time asc.
func (hs *HandlerStore) getUserHandlersToKickoff(uid string, quota int) []*Handler {
	var slice []*Handler
	hs.RLock()
	for _, h := range hs.handlers {
		if h.session.Uid == uid {
			slice = append(slice, h)
		}
	}
	hs.RUnlock()

	n := len(slice) - quota
	if n <= 0 {
		return nil
	}

	sort.Slice(slice, func(i, j int) bool {
		return slice[i].session.CreateTime < slice[j].session.CreateTime
	})

	return slice[:n]
}

func (hs *HandlerStore) close() {
	for _, h := range hs.all() {
		h.close(ServerStop)
	}
	hs.Lock()
	hs.handlers = make(map[string]*Handler)
	hs.Unlock()
}
