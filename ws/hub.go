package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
)

// IRoom is the opened room the hub renders. A delivered snapshot ends
// loading.
type IRoom interface {
	Snapshots() <-chan *chatstore.Snapshot
	Err() error
}

// Hub works as a hub that manages and serves UI sessions. It pushes room
// snapshots to every session, and delivers notifications to them.
type Hub struct {
	api          *ChatApi
	authClient   auth.Client
	hstore       *HandlerStore
	sessionQuota int
	online       atomic.Bool

	mu        sync.Mutex
	latest    *ServerMsg
	streamErr *Error
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, api *ChatApi, sessionQuota int) *Hub {
	return &Hub{
		api:          api,
		authClient:   authClient,
		hstore:       newHandlerStore(),
		sessionQuota: sessionQuota,
		latest:       &ServerMsg{Snapshot: &SnapshotResp{Loading: true}},
	}
}

// Run pushes snapshots of the room until ctx is done.
func (h *Hub) Run(ctx context.Context, room IRoom, stopDoneNotifyC chan<- struct{}) {
	h.online.Store(true)
	snapshots := room.Snapshots()

	for {
		select {
		case <-ctx.Done():
			h.online.Store(false)
			glog.Infof("close connections ...")
			h.hstore.close()
			sessionsGauge.Set(0)
			glog.Infof("close connections done")
			stopDoneNotifyC <- struct{}{}
			return
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				if err := room.Err(); err != nil {
					glog.Errorf("hub: room stream error: %v", err)
					e := newInternalError(nil, err.Error())
					interceptError(e)
					h.mu.Lock()
					h.streamErr = e
					if h.latest.Snapshot != nil {
						h.latest = &ServerMsg{Snapshot: &SnapshotResp{Snapshot: h.latest.Snapshot.Snapshot, Loading: false}}
					}
					latest := h.latest
					h.mu.Unlock()
					h.broadcast(latest)
					h.broadcast(&ServerMsg{Error: e})
				}
				continue
			}

			msg := &ServerMsg{Snapshot: &SnapshotResp{Snapshot: snap, Loading: false}}
			h.mu.Lock()
			h.latest = msg
			h.mu.Unlock()
			glog.V(5).Infof("hub: push snapshot %d of room %s to %d sessions", snap.Seq, snap.RoomID, h.hstore.count())
			h.broadcast(msg)
		}
	}
}

func (h *Hub) broadcast(msg *ServerMsg) {
	for _, handler := range h.hstore.all() {
		handler.appendServerMsg(msg)
	}
}

// Schedule implements `chatstore.INotifier`: the notification is pushed to
// every connected session.
func (h *Hub) Schedule(ctx context.Context, n *chatstore.Notification) error {
	handlers := h.hstore.all()
	if len(handlers) == 0 {
		return chatstore.ErrNoSession
	}
	var delivered int
	for _, handler := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if handler.appendServerMsg(&ServerMsg{Notify: n}) {
			delivered++
		}
	}
	if delivered == 0 {
		return fmt.Errorf("notification dropped by %d busy sessions", len(handlers))
	}
	return nil
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.online.Load() {
		http.Error(w, "The server is not ready", http.StatusServiceUnavailable)
		return
	}

	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		Uid:        uid,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().UnixNano(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	handler := &Handler{
		dataChan: make(chan *SessionData, dataChanSize),
		session:  sess,
		conn:     conn,
		api:      h.api,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(sess.Sid)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.hstore.add(handler)
	sessionsGauge.Set(float64(h.hstore.count()))

	h.mu.Lock()
	latest, streamErr := h.latest, h.streamErr
	h.mu.Unlock()
	handler.appendServerMsg(latest)
	if streamErr != nil {
		handler.appendServerMsg(&ServerMsg{Error: streamErr})
	}

	for _, old := range h.hstore.getUserHandlersToKickoff(handler.session.Uid, h.sessionQuota) {
		h.Kickoff(old.session.Sid)
	}
}

func (h *Hub) delHandler(sid string) {
	if ok, remain := h.hstore.del(sid); ok {
		sessionsGauge.Set(float64(remain))
		if remain == 0 {
			glog.Infof("hub: last session closed")
			h.api.allSessionsClosed()
		}
	}
}

// Kickoff closes the session after telling the peer.
func (h *Hub) Kickoff(sid string) {
	glog.Infof("Kickoff: %s", sid)
	if s := h.hstore.get(sid); s != nil {
		glog.V(5).Infof("Kickoff(): kickoff local session: %s", s)
		kickoffsTotal.Inc()
		s.appendServerMsg(&ServerMsg{Kickoff: true})
		h.delHandler(sid)
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
