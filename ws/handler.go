package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
	KickedOff  SessionError = 6
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 8192

	dataChanSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon listens on loopback or private address only, see validateAddr.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler manages an active connection to the UI.
// Every new websocket connection creates a new session.
type Handler struct {
	sync.Mutex

	api *ChatApi
	hub *Hub

	session *Session
	conn    *websocket.Conn

	dataChan chan *SessionData

	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error     SessionError `json:"error,omitempty"`
	ServerMsg *ServerMsg   `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		// Ask for hub to remove this handler.
		h.hub.delHandler(h.session.Sid)
	}
}

// appendDataChan queues data for the send loop without blocking. Server
// messages are dropped when the peer does not keep up.
func (h *Handler) appendDataChan(v *SessionData) bool {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return false
	}
	select {
	case h.dataChan <- v:
		return true
	default:
	}

	if v.Error > 0 {
		// The send loop is busy: its next write fails and closes the session.
		h.conn.Close()
	} else {
		droppedMsgsTotal.Inc()
		glog.Errorf("session data chan is full, drop message, session: %s", h)
	}
	return false
}

func (h *Handler) appendServerMsg(msg *ServerMsg) bool {
	return h.appendDataChan(&SessionData{ServerMsg: msg})
}

func sendServerMsg(conn *websocket.Conn, msg *ServerMsg) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendServerMsg(&ServerMsg{
				Error: newInvalidArgumentError(nil, "websocket only supports TextMessage"),
			})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := ClientMsg{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendServerMsg(&ServerMsg{
				Error: newInvalidArgumentError(nil, fmt.Sprintf("unmarshal error: %v", err)),
			})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		if v := req.AppState; v != nil {
			if err := h.api.SetAppState(v); err != nil {
				h.appendServerMsg(&ServerMsg{Error: err})
			}
		} else if v := req.Screen; v != nil {
			h.api.SetScreen(v)
		} else if v := req.SendText; v != nil {
			resp, err := h.api.SendText(context.Background(), v)
			if err != nil {
				glog.Errorf("recvLoop(): SendText error: %+v", err)
				interceptError(err)
				h.appendServerMsg(&ServerMsg{Error: err})
				continue
			}
			h.appendServerMsg(&ServerMsg{Sent: resp})
		} else {
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			h.appendServerMsg(&ServerMsg{
				Error: newInvalidArgumentError(&req, "unsupported request"),
			})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h.String())
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.ServerMsg == nil {
				glog.Errorf("sendLoop(): unknown data from dataChan: %#+v", v)
				continue
			}

			if err := sendServerMsg(h.conn, v.ServerMsg); err != nil {
				glog.Errorf("sendLoop(): error write message. session: %s, err: %v", h.String(), err)
				// This loop is the only consumer: close directly.
				h.close(WriteError)
				return
			}
			if v.ServerMsg.Kickoff {
				h.close(KickedOff)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
