package ws

import (
	"fmt"

	"github.com/mqy/minichat/chatstore"
)

// Client messages: exactly one field is set.
type ClientMsg struct {
	AppState *AppStateReq `json:"app_state,omitempty"`
	Screen   *ScreenReq   `json:"screen,omitempty"`
	SendText *SendTextReq `json:"send_text,omitempty"`
}

type AppStateReq struct {
	State string `json:"state"`
}

type ScreenReq struct {
	OnConversation bool `json:"on_conversation"`
}

type SendTextReq struct {
	Text string `json:"text"`
}

// Server messages: exactly one field is set.
type ServerMsg struct {
	Snapshot *SnapshotResp           `json:"snapshot,omitempty"`
	Notify   *chatstore.Notification `json:"notify,omitempty"`
	Sent     *SentResp               `json:"sent,omitempty"`
	Error    *Error                  `json:"error,omitempty"`
	Kickoff  bool                    `json:"kickoff,omitempty"`
}

type SnapshotResp struct {
	*chatstore.Snapshot
	Loading bool `json:"loading"`
}

type SentResp struct {
	ID string `json:"id"`
}

type Error struct {
	Code   int32      `json:"code"`
	Params []string   `json:"params,omitempty"`
	Req    *ClientMsg `json:"req,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("code: %d, params: %v", e.Code, e.Params)
}

// Session is a connected UI.
type Session struct {
	Uid        string `json:"uid"`
	Sid        string `json:"sid"`
	CreateTime int64  `json:"create_time"` // unix nanos
	Ip         string `json:"ip"`
}
