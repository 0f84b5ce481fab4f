// Package presence tracks whether the user is in the app and looking at the
// conversation. Writers are independent: OS lifecycle events drive the app
// state, UI navigation drives the screen flag.
package presence

import (
	"fmt"
	"sync/atomic"
)

type AppState int32

const (
	Active AppState = iota
	Background
)

func (s AppState) String() string {
	switch s {
	case Active:
		return "active"
	case Background:
		return "background"
	}
	return fmt.Sprintf("AppState(%d)", int32(s))
}

func ParseAppState(s string) (AppState, error) {
	switch s {
	case "active":
		return Active, nil
	case "background":
		return Background, nil
	}
	return Active, fmt.Errorf("unknown app state `%s`", s)
}

// Snapshot is a copy of both fields. The fields are read one by one; they are
// not jointly invariant, the decision rule evaluates each on its own.
type Snapshot struct {
	AppState             AppState `json:"app_state"`
	OnConversationScreen bool     `json:"on_conversation_screen"`
}

// Viewing reports whether the user is looking at the conversation right now.
func (s Snapshot) Viewing() bool {
	return s.AppState == Active && s.OnConversationScreen
}

type Tracker struct {
	appState atomic.Int32
	onScreen atomic.Bool
}

// New returns a tracker in state {Active, not on conversation screen}.
func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) SetAppState(s AppState) {
	t.appState.Store(int32(s))
}

func (t *Tracker) EnterConversationScreen() {
	t.onScreen.Store(true)
}

func (t *Tracker) LeaveConversationScreen() {
	t.onScreen.Store(false)
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		AppState:             AppState(t.appState.Load()),
		OnConversationScreen: t.onScreen.Load(),
	}
}
