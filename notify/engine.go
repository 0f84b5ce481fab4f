// Package notify decides, once per message, whether to raise a local alert.
package notify

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
	"golang.org/x/time/rate"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/presence"
)

const AttachmentBody = "[attachment]"

type State int32

const (
	AwaitingInitialSnapshot State = iota
	Armed
	Cancelled
)

func (s State) String() string {
	switch s {
	case AwaitingInitialSnapshot:
		return "awaiting_initial_snapshot"
	case Armed:
		return "armed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type RateLimit struct {
	Max int
	Per time.Duration
}

// Settings tune the alerts on top of the suppression rules. Zero values of
// the optional fields disable them.
type Settings struct {
	Enabled        bool
	MaxBodyRunes   int
	SenderThrottle time.Duration
	RateLimit      RateLimit
}

func DefaultSettings() Settings {
	return Settings{Enabled: true}
}

type Option func(*Engine)

// WithClock overrides time.Now, for throttle and rate limit.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine is the per subscription decision state. `OnSnapshot` is meant to be
// called from a single goroutine, in snapshot order.
type Engine struct {
	localUserID string

	mu        sync.Mutex
	state     State
	processed *ProcessedSet

	settings atomic.Pointer[Settings]
	now      func() time.Time

	// per author, rebuilt when settings change.
	senders map[string]*rate.Limiter
	global  *rate.Limiter
}

func NewEngine(localUserID string, window int, settings Settings, opts ...Option) (*Engine, error) {
	if localUserID == "" {
		return nil, errors.New("notify: local user id is required")
	}
	if window <= 0 {
		return nil, fmt.Errorf("notify: invalid window %d", window)
	}

	e := &Engine{
		localUserID: localUserID,
		processed:   NewProcessedSet(window),
		now:         time.Now,
	}
	e.settings.Store(&settings)
	e.resetLimiters(&settings)
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// SetSettings swaps the settings, applied from the next evaluated message.
// Throttle and rate limit start over.
func (e *Engine) SetSettings(s Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings.Store(&s)
	if e.state != Cancelled {
		e.resetLimiters(&s)
	}
	glog.Infof("notify: settings updated: %+v", s)
}

func (e *Engine) resetLimiters(s *Settings) {
	e.senders = make(map[string]*rate.Limiter)
	e.global = nil
	if s.RateLimit.Max > 0 && s.RateLimit.Per > 0 {
		every := s.RateLimit.Per / time.Duration(s.RateLimit.Max)
		e.global = rate.NewLimiter(rate.Every(every), s.RateLimit.Max)
	}
}

func (e *Engine) senderLimiter(authorID string, throttle time.Duration) *rate.Limiter {
	l, ok := e.senders[authorID]
	if !ok {
		l = rate.NewLimiter(rate.Every(throttle), 1)
		e.senders[authorID] = l
	}
	return l
}

func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cancel releases the processed set. Later snapshots are ignored.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Cancelled
	e.processed = nil
	e.senders = nil
	e.global = nil
}

// OnSnapshot returns the notifications to raise for the snapshot. The first
// snapshot only arms the engine.
func (e *Engine) OnSnapshot(snap *chatstore.Snapshot, p presence.Snapshot) []*chatstore.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Cancelled:
		return nil
	case AwaitingInitialSnapshot:
		e.state = Armed
		glog.V(5).Infof("notify: room %s armed at snapshot %d with %d messages", snap.RoomID, snap.Seq, len(snap.Messages))
		return nil
	}
	if snap.IsInitial {
		return nil
	}

	settings := e.settings.Load()
	var out []*chatstore.Notification
	for _, id := range snap.Added {
		if e.processed.Contains(id) {
			suppressedTotal.WithLabelValues(reasonDuplicate).Inc()
			continue
		}
		e.processed.Add(id)

		m := snap.Get(id)
		if m == nil {
			glog.Errorf("notify: added id %s not in snapshot %d of room %s", id, snap.Seq, snap.RoomID)
			continue
		}

		if reason := e.suppress(m, p, settings); reason != "" {
			suppressedTotal.WithLabelValues(reason).Inc()
			glog.V(5).Infof("notify: suppress %s: %s", m, reason)
			continue
		}

		out = append(out, newNotification(m, settings.MaxBodyRunes))
		emittedTotal.Inc()
	}
	return out
}

// suppress returns the reason the message must not alert, or "".
func (e *Engine) suppress(m *chatstore.Message, p presence.Snapshot, s *Settings) string {
	if m.AuthorID == e.localUserID {
		return reasonOwn
	}
	if p.Viewing() {
		return reasonViewing
	}
	if !s.Enabled {
		return reasonDisabled
	}

	now := e.now()
	var byAuthor *rate.Reservation
	if s.SenderThrottle > 0 {
		byAuthor = e.senderLimiter(m.AuthorID, s.SenderThrottle).ReserveN(now, 1)
		if !allowed(byAuthor, now) {
			return reasonThrottled
		}
	}
	if e.global != nil {
		if r := e.global.ReserveN(now, 1); !allowed(r, now) {
			// A rate limited message does not count for its author.
			if byAuthor != nil {
				byAuthor.CancelAt(now)
			}
			return reasonRateLimited
		}
	}
	return ""
}

// allowed reports whether the reservation is usable at once, otherwise the
// tokens are given back.
func allowed(r *rate.Reservation, now time.Time) bool {
	if r.OK() && r.DelayFrom(now) == 0 {
		return true
	}
	r.CancelAt(now)
	return false
}

func newNotification(m *chatstore.Message, maxBodyRunes int) *chatstore.Notification {
	title := m.AuthorName
	if title == "" {
		title = m.AuthorID
	}
	body := m.Body
	if body == "" {
		body = AttachmentBody
	}
	return &chatstore.Notification{
		Title: title,
		Body:  truncate(body, maxBodyRunes),
		Data: map[string]string{
			"type":      "chat",
			"messageId": m.ID,
			"roomId":    m.RoomID,
		},
	}
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
