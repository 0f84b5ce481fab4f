package chatstore

//go:generate mockgen -destination=mock/api.go -package=mock_chatstore . IMessageStore,IBlobStore,INotifier

import (
	"context"
	"errors"
)

// DefaultWindow is the number of most recent messages a live query keeps.
const DefaultWindow = 50

var ErrNoSession = errors.New("no ui session to deliver notification")

// Batch is one delivery of a live query: the newest messages of a room in
// descending `CreatedAt` order, or a terminal error.
type Batch struct {
	Messages []*Message
	Err      error
}

type IMessageStore interface {
	// Query starts a live query of the newest `limit` messages of the room,
	// order by created_at DESC. A batch is delivered on start and after every
	// change of the room. A batch with non-nil `Err` is the last one; the
	// channel is closed after it, or when ctx is done.
	Query(ctx context.Context, roomID string, limit int) (<-chan *Batch, error)

	// Append saves the message, the store assigns id and created_at.
	Append(ctx context.Context, msg *Message) (string, error)
}

type IBlobStore interface {
	// Put stores data at path, returns a retrievable URL.
	Put(ctx context.Context, path string, data []byte) (string, error)
}

// INotifier schedules a local user facing notification, immediately.
// Delivery is best effort.
type INotifier interface {
	Schedule(ctx context.Context, n *Notification) error
}
