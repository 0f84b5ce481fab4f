package store

//go:generate mockgen -destination=mock/api.go -package=mock_store . IKafkaReader,IKafkaWriter

import (
	"context"
	"errors"

	"github.com/segmentio/kafka-go"
)

var ErrFeedClosed = errors.New("change feed closed")

// IFeed signals changes of rooms to live queries.
type IFeed interface {
	// Publish announces that the room has changed.
	Publish(ctx context.Context, roomID string) error

	// Watch returns a channel receiving a signal after each change of the
	// room. Signals coalesce: a slow watcher sees at least one signal after
	// the latest change. The channel is closed when the feed closes.
	// Call the returned func to stop watching.
	Watch(roomID string) (<-chan struct{}, func())
}

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}
