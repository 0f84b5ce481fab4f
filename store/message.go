package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/chatstore"
)

const (
	selectColumns = "id, room_id, author_id, author_name, author_photo, kind, body, att_url, att_filename, att_mime, created_at"

	latestSQL = "SELECT " + selectColumns + " FROM chat_messages WHERE room_id = ? " +
		"ORDER BY created_at DESC, id DESC LIMIT ?"
	getSQL        = "SELECT " + selectColumns + " FROM chat_messages WHERE id = ?"
	insertSQLHead = "INSERT INTO chat_messages (id, room_id, author_id, author_name, author_photo, kind, body, " +
		"att_url, att_filename, att_mime, created_at) VALUES (?,?,?,?,?,?,?,?,?,?,"
)

var ErrNotFound = errors.New("message not found")

// messageStore implements interface `chatstore.IMessageStore`.
type messageStore struct {
	*sql.DB
	dialect *Dialect
	feed    IFeed

	insertSQL string
}

func NewMessageStore(db *sql.DB, dialect *Dialect, feed IFeed) *messageStore {
	return &messageStore{
		DB:        db,
		dialect:   dialect,
		feed:      feed,
		insertSQL: insertSQLHead + dialect.NowMillis + ")",
	}
}

// EnsureSchema creates the messages table and index if missing.
func (s *messageStore) EnsureSchema(ctx context.Context) error {
	for _, q := range s.dialect.Schema {
		if _, err := s.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *messageStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) > 0 {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *messageStore) IsDupKeyError(err error) bool {
	return s.dialect.IsDupKey(err)
}

func newID() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

// Append inserts the message with created_at computed by the database server,
// then publishes the change of the room.
func (s *messageStore) Append(ctx context.Context, msg *chatstore.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	var att chatstore.Attachment
	if msg.Attachment != nil {
		att = *msg.Attachment
	}

	var id string
	// A duplicate id is retried once with a fresh one.
	for i := 0; i < 2; i++ {
		id = newID()
		err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, s.insertSQL, id, msg.RoomID, msg.AuthorID, msg.AuthorName,
				msg.AuthorPhotoURL, string(msg.Kind), msg.Body, att.URL, att.Filename, att.MimeType)
			return err
		})
		if err == nil {
			break
		}
		if i == 0 && s.IsDupKeyError(err) {
			glog.Errorf("append: duplicate id %s, retry", id)
			continue
		}
		return "", fmt.Errorf("append message: %w", err)
	}

	glog.V(5).Infof("append: room: %s, id: %s, kind: %s", msg.RoomID, id, msg.Kind)

	if err := s.feed.Publish(ctx, msg.RoomID); err != nil {
		// The message is saved, watchers of this process were woken by the feed.
		glog.Errorf("append: publish change of room %s error: %v", msg.RoomID, err)
	}
	return id, nil
}

// Get gets message by id.
func (s *messageStore) Get(ctx context.Context, id string) (*chatstore.Message, error) {
	row := s.QueryRowContext(ctx, getSQL, id)
	m, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// Latest gets the newest `limit` messages of the room, order by created_at DESC.
func (s *messageStore) Latest(ctx context.Context, roomID string, limit int) ([]*chatstore.Message, error) {
	rows, err := s.QueryContext(ctx, latestSQL, roomID, limit)
	if err != nil {
		glog.Errorf("latest messages query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]*chatstore.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			glog.Errorf("latest messages scan err: %v", err)
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Query implements `chatstore.IMessageStore.Query`: the newest messages are
// re-read on start and on every feed signal of the room.
func (s *messageStore) Query(ctx context.Context, roomID string, limit int) (<-chan *chatstore.Batch, error) {
	if roomID == "" || limit <= 0 {
		return nil, fmt.Errorf("query: invalid room `%s` or limit %d", roomID, limit)
	}

	signals, unwatch := s.feed.Watch(roomID)
	out := make(chan *chatstore.Batch, 1)

	go func() {
		defer func() {
			unwatch()
			close(out)
			glog.V(5).Infof("query: room %s exited", roomID)
		}()

		send := func(b *chatstore.Batch) bool {
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			messages, err := s.Latest(ctx, roomID, limit)
			if err != nil {
				if ctx.Err() == nil {
					send(&chatstore.Batch{Err: err})
				}
				return
			}
			if !send(&chatstore.Batch{Messages: messages}) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					send(&chatstore.Batch{Err: ErrFeedClosed})
					return
				}
			}
		}
	}()

	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*chatstore.Message, error) {
	var m chatstore.Message
	var kind string
	var att chatstore.Attachment
	var createdAt int64
	if err := row.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.AuthorName, &m.AuthorPhotoURL, &kind, &m.Body,
		&att.URL, &att.Filename, &att.MimeType, &createdAt); err != nil {
		return nil, err
	}
	m.Kind = chatstore.Kind(kind)
	m.CreatedAt = time.UnixMilli(createdAt)
	if att.URL != "" {
		m.Attachment = &att
	}
	return &m, nil
}
