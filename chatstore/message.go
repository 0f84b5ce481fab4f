package chatstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

var (
	ErrInvalidKind       = errors.New("invalid message kind")
	ErrEmptyBody         = errors.New("text message requires a non-empty body")
	ErrMissingAttachment = errors.New("attachment message requires an attachment url")
	ErrUnexpectedAttach  = errors.New("text message must not carry an attachment")
	ErrMissingAuthor     = errors.New("message requires an author id")
	ErrMissingRoom       = errors.New("message requires a room id")
)

// Author is the local session identity copied into outgoing messages.
type Author struct {
	ID       string `json:"id" validate:"required,max=128"`
	Name     string `json:"name" validate:"required,max=256"`
	PhotoURL string `json:"photo_url,omitempty" validate:"omitempty,url"`
}

type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is a chat message. `Kind` selects the variant: a text message has
// a body and no attachment, image and file messages have an attachment and
// an optional caption in `Body`.
type Message struct {
	ID             string      `json:"id"`
	RoomID         string      `json:"room_id"`
	AuthorID       string      `json:"author_id"`
	AuthorName     string      `json:"author_name"`
	AuthorPhotoURL string      `json:"author_photo_url,omitempty"`
	Kind           Kind        `json:"kind"`
	Body           string      `json:"body,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

func newMessage(roomID string, author Author, kind Kind, body string, att *Attachment) (*Message, error) {
	m := &Message{
		RoomID:         roomID,
		AuthorID:       author.ID,
		AuthorName:     author.Name,
		AuthorPhotoURL: author.PhotoURL,
		Kind:           kind,
		Body:           body,
		Attachment:     att,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func NewText(roomID string, author Author, body string) (*Message, error) {
	return newMessage(roomID, author, KindText, strings.TrimSpace(body), nil)
}

func NewImage(roomID string, author Author, att Attachment, caption string) (*Message, error) {
	return newMessage(roomID, author, KindImage, strings.TrimSpace(caption), &att)
}

func NewFile(roomID string, author Author, att Attachment, caption string) (*Message, error) {
	return newMessage(roomID, author, KindFile, strings.TrimSpace(caption), &att)
}

// Validate checks `Kind` against the presence of body and attachment.
func (m *Message) Validate() error {
	if m.RoomID == "" {
		return ErrMissingRoom
	}
	if m.AuthorID == "" {
		return ErrMissingAuthor
	}
	switch m.Kind {
	case KindText:
		if m.Attachment != nil {
			return ErrUnexpectedAttach
		}
		if strings.TrimSpace(m.Body) == "" {
			return ErrEmptyBody
		}
	case KindImage, KindFile:
		if m.Attachment == nil || m.Attachment.URL == "" {
			return ErrMissingAttachment
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, m.Kind)
	}
	return nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s/%s(%s by %s at %d)", m.RoomID, m.ID, m.Kind, m.AuthorID, m.CreatedAt.UnixMilli())
}

// Less orders messages by created_at ASC, then id ASC.
func Less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func SortAscending(slice []*Message) {
	sort.Slice(slice, func(i, j int) bool {
		return Less(slice[i], slice[j])
	})
}
