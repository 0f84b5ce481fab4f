// Package compose submits the local user's messages: validate, upload the
// attachment, then append.
package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/golang/glog"

	"github.com/mqy/minichat/chatstore"
)

const MaxAttachmentBytes = 10 << 20

var (
	ErrEmptyText          = errors.New("text is empty")
	ErrMissingFile        = errors.New("file is missing")
	ErrEmptyFile          = errors.New("file is empty")
	ErrAttachmentTooLarge = fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentBytes)
	ErrNotImage           = errors.New("content is not an image")
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// SanitizeFilename replaces every char other than [a-zA-Z0-9.-] by `_`.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

type Option func(*Composer)

func WithClock(now func() time.Time) Option {
	return func(c *Composer) {
		c.now = now
	}
}

func WithMaxAttachmentBytes(n int64) Option {
	return func(c *Composer) {
		c.maxBytes = n
	}
}

// Composer sends messages to one room as the session author. Submissions
// may run concurrently; ordering is the created_at the store assigns.
type Composer struct {
	roomID   string
	author   chatstore.Author
	messages chatstore.IMessageStore
	blobs    chatstore.IBlobStore
	now      func() time.Time
	maxBytes int64
}

func New(roomID string, author chatstore.Author, messages chatstore.IMessageStore, blobs chatstore.IBlobStore, opts ...Option) (*Composer, error) {
	if roomID == "" {
		return nil, chatstore.ErrMissingRoom
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(author); err != nil {
		return nil, fmt.Errorf("invalid author: %w", err)
	}

	c := &Composer{
		roomID:   roomID,
		author:   author,
		messages: messages,
		blobs:    blobs,
		now:      time.Now,
		maxBytes: MaxAttachmentBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Composer) RoomID() string {
	return c.roomID
}

func (c *Composer) Author() chatstore.Author {
	return c.author
}

func (c *Composer) SubmitText(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		rejectedTotal.WithLabelValues(string(chatstore.KindText)).Inc()
		return "", ErrEmptyText
	}
	m, err := chatstore.NewText(c.roomID, c.author, text)
	if err != nil {
		return "", err
	}
	return c.append(ctx, m)
}

// SubmitImage uploads the image then appends an image message. The content
// must sniff as image/*.
func (c *Composer) SubmitImage(ctx context.Context, r io.Reader, caption string) (string, error) {
	data, mime, err := c.read(r)
	if err != nil {
		rejectedTotal.WithLabelValues(string(chatstore.KindImage)).Inc()
		return "", err
	}
	if !strings.HasPrefix(mime.String(), "image/") {
		rejectedTotal.WithLabelValues(string(chatstore.KindImage)).Inc()
		return "", fmt.Errorf("%w: %s", ErrNotImage, mime.String())
	}

	url, err := c.upload(ctx, mime.Extension(), data)
	if err != nil {
		return "", err
	}
	att := chatstore.Attachment{URL: url, MimeType: mime.String()}
	m, err := chatstore.NewImage(c.roomID, c.author, att, caption)
	if err != nil {
		return "", err
	}
	return c.append(ctx, m)
}

// SubmitFile uploads the file then appends a file message. An empty
// `mimeType` is sniffed from the content.
func (c *Composer) SubmitFile(ctx context.Context, r io.Reader, filename, mimeType, caption string) (string, error) {
	data, mime, err := c.read(r)
	if err != nil {
		rejectedTotal.WithLabelValues(string(chatstore.KindFile)).Inc()
		return "", err
	}

	filename = SanitizeFilename(filename)
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = mime.Extension()
	}
	if mimeType == "" {
		mimeType = mime.String()
	}

	url, err := c.upload(ctx, ext, data)
	if err != nil {
		return "", err
	}
	att := chatstore.Attachment{URL: url, Filename: filename, MimeType: mimeType}
	m, err := chatstore.NewFile(c.roomID, c.author, att, caption)
	if err != nil {
		return "", err
	}
	return c.append(ctx, m)
}

func (c *Composer) read(r io.Reader) ([]byte, *mimetype.MIME, error) {
	if r == nil {
		return nil, nil, ErrMissingFile
	}
	data, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) == 0 {
		return nil, nil, ErrEmptyFile
	}
	if int64(len(data)) > c.maxBytes {
		return nil, nil, ErrAttachmentTooLarge
	}
	return data, mimetype.Detect(data), nil
}

// BlobPath returns `{roomId}/{authorId}_{epochMillis}{ext}`, ext with its dot.
func BlobPath(roomID, authorID string, at time.Time, ext string) string {
	return fmt.Sprintf("%s/%s_%d%s", roomID, authorID, at.UnixMilli(), ext)
}

func (c *Composer) upload(ctx context.Context, ext string, data []byte) (string, error) {
	path := BlobPath(c.roomID, c.author.ID, c.now(), ext)
	url, err := c.blobs.Put(ctx, path, data)
	if err != nil {
		submitErrorsTotal.WithLabelValues("upload").Inc()
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	glog.V(5).Infof("compose: uploaded %d bytes to %s", len(data), path)
	return url, nil
}

func (c *Composer) append(ctx context.Context, m *chatstore.Message) (string, error) {
	id, err := c.messages.Append(ctx, m)
	if err != nil {
		submitErrorsTotal.WithLabelValues("append").Inc()
		if m.Attachment != nil {
			glog.Errorf("compose: append %s failed, blob %s is orphaned: %v", m.Kind, m.Attachment.URL, err)
		}
		return "", fmt.Errorf("append %s message: %w", m.Kind, err)
	}
	submittedTotal.WithLabelValues(string(m.Kind)).Inc()
	glog.V(5).Infof("compose: appended %s message %s to room %s", m.Kind, id, c.roomID)
	return id, nil
}
