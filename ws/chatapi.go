package ws

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/compose"
	"github.com/mqy/minichat/presence"
)

const (
	ErrorCodeInvalidArguments = 3
	ErrorCodeInternal         = 13
)

// IComposer submits the local user's messages.
type IComposer interface {
	SubmitText(ctx context.Context, text string) (string, error)
	SubmitImage(ctx context.Context, r io.Reader, caption string) (string, error)
	SubmitFile(ctx context.Context, r io.Reader, filename, mimeType, caption string) (string, error)
}

// ChatApi serves websocket client requests and uploads.
type ChatApi struct {
	composer IComposer
	tracker  *presence.Tracker
}

func NewApi(composer IComposer, tracker *presence.Tracker) *ChatApi {
	return &ChatApi{
		composer: composer,
		tracker:  tracker,
	}
}

func (a *ChatApi) SetAppState(req *AppStateReq) *Error {
	state, err := presence.ParseAppState(req.State)
	if err != nil {
		return newInvalidArgumentError(&ClientMsg{AppState: req}, fmt.Sprintf("state: %v", err))
	}
	a.tracker.SetAppState(state)
	return nil
}

func (a *ChatApi) SetScreen(req *ScreenReq) {
	if req.OnConversation {
		a.tracker.EnterConversationScreen()
	} else {
		a.tracker.LeaveConversationScreen()
	}
}

// allSessionsClosed records that no UI is looking at the conversation.
func (a *ChatApi) allSessionsClosed() {
	a.tracker.SetAppState(presence.Background)
	a.tracker.LeaveConversationScreen()
}

func (a *ChatApi) SendText(ctx context.Context, req *SendTextReq) (*SentResp, *Error) {
	id, err := a.composer.SubmitText(ctx, req.Text)
	if err != nil {
		return nil, submitError(&ClientMsg{SendText: req}, err)
	}
	return &SentResp{ID: id}, nil
}

func (a *ChatApi) SendImage(ctx context.Context, r io.Reader, caption string) (*SentResp, *Error) {
	id, err := a.composer.SubmitImage(ctx, r, caption)
	if err != nil {
		return nil, submitError(nil, err)
	}
	return &SentResp{ID: id}, nil
}

func (a *ChatApi) SendFile(ctx context.Context, r io.Reader, filename, mimeType, caption string) (*SentResp, *Error) {
	id, err := a.composer.SubmitFile(ctx, r, filename, mimeType, caption)
	if err != nil {
		return nil, submitError(nil, err)
	}
	return &SentResp{ID: id}, nil
}

var validationErrors = []error{
	compose.ErrEmptyText,
	compose.ErrMissingFile,
	compose.ErrEmptyFile,
	compose.ErrAttachmentTooLarge,
	compose.ErrNotImage,
	chatstore.ErrEmptyBody,
	chatstore.ErrMissingAttachment,
}

func submitError(req *ClientMsg, err error) *Error {
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return newInvalidArgumentError(req, err.Error())
		}
	}
	return newInternalError(req, err.Error())
}

func newInvalidArgumentError(req *ClientMsg, errs ...string) *Error {
	return &Error{
		Code:   ErrorCodeInvalidArguments,
		Params: errs,
		Req:    req,
	}
}

func newInternalError(req *ClientMsg, err string) *Error {
	return &Error{
		Code:   ErrorCodeInternal,
		Params: []string{err},
		Req:    req,
	}
}

func interceptError(err *Error) {
	if err.Code == ErrorCodeInternal {
		err.Params = []string{"temp storage error"}
	}
}
