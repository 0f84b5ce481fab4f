package ws

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/golang/glog"

	"github.com/mqy/minichat/compose"
)

// Extra room for the multipart envelope and form fields.
const multipartOverhead = 1 << 20

// HandleSendImage serves `POST /send/image`, multipart fields: file, caption.
func (h *Hub) HandleSendImage(w http.ResponseWriter, r *http.Request) {
	h.handleUpload(w, r, func(file io.Reader, fh *fileHeader) (*SentResp, *Error) {
		return h.api.SendImage(r.Context(), file, r.FormValue("caption"))
	})
}

// HandleSendFile serves `POST /send/file`, multipart fields: file, filename,
// mime_type, caption. Filename and mime type default to the part's.
func (h *Hub) HandleSendFile(w http.ResponseWriter, r *http.Request) {
	h.handleUpload(w, r, func(file io.Reader, fh *fileHeader) (*SentResp, *Error) {
		filename := r.FormValue("filename")
		if filename == "" {
			filename = fh.filename
		}
		mimeType := r.FormValue("mime_type")
		if mimeType == "" {
			mimeType = fh.mimeType
		}
		return h.api.SendFile(r.Context(), file, filename, mimeType, r.FormValue("caption"))
	})
}

type fileHeader struct {
	filename string
	mimeType string
}

func (h *Hub) handleUpload(w http.ResponseWriter, r *http.Request, send func(io.Reader, *fileHeader) (*SentResp, *Error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.authClient.Auth(r); err != nil {
		glog.Errorf("upload: authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, compose.MaxAttachmentBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeResp(w, &ServerMsg{Error: newInvalidArgumentError(nil, compose.ErrAttachmentTooLarge.Error())})
			return
		}
		writeResp(w, &ServerMsg{Error: newInvalidArgumentError(nil, "multipart: "+err.Error())})
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	var reader io.Reader
	fh := &fileHeader{}
	file, header, err := r.FormFile("file")
	if err == nil {
		defer file.Close()
		reader = file
		fh.filename = header.Filename
		fh.mimeType = header.Header.Get("Content-Type")
	} else if !errors.Is(err, http.ErrMissingFile) {
		writeResp(w, &ServerMsg{Error: newInvalidArgumentError(nil, "file: "+err.Error())})
		return
	}

	resp, e := send(reader, fh)
	if e != nil {
		glog.Errorf("upload %s error: %+v", r.URL.Path, e)
		interceptError(e)
		writeResp(w, &ServerMsg{Error: e})
		return
	}
	writeResp(w, &ServerMsg{Sent: resp})
}

func writeResp(w http.ResponseWriter, msg *ServerMsg) {
	status := http.StatusOK
	if e := msg.Error; e != nil {
		if e.Code == ErrorCodeInvalidArguments {
			status = http.StatusBadRequest
		} else {
			status = http.StatusInternalServerError
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}
