// Package blob stores attachments in a bbolt file and serves them over HTTP.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"go.etcd.io/bbolt"
)

var (
	ErrNotFound    = errors.New("blob not found")
	ErrInvalidPath = errors.New("invalid blob path")
)

var bucketName = []byte("blobs")

var putBytesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "blob",
		Name:      "put_bytes_total",
		Help:      "The total number of stored blob bytes",
	})

func init() {
	prometheus.MustRegister(putBytesTotal)
}

// BoltStore keeps blobs by path in one bucket. URLs returned by `Put` are
// `{baseURL}/{path}`; mount the store with http.StripPrefix on the same
// prefix to serve them.
type BoltStore struct {
	db      *bbolt.DB
	baseURL string
}

func Open(file, baseURL string) (*BoltStore, error) {
	db, err := bbolt.Open(file, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open blob db %s: %w", file, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	glog.Infof("blob: opened %s, url prefix %s", file, baseURL)
	return &BoltStore{db: db, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func checkPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return ErrInvalidPath
		}
	}
	return nil
}

func (s *BoltStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	if err := checkPath(path); err != nil {
		return "", fmt.Errorf("%w: %q", err, path)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(path), data)
	})
	if err != nil {
		return "", fmt.Errorf("put blob %s: %w", path, err)
	}
	putBytesTotal.Add(float64(len(data)))
	return s.baseURL + "/" + path, nil
}

func (s *BoltStore) Get(path string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(path))
		if v == nil {
			return ErrNotFound
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

// ServeHTTP serves `GET /{path}` with the sniffed content type.
func (s *BoltStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/")
	if checkPath(path) != nil {
		http.NotFound(w, r)
		return
	}

	data, err := s.Get(path)
	if errors.Is(err, ErrNotFound) {
		http.NotFound(w, r)
		return
	} else if err != nil {
		glog.Errorf("blob: get %s: %v", path, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", mimetype.Detect(data).String())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(data)
	}
}
