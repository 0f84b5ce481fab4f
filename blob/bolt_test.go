package blob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *BoltStore {
	s, err := Open(filepath.Join(t.TempDir(), "blob.db"), "http://localhost:8080/blob/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openStore(t)

	url, err := s.Put(context.Background(), "r1/bob_1.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/blob/r1/bob_1.txt", url)

	data, err := s.Get("r1/bob_1.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = s.Get("r1/none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutInvalidPath(t *testing.T) {
	s := openStore(t)
	for _, p := range []string{"", "/abs", "a//b", "../x", "a/./b"} {
		_, err := s.Put(context.Background(), p, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
}

func TestPutContextDone(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Put(ctx, "r1/x", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServeHTTP(t *testing.T) {
	s := openStore(t)
	_, err := s.Put(context.Background(), "r1/bob_1.txt", []byte("hello world"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.StripPrefix("/blob", s))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/blob/r1/bob_1.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", string(body))
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	resp2, err := http.Get(srv.URL + "/blob/r1/missing")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)

	resp3, err := http.Post(srv.URL+"/blob/r1/bob_1.txt", "text/plain", nil)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp3.StatusCode)
}

func TestReopen(t *testing.T) {
	file := filepath.Join(t.TempDir(), "blob.db")
	s, err := Open(file, "/blob")
	require.NoError(t, err)
	_, err = s.Put(context.Background(), "r1/a", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(file, "/blob")
	require.NoError(t, err)
	defer s.Close()
	data, err := s.Get("r1/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
}
