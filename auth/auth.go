package auth

import "net/http"

type Client interface {
	// Auth authenticates the UI connection, returns the user id.
	Auth(r *http.Request) (string, error)
}
