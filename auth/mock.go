package auth

import (
	"fmt"
	"net/http"
)

const UidCookie = "x-uid"

// MockClient trusts the `x-uid` cookie. When `Uid` is set, only that user is
// accepted: the daemon serves one local user.
type MockClient struct {
	Uid string
}

func (c *MockClient) Auth(r *http.Request) (string, error) {
	var uid string
	if ck, err := r.Cookie(UidCookie); err == nil {
		uid = ck.Value
	}

	if uid == "" {
		return "", fmt.Errorf("empty %s from cookie", UidCookie)
	}
	if c.Uid != "" && uid != c.Uid {
		return "", fmt.Errorf("user `%s` is not the local user", uid)
	}
	return uid, nil
}
