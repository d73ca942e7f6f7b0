package session

import "errors"

// ErrNoAccessToken is returned when materialization is attempted without a token.
var ErrNoAccessToken = errors.New("session has no access token")
