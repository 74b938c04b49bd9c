package state

import "errors"

var (
	ErrDuplicateClient = errors.New("client id already registered")
	ErrClientNotFound  = errors.New("client not found")
)
