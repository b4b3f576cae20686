package storage

import "errors"

var (
	ErrUserExists     = errors.New("user already exists")
	ErrUserNotFound   = errors.New("user not found")
	ErrTokenNotFound  = errors.New("refresh token not found")
	ErrUnknownBackend = errors.New("unknown storage backend")
)
