package auth

import (
	"errors"

	"authsvc/internal/lib/jwt"
)

var (
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrUserExists          = errors.New("user already exists")
	ErrUserNotFound        = errors.New("user not found")
	ErrWeakPassword        = errors.New("password does not meet requirements")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNoToken             = errors.New("no token provided")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrExpiredRefreshToken = errors.New("refresh token expired")
	ErrInternal            = errors.New("internal error")
)

// Code is the stable reason attached to every rejection the service returns.
type Code string

const (
	CodeInvalidCredentials  Code = "INVALID_CREDENTIALS"
	CodeNoToken             Code = "NO_TOKEN"
	CodeMalformed           Code = "MALFORMED"
	CodeBadSignature        Code = "BAD_SIGNATURE"
	CodeExpired             Code = "EXPIRED"
	CodeInvalidToken        Code = "INVALID_TOKEN"
	CodeInvalidRefreshToken Code = "INVALID_REFRESH_TOKEN"
	CodeExpiredRefreshToken Code = "EXPIRED_REFRESH_TOKEN"
	CodeUserExists          Code = "USER_EXISTS"
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// CodeOf returns the reason code for an error returned by Auth. Errors the
// service does not recognise map to CodeInternal.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, ErrNoToken):
		return CodeNoToken
	case errors.Is(err, ErrInvalidRefreshToken):
		return CodeInvalidRefreshToken
	case errors.Is(err, ErrExpiredRefreshToken):
		return CodeExpiredRefreshToken
	case errors.Is(err, ErrUserExists):
		return CodeUserExists
	case errors.Is(err, ErrWeakPassword), errors.Is(err, ErrInvalidInput):
		return CodeValidation
	case errors.Is(err, ErrUserNotFound):
		return CodeNotFound
	}

	switch jwt.ReasonOf(err) {
	case jwt.ReasonMalformed:
		return CodeMalformed
	case jwt.ReasonBadSignature:
		return CodeBadSignature
	case jwt.ReasonExpired:
		return CodeExpired
	}

	return CodeInternal
}
