package auth

import (
	"fmt"
	"testing"

	"authsvc/internal/services/auth"
	"authsvc/internal/storage"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestToStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		code codes.Code
		msg  string
	}{
		{name: "credentials", err: auth.ErrInvalidCredentials, code: codes.Unauthenticated, msg: "INVALID_CREDENTIALS"},
		{name: "exists", err: auth.ErrUserExists, code: codes.AlreadyExists, msg: "USER_EXISTS"},
		{name: "weak password", err: auth.ErrWeakPassword, code: codes.InvalidArgument, msg: "VALIDATION_ERROR"},
		{name: "expired refresh", err: auth.ErrExpiredRefreshToken, code: codes.Unauthenticated, msg: "EXPIRED_REFRESH_TOKEN"},
		{name: "not found", err: auth.ErrUserNotFound, code: codes.NotFound, msg: "NOT_FOUND"},
		{name: "store failure", err: fmt.Errorf("wrapped: %w", storage.ErrUnknownBackend), code: codes.Internal, msg: "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := status.FromError(toStatus(tt.err))
			assert.True(t, ok)
			assert.Equal(t, tt.code, s.Code())
			assert.Equal(t, tt.msg, s.Message())
		})
	}
}

func TestFieldHelpers(t *testing.T) {
	t.Parallel()

	req, err := structpb.NewStruct(map[string]any{
		"email":        "a@b.c",
		"count":        3,
		"supermarkets": []any{"lidl", "", "aldi", 4},
	})
	assert.NoError(t, err)

	assert.Equal(t, "a@b.c", stringField(req, "email"))
	assert.Empty(t, stringField(req, "count"))
	assert.Empty(t, stringField(req, "missing"))
	assert.Equal(t, []string{"lidl", "aldi"}, stringsField(req, "supermarkets"))
	assert.Nil(t, stringsField(req, "missing"))
}
