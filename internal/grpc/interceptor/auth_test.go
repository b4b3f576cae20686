package interceptor

import (
	"context"
	"testing"
	"time"

	"authsvc/internal/lib/handlers/slogdiscard"
	"authsvc/internal/lib/identity"
	"authsvc/internal/lib/jwt"
	"authsvc/internal/services/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const protectedMethod = "/grocy.Lists/Create"

type codecVerifier struct {
	codec *jwt.Codec
}

func (v codecVerifier) VerifyAccess(token string) (*jwt.Claims, error) {
	return v.codec.Verify(token)
}

func newInterceptor(t *testing.T) (*Auth, *jwt.Codec) {
	t.Helper()

	codec, err := jwt.New(jwt.KindAccess, jwt.NewKeySet("", "secret", nil), time.Hour, "")
	require.NoError(t, err)

	return NewAuth(slogdiscard.NewDiscardLogger(), codecVerifier{codec}, grpc_health_v1.Health_Check_FullMethodName), codec
}

func withAuthorization(value string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(authorizationKey, value))
}

func TestUnary(t *testing.T) {
	t.Parallel()

	a, codec := newInterceptor(t)

	valid, _, err := codec.Issue("u-1")
	require.NoError(t, err)
	expired, _, err := codec.IssueWithTTL("u-1", -time.Second)
	require.NoError(t, err)

	tests := []struct {
		name   string
		ctx    context.Context
		method string
		code   codes.Code
		msg    string
		userID string
	}{
		{name: "valid", ctx: withAuthorization("Bearer " + valid), method: protectedMethod, code: codes.OK, userID: "u-1"},
		{name: "no metadata", ctx: context.Background(), method: protectedMethod, code: codes.Unauthenticated, msg: string(auth.CodeNoToken)},
		{name: "wrong scheme", ctx: withAuthorization("Basic abc"), method: protectedMethod, code: codes.Unauthenticated, msg: string(auth.CodeNoToken)},
		{name: "garbage", ctx: withAuthorization("Bearer garbage"), method: protectedMethod, code: codes.PermissionDenied, msg: string(auth.CodeInvalidToken)},
		{name: "expired", ctx: withAuthorization("Bearer " + expired), method: protectedMethod, code: codes.PermissionDenied, msg: string(auth.CodeInvalidToken)},
		{name: "public method", ctx: context.Background(), method: grpc_health_v1.Health_Check_FullMethodName, code: codes.OK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotUserID string
			called := false
			handler := func(ctx context.Context, req any) (any, error) {
				called = true
				gotUserID, _ = identity.UserID(ctx)
				return "ok", nil
			}

			resp, err := a.Unary()(tt.ctx, nil, &grpc.UnaryServerInfo{FullMethod: tt.method}, handler)

			if tt.code == codes.OK {
				require.NoError(t, err)
				assert.True(t, called)
				assert.Equal(t, "ok", resp)
				assert.Equal(t, tt.userID, gotUserID)
				return
			}

			require.Error(t, err)
			assert.False(t, called)
			assert.Equal(t, tt.code, status.Code(err))
			assert.Equal(t, tt.msg, status.Convert(err).Message())
		})
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s fakeStream) Context() context.Context { return s.ctx }

func TestStream(t *testing.T) {
	t.Parallel()

	a, codec := newInterceptor(t)

	valid, _, err := codec.Issue("u-2")
	require.NoError(t, err)

	var gotUserID string
	handler := func(srv any, ss grpc.ServerStream) error {
		gotUserID, _ = identity.UserID(ss.Context())
		return nil
	}
	info := &grpc.StreamServerInfo{FullMethod: protectedMethod}

	err = a.Stream()(nil, fakeStream{ctx: withAuthorization("Bearer " + valid)}, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "u-2", gotUserID)

	err = a.Stream()(nil, fakeStream{ctx: context.Background()}, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
