package interceptor

import (
	"context"
	"log/slog"
	"strings"

	"authsvc/internal/lib/identity"
	"authsvc/internal/lib/jwt"
	"authsvc/internal/lib/sl"
	"authsvc/internal/services/auth"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationKey = "authorization"

type AccessVerifier interface {
	VerifyAccess(accessToken string) (*jwt.Claims, error)
}

type Auth struct {
	log      *slog.Logger
	verifier AccessVerifier
	public   map[string]struct{}
}

// NewAuth returns the gRPC counterpart of the HTTP access gate. Methods in
// public are let through without a token.
func NewAuth(log *slog.Logger, verifier AccessVerifier, public ...string) *Auth {
	set := make(map[string]struct{}, len(public))
	for _, method := range public {
		set[method] = struct{}{}
	}

	return &Auth{
		log:      log.With(slog.String("component", "grpc/interceptor")),
		verifier: verifier,
		public:   set,
	}
}

func (a *Auth) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := a.authenticate(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}

		return handler(ctx, req)
	}
}

func (a *Auth) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := a.authenticate(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}

		return handler(srv, &identityStream{ServerStream: ss, ctx: ctx})
	}
}

func (a *Auth) authenticate(ctx context.Context, method string) (context.Context, error) {
	if _, ok := a.public[method]; ok {
		return ctx, nil
	}

	token := accessToken(ctx)
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, string(auth.CodeNoToken))
	}

	claims, err := a.verifier.VerifyAccess(token)
	if err != nil {
		a.log.Debug("access token rejected",
			slog.String("method", method),
			slog.String("reason", string(auth.CodeOf(err))),
			sl.Err(err),
		)
		return nil, status.Error(codes.PermissionDenied, string(auth.CodeInvalidToken))
	}

	return identity.WithUserID(ctx, claims.UserID), nil
}

func accessToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	for _, value := range md.Get(authorizationKey) {
		scheme, token, found := strings.Cut(strings.TrimSpace(value), " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}

	return ""
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context {
	return s.ctx
}
