// Package auth exposes the session operations over gRPC.
//
// The service has no generated stubs: requests and responses are
// google.protobuf.Struct messages, so any gRPC client can call it with the
// well-known types alone.
package auth

import (
	"context"
	"errors"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/lib/identity"
	"authsvc/internal/services/auth"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "auth.v1.Auth"

const (
	MethodRegister  = "/" + ServiceName + "/Register"
	MethodLogin     = "/" + ServiceName + "/Login"
	MethodRefresh   = "/" + ServiceName + "/Refresh"
	MethodLogout    = "/" + ServiceName + "/Logout"
	MethodLogoutAll = "/" + ServiceName + "/LogoutAll"
	MethodMe        = "/" + ServiceName + "/Me"
)

// PublicMethods carry their own credentials in the request and bypass the
// access token interceptor.
var PublicMethods = []string{MethodRegister, MethodLogin, MethodRefresh, MethodLogout, MethodLogoutAll}

type Auth interface {
	Register(ctx context.Context, in auth.RegisterInput) (models.PublicUser, error)
	Login(ctx context.Context, email, password string) (*auth.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, refreshToken string) (string, error)
	Profile(ctx context.Context, userID string) (models.PublicUser, error)
}

// Server is the handler interface the service descriptor dispatches to.
type Server interface {
	Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Logout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	LogoutAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Me(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type serverAPI struct {
	auth Auth
}

func Register(gRPC *grpc.Server, auth Auth) {
	gRPC.RegisterService(&serviceDesc, &serverAPI{auth: auth})
}

func (s *serverAPI) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	email := stringField(req, "email")
	password := stringField(req, "password")
	if email == "" || password == "" {
		return nil, status.Error(codes.InvalidArgument, "email and password are required")
	}

	in := auth.RegisterInput{
		Email:        email,
		Password:     password,
		Name:         stringField(req, "name"),
		Supermarkets: stringsField(req, "supermarkets"),
	}
	if dob := stringField(req, "dateOfBirth"); dob != "" {
		t, err := time.Parse(time.DateOnly, dob)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "dateOfBirth must be YYYY-MM-DD")
		}
		in.DateOfBirth = &t
	}

	user, err := s.auth.Register(ctx, in)
	if err != nil {
		return nil, toStatus(err)
	}

	return newStruct(map[string]any{"user": userFields(user)})
}

func (s *serverAPI) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	email := stringField(req, "email")
	password := stringField(req, "password")
	if email == "" || password == "" {
		return nil, status.Error(codes.InvalidArgument, "email and password are required")
	}

	session, err := s.auth.Login(ctx, email, password)
	if err != nil {
		return nil, toStatus(err)
	}

	fields := pairFields(session.TokenPair)
	fields["user"] = userFields(session.User)

	return newStruct(fields)
}

func (s *serverAPI) Refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringField(req, "refreshToken")
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, string(auth.CodeNoToken))
	}

	pair, err := s.auth.Refresh(ctx, token)
	if err != nil {
		return nil, toStatus(err)
	}

	return newStruct(pairFields(*pair))
}

func (s *serverAPI) Logout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.auth.Logout(ctx, stringField(req, "refreshToken")); err != nil {
		return nil, toStatus(err)
	}

	return &structpb.Struct{}, nil
}

func (s *serverAPI) LogoutAll(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := s.auth.LogoutAll(ctx, stringField(req, "refreshToken"))
	if err != nil {
		return nil, toStatus(err)
	}

	return newStruct(map[string]any{"userId": userID})
}

func (s *serverAPI) Me(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	userID, ok := identity.UserID(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, string(auth.CodeNoToken))
	}

	user, err := s.auth.Profile(ctx, userID)
	if err != nil {
		return nil, toStatus(err)
	}

	return newStruct(map[string]any{"user": userFields(user)})
}

func toStatus(err error) error {
	code := auth.CodeOf(err)

	switch code {
	case auth.CodeValidation:
		return status.Error(codes.InvalidArgument, string(code))
	case auth.CodeUserExists:
		return status.Error(codes.AlreadyExists, string(code))
	case auth.CodeNotFound:
		return status.Error(codes.NotFound, string(code))
	case auth.CodeInvalidCredentials, auth.CodeInvalidRefreshToken, auth.CodeExpiredRefreshToken:
		return status.Error(codes.Unauthenticated, string(code))
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

func pairFields(pair auth.TokenPair) map[string]any {
	return map[string]any{
		"accessToken":      pair.AccessToken,
		"accessExpiresAt":  pair.AccessExpiresAt.UTC().Format(time.RFC3339),
		"refreshToken":     pair.RefreshToken,
		"refreshExpiresAt": pair.RefreshExpiresAt.UTC().Format(time.RFC3339),
	}
}

func userFields(user models.PublicUser) map[string]any {
	supermarkets := make([]any, 0, len(user.Supermarkets))
	for _, s := range user.Supermarkets {
		supermarkets = append(supermarkets, s)
	}

	fields := map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"name":         user.Name,
		"supermarkets": supermarkets,
		"createdAt":    user.CreatedAt.UTC().Format(time.RFC3339),
	}
	if user.DateOfBirth != nil {
		fields["dateOfBirth"] = user.DateOfBirth.Format(time.DateOnly)
	}

	return fields
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return s, nil
}

func stringField(req *structpb.Struct, name string) string {
	v, ok := req.GetFields()[name]
	if !ok {
		return ""
	}
	return v.GetStringValue()
}

func stringsField(req *structpb.Struct, name string) []string {
	v, ok := req.GetFields()[name]
	if !ok {
		return nil
	}

	var out []string
	for _, item := range v.GetListValue().GetValues() {
		if s := item.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var errUnknownServer = errors.New("handler does not implement auth.Server")

func unary(name string, call func(Server, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name

	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			server, ok := srv.(Server)
			if !ok {
				return nil, status.Error(codes.Internal, errUnknownServer.Error())
			}

			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(server, ctx, in)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", Server.Register),
		unary("Login", Server.Login),
		unary("Refresh", Server.Refresh),
		unary("Logout", Server.Logout),
		unary("LogoutAll", Server.LogoutAll),
		unary("Me", Server.Me),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "auth/v1/auth.proto",
}
