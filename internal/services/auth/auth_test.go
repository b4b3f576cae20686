package auth_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/lib/handlers/slogdiscard"
	"authsvc/internal/lib/hasher"
	"authsvc/internal/lib/jwt"
	"authsvc/internal/services/auth"
	"authsvc/internal/storage/sqlite"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessSecret   = "access-secret"
	refreshSecret  = "refresh-secret"
	passDefaultLen = 12
)

type env struct {
	auth    *auth.Auth
	store   *sqlite.Storage
	access  *jwt.Codec
	refresh *jwt.Codec
}

type envOption func(*envConfig)

type envConfig struct {
	rotate     bool
	bcryptCost int
	tokens     auth.RefreshTokenProvider
}

func withoutRotation() envOption { return func(c *envConfig) { c.rotate = false } }

func withBcryptCost(cost int) envOption { return func(c *envConfig) { c.bcryptCost = cost } }

func withTokenProvider(p auth.RefreshTokenProvider) envOption {
	return func(c *envConfig) { c.tokens = p }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()

	cfg := envConfig{rotate: true, bcryptCost: bcrypt.MinCost}
	for _, opt := range opts {
		opt(&cfg)
	}

	store, err := sqlite.New(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Migrate()
	require.NoError(t, err)

	return newEnvWithStore(t, store, cfg)
}

func newEnvWithStore(t *testing.T, store *sqlite.Storage, cfg envConfig) *env {
	t.Helper()

	h, err := hasher.New(hasher.Config{Algorithm: hasher.Bcrypt, BcryptCost: cfg.bcryptCost})
	require.NoError(t, err)

	access, err := jwt.New(jwt.KindAccess, jwt.NewKeySet("", accessSecret, nil), time.Hour, "")
	require.NoError(t, err)

	refresh, err := jwt.New(jwt.KindRefresh, jwt.NewKeySet("", refreshSecret, nil), 24*time.Hour, "")
	require.NoError(t, err)

	var tokens auth.RefreshTokenProvider = store
	if cfg.tokens != nil {
		tokens = cfg.tokens
	}

	a := auth.New(slogdiscard.NewDiscardLogger(), store, store, tokens, h, access, refresh, auth.Options{
		RefreshPepper: "pepper",
		RotateRefresh: cfg.rotate,
	})

	return &env{auth: a, store: store, access: access, refresh: refresh}
}

func randomCredentials() (string, string) {
	return gofakeit.Email(), gofakeit.Password(true, true, true, true, false, passDefaultLen)
}

func (e *env) register(t *testing.T) (models.PublicUser, string, string) {
	t.Helper()

	email, password := randomCredentials()
	user, err := e.auth.Register(context.Background(), auth.RegisterInput{
		Email:    email,
		Password: password,
		Name:     gofakeit.Name(),
	})
	require.NoError(t, err)

	return user, email, password
}

func TestScenario_RegisterLoginRefreshLogout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)

	user, err := e.auth.Register(ctx, auth.RegisterInput{Email: "a@x.com", Password: "pw12345678", Name: "A"})
	require.NoError(t, err)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "a@x.com", user.Email)

	session, err := e.auth.Login(ctx, "a@x.com", "pw12345678")
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.NotEqual(t, session.AccessToken, session.RefreshToken)
	assert.Equal(t, user.ID, session.User.ID)

	pair, err := e.auth.Refresh(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEqual(t, session.AccessToken, pair.AccessToken)

	claims, err := e.auth.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	require.NoError(t, e.auth.Logout(ctx, pair.RefreshToken))

	_, err = e.auth.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestLogin_HappyPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	user, email, password := e.register(t)

	session, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)

	assert.Equal(t, user.ID, session.User.ID)
	assert.Equal(t, user.Email, session.User.Email)
	assert.True(t, session.AccessExpiresAt.After(time.Now()))
	assert.True(t, session.RefreshExpiresAt.After(session.AccessExpiresAt))

	claims, err := e.access.Verify(session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	claims, err = e.refresh.Verify(session.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
}

func TestLogin_EmailIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)

	_, err := e.auth.Register(ctx, auth.RegisterInput{Email: "  Mixed@Example.com", Password: "pw12345678"})
	require.NoError(t, err)

	_, err = e.auth.Login(ctx, "mixed@example.COM", "pw12345678")
	assert.NoError(t, err)
}

func TestLogin_FailCases(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, email, password := e.register(t)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "wrong password", email: email, password: password + "x"},
		{name: "empty password", email: email, password: ""},
		{name: "unknown email", email: gofakeit.Email(), password: password},
		{name: "empty email", email: "", password: password},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			session, err := e.auth.Login(context.Background(), tt.email, tt.password)
			require.Error(t, err)
			assert.Nil(t, session)
			assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
			assert.Equal(t, auth.CodeInvalidCredentials, auth.CodeOf(err))
		})
	}
}

func TestLogin_UpgradesWeakHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	weak := newEnv(t)
	user, email, password := weak.register(t)

	strong := newEnvWithStore(t, weak.store, envConfig{rotate: true, bcryptCost: bcrypt.MinCost + 1})

	_, err := strong.auth.Login(ctx, email, password)
	require.NoError(t, err)

	stored, err := weak.store.UserByID(ctx, user.ID)
	require.NoError(t, err)

	cost, err := bcrypt.Cost(stored.PassHash)
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost+1, cost)

	_, err = weak.auth.Login(ctx, email, password)
	assert.NoError(t, err, "upgraded hash still verifies")
}

func TestRegister_FailCases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	_, existing, _ := e.register(t)

	tests := []struct {
		name     string
		input    auth.RegisterInput
		expected error
		code     auth.Code
	}{
		{
			name:     "duplicate email",
			input:    auth.RegisterInput{Email: existing, Password: "pw12345678"},
			expected: auth.ErrUserExists,
			code:     auth.CodeUserExists,
		},
		{
			name:     "short password",
			input:    auth.RegisterInput{Email: gofakeit.Email(), Password: "short"},
			expected: auth.ErrWeakPassword,
			code:     auth.CodeValidation,
		},
		{
			name:     "too long password",
			input:    auth.RegisterInput{Email: gofakeit.Email(), Password: gofakeit.LetterN(80)},
			expected: auth.ErrWeakPassword,
			code:     auth.CodeValidation,
		},
		{
			name:     "invalid email",
			input:    auth.RegisterInput{Email: "not-an-email", Password: "pw12345678"},
			expected: auth.ErrInvalidInput,
			code:     auth.CodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.auth.Register(ctx, tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)
			assert.Equal(t, tt.code, auth.CodeOf(err))
		})
	}
}

func TestRegister_ProfileFields(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	dob := time.Date(1985, 3, 2, 0, 0, 0, 0, time.UTC)

	user, err := e.auth.Register(ctx, auth.RegisterInput{
		Email:        gofakeit.Email(),
		Password:     "pw12345678",
		Name:         "  Ada  ",
		DateOfBirth:  &dob,
		Supermarkets: []string{"coop"},
	})
	require.NoError(t, err)

	profile, err := e.auth.Profile(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", profile.Name)
	assert.Equal(t, []string{"coop"}, profile.Supermarkets)
	require.NotNil(t, profile.DateOfBirth)
	assert.True(t, dob.Equal(*profile.DateOfBirth))
}

func TestProfile_NotFound(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	_, err := e.auth.Profile(context.Background(), "missing")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)
	assert.Equal(t, auth.CodeNotFound, auth.CodeOf(err))
}

func TestRefresh_RotatesToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	_, email, password := e.register(t)

	session, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)

	pair, err := e.auth.Refresh(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, session.RefreshToken, pair.RefreshToken)

	_, err = e.auth.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken, "a rotated token is consumed")

	_, err = e.auth.Refresh(ctx, pair.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_WithoutRotationReusesToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, withoutRotation())
	_, email, password := e.register(t)

	session, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)

	for range 3 {
		pair, err := e.auth.Refresh(ctx, session.RefreshToken)
		require.NoError(t, err)
		assert.Equal(t, session.RefreshToken, pair.RefreshToken)
		assert.NotEqual(t, session.AccessToken, pair.AccessToken)
	}

	require.NoError(t, e.auth.Logout(ctx, session.RefreshToken))

	_, err = e.auth.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestRefresh_Rejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	user, email, password := e.register(t)

	session, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)

	expired, _, err := e.refresh.IssueWithTTL(user.ID, -time.Second)
	require.NoError(t, err)

	// well signed but never stored
	unknown, _, err := e.refresh.Issue(user.ID)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		expected error
		code     auth.Code
	}{
		{name: "empty", token: "", expected: auth.ErrInvalidRefreshToken, code: auth.CodeInvalidRefreshToken},
		{name: "garbage", token: "garbage", expected: auth.ErrInvalidRefreshToken, code: auth.CodeInvalidRefreshToken},
		{name: "access token", token: session.AccessToken, expected: auth.ErrInvalidRefreshToken, code: auth.CodeInvalidRefreshToken},
		{name: "not stored", token: unknown, expected: auth.ErrInvalidRefreshToken, code: auth.CodeInvalidRefreshToken},
		{name: "expired", token: expired, expected: auth.ErrExpiredRefreshToken, code: auth.CodeExpiredRefreshToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, err := e.auth.Refresh(ctx, tt.token)
			require.Error(t, err)
			assert.Nil(t, pair)
			assert.ErrorIs(t, err, tt.expected)
			assert.Equal(t, tt.code, auth.CodeOf(err))
		})
	}
}

func TestRefresh_ConcurrentRotationSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	_, email, password := e.register(t)

	session, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		winners  atomic.Int32
		rejected atomic.Int32
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.auth.Refresh(ctx, session.RefreshToken)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, auth.ErrInvalidRefreshToken):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
	assert.EqualValues(t, 5, rejected.Load())
}

func TestLogout_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	_, email, password := e.register(t)

	session, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)

	require.NoError(t, e.auth.Logout(ctx, session.RefreshToken))
	require.NoError(t, e.auth.Logout(ctx, session.RefreshToken))
	require.NoError(t, e.auth.Logout(ctx, "garbage"))
	require.NoError(t, e.auth.Logout(ctx, ""))

	_, err = e.auth.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
}

func TestLogout_KeepsOtherSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	_, email, password := e.register(t)

	phone, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)
	laptop, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)

	require.NoError(t, e.auth.Logout(ctx, phone.RefreshToken))

	_, err = e.auth.Refresh(ctx, laptop.RefreshToken)
	assert.NoError(t, err)
}

func TestLogoutAll_RevokesEverySession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	user, email, password := e.register(t)
	_, otherEmail, otherPassword := e.register(t)

	first, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)
	second, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)
	other, err := e.auth.Login(ctx, otherEmail, otherPassword)
	require.NoError(t, err)

	userID, err := e.auth.LogoutAll(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, userID)

	_, err = e.auth.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)
	_, err = e.auth.Refresh(ctx, second.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	_, err = e.auth.Refresh(ctx, other.RefreshToken)
	assert.NoError(t, err, "other users keep their sessions")

	userID, err = e.auth.LogoutAll(ctx, "garbage")
	require.NoError(t, err)
	assert.Empty(t, userID)
}

func TestVerifyAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t)
	_, email, password := e.register(t)

	session, err := e.auth.Login(ctx, email, password)
	require.NoError(t, err)

	expired, _, err := e.access.IssueWithTTL("u-1", -time.Second)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		code  auth.Code
	}{
		{name: "valid", token: session.AccessToken, code: ""},
		{name: "missing", token: "", code: auth.CodeNoToken},
		{name: "garbage", token: "garbage", code: auth.CodeMalformed},
		{name: "refresh token", token: session.RefreshToken, code: auth.CodeBadSignature},
		{name: "expired", token: expired, code: auth.CodeExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.auth.VerifyAccess(tt.token)
			assert.Equal(t, tt.code, auth.CodeOf(err))
		})
	}
}

type failingTokens struct {
	auth.RefreshTokenProvider
}

var errStoreDown = errors.New("store down")

func (failingTokens) SaveRefreshToken(context.Context, models.RefreshToken) error {
	return errStoreDown
}

func (failingTokens) RefreshToken(context.Context, string, string) (*models.RefreshToken, error) {
	return nil, errStoreDown
}

func (failingTokens) DeleteRefreshToken(context.Context, string, string) error {
	return errStoreDown
}

func (failingTokens) DeleteUserRefreshTokens(context.Context, string) (int64, error) {
	return 0, errStoreDown
}

func (failingTokens) RotateRefreshToken(context.Context, string, string, models.RefreshToken) error {
	return errStoreDown
}

func TestStoreFailure_IsInternal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, withTokenProvider(failingTokens{}))
	user, email, password := e.register(t)

	_, err := e.auth.Login(ctx, email, password)
	assert.ErrorIs(t, err, auth.ErrInternal)
	assert.NotErrorIs(t, err, errStoreDown, "store detail must not leak")
	assert.Equal(t, auth.CodeInternal, auth.CodeOf(err))

	token, _, err := e.refresh.Issue(user.ID)
	require.NoError(t, err)

	_, err = e.auth.Refresh(ctx, token)
	assert.ErrorIs(t, err, auth.ErrInternal)

	err = e.auth.Logout(ctx, token)
	assert.ErrorIs(t, err, auth.ErrInternal)

	_, err = e.auth.LogoutAll(ctx, token)
	assert.ErrorIs(t, err, auth.ErrInternal)
}

func TestCodeOf_Unknown(t *testing.T) {
	assert.Equal(t, auth.Code(""), auth.CodeOf(nil))
	assert.Equal(t, auth.CodeInternal, auth.CodeOf(errors.New("boom")))
}
