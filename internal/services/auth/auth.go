package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/lib/hasher"
	"authsvc/internal/lib/jwt"
	"authsvc/internal/lib/sl"
	"authsvc/internal/storage"
)

type Auth struct {
	log           *slog.Logger
	userSaver     UserSaver
	userProvider  UserProvider
	tokenProvider RefreshTokenProvider
	hasher        PasswordHasher
	access        TokenCodec
	refresh       TokenCodec
	refreshPepper string
	rotateRefresh bool

	dummyOnce sync.Once
	dummyHash []byte
}

type UserSaver interface {
	SaveUser(ctx context.Context, user models.User) (models.User, error)
	UpdatePassHash(ctx context.Context, userID string, passHash []byte) error
}

type UserProvider interface {
	User(ctx context.Context, email string) (*models.User, error)
	UserByID(ctx context.Context, userID string) (*models.User, error)
}

type RefreshTokenProvider interface {
	SaveRefreshToken(ctx context.Context, token models.RefreshToken) error
	RefreshToken(ctx context.Context, tokenHash, userID string) (*models.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, tokenHash, userID string) error
	DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error)
	RotateRefreshToken(ctx context.Context, oldHash, userID string, next models.RefreshToken) error
}

type PasswordHasher interface {
	Hash(password string) ([]byte, error)
	Verify(password string, digest []byte) bool
	NeedsRehash(digest []byte) bool
}

type TokenCodec interface {
	Issue(userID string) (string, time.Time, error)
	Verify(token string) (*jwt.Claims, error)
}

type Options struct {
	// RefreshPepper is mixed into the digest under which refresh tokens are stored.
	RefreshPepper string
	// RotateRefresh makes every successful Refresh consume the presented
	// refresh token and hand out a new one.
	RotateRefresh bool
}

type RegisterInput struct {
	Email        string
	Password     string
	Name         string
	DateOfBirth  *time.Time
	Supermarkets []string
}

type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type Session struct {
	TokenPair
	User models.PublicUser
}

// New returns a new instance of the Auth service.
func New(
	log *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	tokenProvider RefreshTokenProvider,
	passwordHasher PasswordHasher,
	access TokenCodec,
	refresh TokenCodec,
	opts Options,
) *Auth {
	return &Auth{
		log:           log,
		userSaver:     userSaver,
		userProvider:  userProvider,
		tokenProvider: tokenProvider,
		hasher:        passwordHasher,
		access:        access,
		refresh:       refresh,
		refreshPepper: opts.RefreshPepper,
		rotateRefresh: opts.RotateRefresh,
	}
}

// Register creates a user with a freshly hashed password.
func (a *Auth) Register(ctx context.Context, in RegisterInput) (models.PublicUser, error) {
	const op = "auth.Register"

	email := normalizeEmail(in.Email)
	log := a.log.With(slog.String("op", op), slog.String("email", email))
	log.Info("registering user")

	if _, err := mail.ParseAddress(email); err != nil {
		log.Warn("invalid email", sl.Err(err))
		return models.PublicUser{}, fmt.Errorf("%s: email: %w", op, ErrInvalidInput)
	}

	passHash, err := a.hasher.Hash(in.Password)
	if err != nil {
		if errors.Is(err, hasher.ErrPasswordTooShort) || errors.Is(err, hasher.ErrPasswordTooLong) {
			log.Warn("weak password", sl.Err(err))
			return models.PublicUser{}, fmt.Errorf("%s: %w", op, ErrWeakPassword)
		}
		log.Error("failed to generate password hash", sl.Err(err))
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, ErrInternal)
	}

	user, err := a.userSaver.SaveUser(ctx, models.User{
		Email:        email,
		PassHash:     passHash,
		Name:         strings.TrimSpace(in.Name),
		DateOfBirth:  in.DateOfBirth,
		Supermarkets: in.Supermarkets,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("user already exists", sl.Err(err))
			return models.PublicUser{}, fmt.Errorf("%s: %w", op, ErrUserExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, ErrInternal)
	}

	log.Info("user registered", slog.String("user_id", user.ID))

	return user.Public(), nil
}

// Login checks the credentials and opens a new session. An unknown email and
// a wrong password are indistinguishable to the caller.
func (a *Auth) Login(ctx context.Context, email, password string) (*Session, error) {
	const op = "auth.Login"

	email = normalizeEmail(email)
	log := a.log.With(slog.String("op", op))
	log.Info("attempting to login user")

	user, err := a.userProvider.User(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			a.verifyDummy(password)
			log.Warn("user not found")
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInternal)
	}

	if !a.hasher.Verify(password, user.PassHash) {
		log.Warn("invalid password", slog.String("user_id", user.ID))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	a.upgradeHash(ctx, log, user, password)

	pair, err := a.issuePair(user.ID)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInternal)
	}

	err = a.tokenProvider.SaveRefreshToken(ctx, models.RefreshToken{
		TokenHash: a.hashRefreshToken(pair.RefreshToken),
		UserID:    user.ID,
		ExpiresAt: pair.RefreshExpiresAt,
		CreatedAt: time.Now(),
	})
	if err != nil {
		log.Error("failed to save refresh token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInternal)
	}

	log.Info("user logged in", slog.String("user_id", user.ID))

	return &Session{TokenPair: pair, User: user.Public()}, nil
}

// Refresh exchanges a refresh token for a new access token. The store, not the
// signature, decides whether the refresh token is still good. With rotation
// enabled the presented token is consumed and a new one returned; otherwise
// the same refresh token comes back.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	const op = "auth.Refresh"

	log := a.log.With(slog.String("op", op))

	claims, err := a.refresh.Verify(refreshToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			log.Info("refresh token expired")
			return nil, fmt.Errorf("%s: %w", op, ErrExpiredRefreshToken)
		}
		log.Warn("refresh token rejected", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
	}

	log = log.With(slog.String("user_id", claims.UserID))
	tokenHash := a.hashRefreshToken(refreshToken)

	if !a.rotateRefresh {
		if _, err := a.tokenProvider.RefreshToken(ctx, tokenHash, claims.UserID); err != nil {
			return nil, a.storeRejection(log, op, err)
		}

		accessToken, accessExp, err := a.access.Issue(claims.UserID)
		if err != nil {
			log.Error("failed to issue access token", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInternal)
		}

		log.Info("access token refreshed")

		return &TokenPair{
			AccessToken:      accessToken,
			AccessExpiresAt:  accessExp,
			RefreshToken:     refreshToken,
			RefreshExpiresAt: claims.ExpiresAt.Time,
		}, nil
	}

	// issue first so a signing failure never burns the old token
	pair, err := a.issuePair(claims.UserID)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, ErrInternal)
	}

	err = a.tokenProvider.RotateRefreshToken(ctx, tokenHash, claims.UserID, models.RefreshToken{
		TokenHash: a.hashRefreshToken(pair.RefreshToken),
		UserID:    claims.UserID,
		ExpiresAt: pair.RefreshExpiresAt,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, a.storeRejection(log, op, err)
	}

	log.Info("tokens refreshed")

	return &pair, nil
}

// Logout revokes one refresh token. A token that does not verify or is
// already revoked leaves nothing to end, so it is not an error.
func (a *Auth) Logout(ctx context.Context, refreshToken string) error {
	const op = "auth.Logout"

	log := a.log.With(slog.String("op", op))

	claims, err := a.refresh.Verify(refreshToken)
	if err != nil {
		log.Info("ignoring unverifiable refresh token", sl.Err(err))
		return nil
	}

	err = a.tokenProvider.DeleteRefreshToken(ctx, a.hashRefreshToken(refreshToken), claims.UserID)
	if err != nil {
		log.Error("failed to delete refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, ErrInternal)
	}

	log.Info("session ended", slog.String("user_id", claims.UserID))

	return nil
}

// LogoutAll revokes every refresh token of the owner of refreshToken and
// returns that owner. It returns an empty id when the token does not verify.
func (a *Auth) LogoutAll(ctx context.Context, refreshToken string) (string, error) {
	const op = "auth.LogoutAll"

	log := a.log.With(slog.String("op", op))

	claims, err := a.refresh.Verify(refreshToken)
	if err != nil {
		log.Info("ignoring unverifiable refresh token", sl.Err(err))
		return "", nil
	}

	n, err := a.tokenProvider.DeleteUserRefreshTokens(ctx, claims.UserID)
	if err != nil {
		log.Error("failed to delete refresh tokens", sl.Err(err), slog.String("user_id", claims.UserID))
		return "", fmt.Errorf("%s: %w", op, ErrInternal)
	}

	log.Info("all sessions ended", slog.String("user_id", claims.UserID), slog.Int64("revoked", n))

	return claims.UserID, nil
}

// VerifyAccess validates an access token without touching any store.
func (a *Auth) VerifyAccess(accessToken string) (*jwt.Claims, error) {
	const op = "auth.VerifyAccess"

	if accessToken == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNoToken)
	}

	claims, err := a.access.Verify(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return claims, nil
}

// Profile returns the public view of a user.
func (a *Auth) Profile(ctx context.Context, userID string) (models.PublicUser, error) {
	const op = "auth.Profile"

	log := a.log.With(slog.String("op", op), slog.String("user_id", userID))

	user, err := a.userProvider.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found")
			return models.PublicUser{}, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return models.PublicUser{}, fmt.Errorf("%s: %w", op, ErrInternal)
	}

	return user.Public(), nil
}

func (a *Auth) issuePair(userID string) (TokenPair, error) {
	accessToken, accessExp, err := a.access.Issue(userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("access: %w", err)
	}

	refreshToken, refreshExp, err := a.refresh.Issue(userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh: %w", err)
	}

	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (a *Auth) storeRejection(log *slog.Logger, op string, err error) error {
	if errors.Is(err, storage.ErrTokenNotFound) {
		log.Warn("refresh token revoked or unknown")
		return fmt.Errorf("%s: %w", op, ErrInvalidRefreshToken)
	}

	log.Error("refresh token store failed", sl.Err(err))
	return fmt.Errorf("%s: %w", op, ErrInternal)
}

// upgradeHash rewrites the stored digest when it was produced with an older
// algorithm or weaker parameters. Failure only costs the upgrade.
func (a *Auth) upgradeHash(ctx context.Context, log *slog.Logger, user *models.User, password string) {
	if !a.hasher.NeedsRehash(user.PassHash) {
		return
	}

	passHash, err := a.hasher.Hash(password)
	if err != nil {
		log.Warn("failed to rehash password", sl.Err(err))
		return
	}

	if err := a.userSaver.UpdatePassHash(ctx, user.ID, passHash); err != nil {
		log.Warn("failed to store upgraded password hash", sl.Err(err))
		return
	}

	log.Info("password hash upgraded", slog.String("user_id", user.ID))
}

// verifyDummy spends about as long as a real verification so response time
// does not reveal whether an email is registered.
func (a *Auth) verifyDummy(password string) {
	a.dummyOnce.Do(func() {
		a.dummyHash, _ = a.hasher.Hash("timing-equalizer-password")
	})
	if a.dummyHash != nil {
		a.hasher.Verify(password, a.dummyHash)
	}
}

// hashRefreshToken computes the SHA-256 digest of the token with pepper.
func (a *Auth) hashRefreshToken(token string) string {
	h := sha256.New()
	h.Write([]byte(token + a.refreshPepper))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
