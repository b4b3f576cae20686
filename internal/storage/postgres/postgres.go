package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/storage"
	"authsvc/internal/storage/migrator"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const uniqueViolation = "23505"

type Storage struct {
	db *sql.DB
}

// New opens a connection pool to dsn and checks it is reachable.
func New(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.postgres.New"

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return &Storage{db: db}, nil
}

// Migrate brings the schema up to date.
func (s *Storage) Migrate() (bool, error) {
	return migrator.Up(s.db, migrator.Postgres)
}

// MigrateDown rolls every migration back.
func (s *Storage) MigrateDown() error {
	return migrator.Down(s.db, migrator.Postgres)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, user models.User) (models.User, error) {
	const op = "storage.postgres.SaveUser"

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}

	supermarkets := user.Supermarkets
	if supermarkets == nil {
		supermarkets = []string{}
	}
	encoded, err := json.Marshal(supermarkets)
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	var dob sql.NullTime
	if user.DateOfBirth != nil {
		dob = sql.NullTime{Time: *user.DateOfBirth, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, pass_hash, name, date_of_birth, supermarkets, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Email, user.PassHash, user.Name, dob, string(encoded), user.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.postgres.User"

	user, err := scanUser(s.db.QueryRowContext(ctx, selectUser+" WHERE email = $1", email))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.postgres.UserByID"

	user, err := scanUser(s.db.QueryRowContext(ctx, selectUser+" WHERE id = $1", userID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) UpdatePassHash(ctx context.Context, userID string, passHash []byte) error {
	const op = "storage.postgres.UpdatePassHash"

	res, err := s.db.ExecContext(ctx, "UPDATE users SET pass_hash = $1 WHERE id = $2", passHash, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}

	return nil
}

const selectUser = `SELECT id, email, pass_hash, name, date_of_birth, supermarkets, created_at FROM users`

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		user         models.User
		dob          sql.NullTime
		supermarkets []byte
	)

	err := row.Scan(&user.ID, &user.Email, &user.PassHash, &user.Name, &dob, &supermarkets, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}

	if dob.Valid {
		t := dob.Time.UTC()
		user.DateOfBirth = &t
	}
	if err := json.Unmarshal(supermarkets, &user.Supermarkets); err != nil {
		return nil, fmt.Errorf("decode supermarkets: %w", err)
	}

	return &user, nil
}

// SaveRefreshToken stores a new refresh token hash.
func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.postgres.SaveRefreshToken"

	if err := insertToken(ctx, s.db, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshToken returns the row matching both hash and owner while it is
// still valid. An expired row is removed and reported as not found.
func (s *Storage) RefreshToken(ctx context.Context, tokenHash, userID string) (*models.RefreshToken, error) {
	const op = "storage.postgres.RefreshToken"

	var token models.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, user_id, expires_at, created_at
		FROM refresh_tokens
		WHERE token_hash = $1 AND user_id = $2`,
		tokenHash, userID,
	).Scan(&token.TokenHash, &token.UserID, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if token.Expired(time.Now()) {
		// best effort; the row is invalid either way
		_, _ = s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE token_hash = $1", tokenHash)
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return &token, nil
}

// DeleteRefreshToken revokes one token. Deleting a missing token is not an error.
func (s *Storage) DeleteRefreshToken(ctx context.Context, tokenHash, userID string) error {
	const op = "storage.postgres.DeleteRefreshToken"

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE token_hash = $1 AND user_id = $2",
		tokenHash, userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	const op = "storage.postgres.DeleteUserRefreshTokens"

	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE user_id = $1", userID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

// RotateRefreshToken consumes the old token and stores next in one
// transaction. The DELETE takes a row lock, so only one concurrent caller
// sees the old row.
func (s *Storage) RotateRefreshToken(ctx context.Context, oldHash, userID string, next models.RefreshToken) error {
	const op = "storage.postgres.RotateRefreshToken"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE token_hash = $1 AND user_id = $2 AND expires_at >= now()",
		oldHash, userID,
	)
	if err != nil {
		return fmt.Errorf("%s: revoke old: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: revoke old: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	if err := insertToken(ctx, tx, next); err != nil {
		return fmt.Errorf("%s: insert new: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	return nil
}

// DeleteExpiredRefreshTokens removes rows whose expiry has passed.
func (s *Storage) DeleteExpiredRefreshTokens(ctx context.Context) (int64, error) {
	const op = "storage.postgres.DeleteExpiredRefreshTokens"

	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at < now()")
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, token models.RefreshToken) error {
	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)`,
		token.TokenHash, token.UserID, token.ExpiresAt, createdAt,
	)
	return err
}
