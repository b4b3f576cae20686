package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"authsvc/internal/domain/models"
	"authsvc/internal/storage"
	"authsvc/internal/storage/migrator"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
//
// Writers take the database lock when their transaction begins, and the pool
// is limited to one connection, so concurrent requests queue instead of
// failing with SQLITE_BUSY.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", dsn(storagePath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{db: db}, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_busy_timeout=5000&_txlock=immediate"
}

// Migrate brings the schema up to date.
func (s *Storage) Migrate() (bool, error) {
	return migrator.Up(s.db, migrator.SQLite)
}

// MigrateDown rolls every migration back.
func (s *Storage) MigrateDown() error {
	return migrator.Down(s.db, migrator.SQLite)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) SaveUser(ctx context.Context, user models.User) (models.User, error) {
	const op = "storage.sqlite.SaveUser"

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	supermarkets, err := json.Marshal(nonNil(user.Supermarkets))
	if err != nil {
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	var dob sql.NullInt64
	if user.DateOfBirth != nil {
		dob = sql.NullInt64{Int64: user.DateOfBirth.Unix(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, pass_hash, name, date_of_birth, supermarkets, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.PassHash, user.Name, dob, string(supermarkets), user.CreatedAt.Unix(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return models.User{}, fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.sqlite.User"

	row := s.db.QueryRowContext(ctx, selectUser+" WHERE email = ?", email)

	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.sqlite.UserByID"

	row := s.db.QueryRowContext(ctx, selectUser+" WHERE id = ?", userID)

	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

func (s *Storage) UpdatePassHash(ctx context.Context, userID string, passHash []byte) error {
	const op = "storage.sqlite.UpdatePassHash"

	res, err := s.db.ExecContext(ctx, "UPDATE users SET pass_hash = ? WHERE id = ?", passHash, userID)
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
		dob          sql.NullInt64
		supermarkets string
		createdAt    int64
	)

	err := row.Scan(&user.ID, &user.Email, &user.PassHash, &user.Name, &dob, &supermarkets, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}

	if dob.Valid {
		t := time.Unix(dob.Int64, 0).UTC()
		user.DateOfBirth = &t
	}
	if err := json.Unmarshal([]byte(supermarkets), &user.Supermarkets); err != nil {
		return nil, fmt.Errorf("decode supermarkets: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &user, nil
}

// SaveRefreshToken stores a new refresh token hash.
func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.sqlite.SaveRefreshToken"

	if err := insertToken(ctx, s.db, token); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshToken returns the row matching both hash and owner while it is
// still valid. An expired row is removed and reported as not found.
func (s *Storage) RefreshToken(ctx context.Context, tokenHash, userID string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.RefreshToken"

	row := s.db.QueryRowContext(ctx, `
		SELECT token_hash, user_id, expires_at, created_at
		FROM refresh_tokens
		WHERE token_hash = ? AND user_id = ?`,
		tokenHash, userID,
	)

	var (
		token     models.RefreshToken
		expiresAt int64
		createdAt int64
	)
	if err := row.Scan(&token.TokenHash, &token.UserID, &expiresAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	token.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	token.CreatedAt = time.Unix(createdAt, 0).UTC()

	if token.Expired(time.Now()) {
		// best effort; the row is invalid either way
		_, _ = s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE token_hash = ?", tokenHash)
		return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return &token, nil
}

// DeleteRefreshToken revokes one token. Deleting a missing token is not an error.
func (s *Storage) DeleteRefreshToken(ctx context.Context, tokenHash, userID string) error {
	const op = "storage.sqlite.DeleteRefreshToken"

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE token_hash = ? AND user_id = ?",
		tokenHash, userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// DeleteUserRefreshTokens revokes every token of userID and returns how many
// rows were removed.
func (s *Storage) DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	const op = "storage.sqlite.DeleteUserRefreshTokens"

	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE user_id = ?", userID)
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
// transaction. Only one of several concurrent callers presenting the same
// old token succeeds; the others get storage.ErrTokenNotFound.
func (s *Storage) RotateRefreshToken(ctx context.Context, oldHash, userID string, next models.RefreshToken) error {
	const op = "storage.sqlite.RotateRefreshToken"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE token_hash = ? AND user_id = ? AND expires_at >= ?",
		oldHash, userID, time.Now().Unix(),
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
	const op = "storage.sqlite.DeleteExpiredRefreshTokens"

	res, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at < ?", time.Now().Unix())
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
		VALUES (?, ?, ?, ?)`,
		token.TokenHash, token.UserID, token.ExpiresAt.Unix(), createdAt.Unix(),
	)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
