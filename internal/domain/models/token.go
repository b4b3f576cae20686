package models

import "time"

// RefreshToken represents a refresh token stored in the database.
// A row exists only while the token is neither revoked nor expired;
// deletion is the revocation mechanism.
type RefreshToken struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the token is no longer usable at now.
func (t RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
