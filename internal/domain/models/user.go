package models

import "time"

// User is the account record owned by the user repository. The auth service
// only reads ID and PassHash.
type User struct {
	ID           string
	Email        string
	PassHash     []byte
	Name         string
	DateOfBirth  *time.Time
	Supermarkets []string
	CreatedAt    time.Time
}

// PublicUser is the projection of User that may leave the service.
type PublicUser struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	DateOfBirth  *time.Time `json:"dateOfBirth,omitempty"`
	Supermarkets []string   `json:"supermarkets"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Public strips the password hash.
func (u User) Public() PublicUser {
	supermarkets := u.Supermarkets
	if supermarkets == nil {
		supermarkets = []string{}
	}

	return PublicUser{
		ID:           u.ID,
		Email:        u.Email,
		Name:         u.Name,
		DateOfBirth:  u.DateOfBirth,
		Supermarkets: supermarkets,
		CreatedAt:    u.CreatedAt,
	}
}
