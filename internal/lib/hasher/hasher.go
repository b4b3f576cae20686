// Package hasher implements one-way salted adaptive password hashing.
//
// Digests are self-describing: bcrypt digests start with "$2", argon2id
// digests use the PHC string format. Verify dispatches on that prefix, so
// switching the configured algorithm never locks out existing users.
package hasher

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

type Algorithm string

const (
	Bcrypt   Algorithm = "bcrypt"
	Argon2id Algorithm = "argon2id"
)

// MinPasswordLen is the shortest accepted password, in bytes.
const MinPasswordLen = 8

var (
	ErrPasswordTooShort = fmt.Errorf("password must be at least %d bytes", MinPasswordLen)
	ErrPasswordTooLong  = errors.New("password is too long")
	ErrUnknownAlgorithm = errors.New("unknown hashing algorithm")
)

type Config struct {
	Algorithm  Algorithm
	BcryptCost int
	Argon2     Argon2Params
}

// Hasher is safe for concurrent use.
type Hasher struct {
	cfg Config
}

// New validates cfg, filling zero values with defaults.
func New(cfg Config) (*Hasher, error) {
	const op = "hasher.New"

	if cfg.Algorithm == "" {
		cfg.Algorithm = Bcrypt
	}

	switch cfg.Algorithm {
	case Bcrypt:
		if cfg.BcryptCost == 0 {
			cfg.BcryptCost = bcrypt.DefaultCost
		}
		if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
			return nil, fmt.Errorf("%s: bcrypt cost %d out of range", op, cfg.BcryptCost)
		}
	case Argon2id:
		cfg.Argon2 = cfg.Argon2.withDefaults()
	default:
		return nil, fmt.Errorf("%s: %w: %q", op, ErrUnknownAlgorithm, cfg.Algorithm)
	}

	return &Hasher{cfg: cfg}, nil
}

// Hash returns a fresh digest of password. Two calls with the same input
// return different digests.
func (h *Hasher) Hash(password string) ([]byte, error) {
	const op = "hasher.Hash"

	if len(password) < MinPasswordLen {
		return nil, fmt.Errorf("%s: %w", op, ErrPasswordTooShort)
	}

	switch h.cfg.Algorithm {
	case Argon2id:
		digest, err := hashArgon2id(password, h.cfg.Argon2)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return digest, nil
	default:
		digest, err := bcrypt.GenerateFromPassword([]byte(password), h.cfg.BcryptCost)
		if err != nil {
			if errors.Is(err, bcrypt.ErrPasswordTooLong) {
				return nil, fmt.Errorf("%s: %w", op, ErrPasswordTooLong)
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return digest, nil
	}
}

// Verify reports whether password matches digest. A malformed digest is a
// mismatch.
func (h *Hasher) Verify(password string, digest []byte) bool {
	switch {
	case isArgon2id(digest):
		return verifyArgon2id(password, digest)
	case isBcrypt(digest):
		return bcrypt.CompareHashAndPassword(digest, []byte(password)) == nil
	default:
		return false
	}
}

// NeedsRehash reports whether digest was produced by a different algorithm
// or weaker parameters than the configured ones.
func (h *Hasher) NeedsRehash(digest []byte) bool {
	switch h.cfg.Algorithm {
	case Argon2id:
		params, _, _, err := decodeArgon2id(digest)
		if err != nil {
			return true
		}
		return params.weakerThan(h.cfg.Argon2)
	default:
		if !isBcrypt(digest) {
			return true
		}
		cost, err := bcrypt.Cost(digest)
		if err != nil {
			return true
		}
		return cost < h.cfg.BcryptCost
	}
}

func isBcrypt(digest []byte) bool {
	return bytes.HasPrefix(digest, []byte("$2"))
}
