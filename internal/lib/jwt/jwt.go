// Package jwt signs and verifies the two token classes of the service.
//
// A Codec is bound to one token kind. The kind travels in the "aud" claim,
// so a refresh token is never accepted where an access token is expected
// even when both classes share a secret.
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Reason is the stable rejection code of a failed verification.
type Reason string

const (
	ReasonMalformed    Reason = "MALFORMED"
	ReasonBadSignature Reason = "BAD_SIGNATURE"
	ReasonExpired      Reason = "EXPIRED"
)

var (
	ErrMalformed    = errors.New("token is malformed")
	ErrBadSignature = errors.New("token signature is invalid")
	ErrExpired      = errors.New("token is expired")

	ErrEmptyUserID = errors.New("token has no user id")
	ErrNoKeys      = errors.New("no signing key configured")
)

// DefaultKeyID is used when the configuration does not name the active key.
const DefaultKeyID = "default"

// KeySet holds the HMAC secrets known to a Codec. New tokens are signed with
// ActiveKeyID; every key in Keys is accepted for verification, which lets
// operators rotate secrets by configuration alone.
type KeySet struct {
	ActiveKeyID string
	Keys        map[string][]byte
}

// NewKeySet builds a KeySet from the active secret and any retired secrets
// still accepted for verification.
func NewKeySet(activeID, activeSecret string, verifyOnly map[string]string) KeySet {
	if activeID == "" {
		activeID = DefaultKeyID
	}

	keys := make(map[string][]byte, len(verifyOnly)+1)
	for kid, secret := range verifyOnly {
		keys[kid] = []byte(secret)
	}
	keys[activeID] = []byte(activeSecret)

	return KeySet{ActiveKeyID: activeID, Keys: keys}
}

// Claims is the only claim schema the service signs or accepts.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Validate is called by the parser after the signature has been checked.
func (c Claims) Validate() error {
	if c.UserID == "" {
		return ErrEmptyUserID
	}
	if c.Subject != "" && c.Subject != c.UserID {
		return errors.New("subject does not match user id")
	}
	return nil
}

type Codec struct {
	kind   Kind
	keys   KeySet
	ttl    time.Duration
	issuer string
	parser *jwt.Parser
}

// New returns a Codec for tokens of the given kind.
func New(kind Kind, keys KeySet, ttl time.Duration, issuer string) (*Codec, error) {
	const op = "jwt.New"

	if ttl <= 0 {
		return nil, fmt.Errorf("%s: ttl must be positive", op)
	}
	active, ok := keys.Keys[keys.ActiveKeyID]
	if !ok || len(active) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrNoKeys)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(string(kind)),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &Codec{
		kind:   kind,
		keys:   keys,
		ttl:    ttl,
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Issue signs a token for userID that expires after the configured TTL.
func (c *Codec) Issue(userID string) (string, time.Time, error) {
	return c.IssueWithTTL(userID, c.ttl)
}

// IssueWithTTL signs a token for userID that expires at now+ttl. It returns
// the token together with its absolute expiry.
func (c *Codec) IssueWithTTL(userID string, ttl time.Duration) (string, time.Time, error) {
	const op = "jwt.Issue"

	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, ErrEmptyUserID)
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{string(c.kind)},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = c.keys.ActiveKeyID

	signed, err := token.SignedString(c.keys.Keys[c.keys.ActiveKeyID])
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, err)
	}

	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks signature, expiry and claim schema. The returned error wraps
// exactly one of ErrMalformed, ErrBadSignature or ErrExpired.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := c.parser.ParseWithClaims(tokenString, claims, c.key)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, ErrMalformed
	}

	return claims, nil
}

func (c *Codec) key(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = c.keys.ActiveKeyID
	}

	key, ok := c.keys.Keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}

	return key, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// ReasonOf maps a Verify error to its rejection code. It returns an empty
// Reason for errors that did not come from Verify.
func ReasonOf(err error) Reason {
	switch {
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrBadSignature):
		return ReasonBadSignature
	case errors.Is(err, ErrMalformed):
		return ReasonMalformed
	default:
		return ""
	}
}
