package hasher

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	defaultArgonTime    = 3
	defaultArgonMemory  = 64 * 1024
	defaultArgonThreads = 2
	defaultArgonSaltLen = 16
	defaultArgonKeyLen  = 32

	// upper bound accepted from a stored digest, in KiB
	maxArgonMemory = 1024 * 1024

	argon2idPrefix = "$argon2id$"
)

var errInvalidPHC = errors.New("invalid argon2id digest")

type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	SaltLen uint32
	KeyLen  uint32
}

func (p Argon2Params) withDefaults() Argon2Params {
	if p.Time == 0 {
		p.Time = defaultArgonTime
	}
	if p.Memory == 0 {
		p.Memory = defaultArgonMemory
	}
	if p.Threads == 0 {
		p.Threads = defaultArgonThreads
	}
	if p.SaltLen == 0 {
		p.SaltLen = defaultArgonSaltLen
	}
	if p.KeyLen == 0 {
		p.KeyLen = defaultArgonKeyLen
	}
	return p
}

func (p Argon2Params) weakerThan(want Argon2Params) bool {
	return p.Time < want.Time || p.Memory < want.Memory || p.KeyLen < want.KeyLen
}

func hashArgon2id(password string, p Argon2Params) ([]byte, error) {
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)

	return []byte(fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Time,
		p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)), nil
}

func verifyArgon2id(password string, digest []byte) bool {
	p, salt, key, err := decodeArgon2id(digest)
	if err != nil {
		return false
	}

	got := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)

	return subtle.ConstantTimeCompare(got, key) == 1
}

func isArgon2id(digest []byte) bool {
	return bytes.HasPrefix(digest, []byte(argon2idPrefix))
}

// decodeArgon2id parses $argon2id$v=19$m=65536,t=3,p=2$<salt>$<hash>.
func decodeArgon2id(digest []byte) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params

	parts := strings.Split(string(digest), "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, nil, nil, errInvalidPHC
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, nil, nil, errInvalidPHC
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Time, &p.Threads); err != nil {
		return p, nil, nil, errInvalidPHC
	}
	if p.Memory == 0 || p.Memory > maxArgonMemory || p.Time == 0 || p.Threads == 0 {
		return p, nil, nil, errInvalidPHC
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return p, nil, nil, errInvalidPHC
	}

	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return p, nil, nil, errInvalidPHC
	}

	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))

	return p, salt, key, nil
}
