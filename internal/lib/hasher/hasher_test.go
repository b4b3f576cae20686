package hasher

import (
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func fastArgon() Argon2Params {
	return Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1}
}

func newHashers(t *testing.T) map[string]*Hasher {
	t.Helper()

	bc, err := New(Config{Algorithm: Bcrypt, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	ar, err := New(Config{Algorithm: Argon2id, Argon2: fastArgon()})
	require.NoError(t, err)

	return map[string]*Hasher{"bcrypt": bc, "argon2id": ar}
}

func TestHashVerify(t *testing.T) {
	t.Parallel()

	for name, h := range newHashers(t) {
		t.Run(name, func(t *testing.T) {
			password := gofakeit.Password(true, true, true, false, false, 12)

			first, err := h.Hash(password)
			require.NoError(t, err)
			second, err := h.Hash(password)
			require.NoError(t, err)

			assert.NotEqual(t, first, second, "fresh salt per call")
			assert.True(t, h.Verify(password, first))
			assert.True(t, h.Verify(password, second))
			assert.False(t, h.Verify(password+"x", first))
			assert.False(t, h.Verify("", first))
		})
	}
}

func TestVerify_MalformedDigest(t *testing.T) {
	t.Parallel()

	h := newHashers(t)["bcrypt"]

	digests := []string{
		"",
		"plain-text",
		"$2a$10$short",
		"$argon2id$",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=0$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1,p=1$!!!$aGFzaA",
	}

	for _, d := range digests {
		assert.NotPanics(t, func() {
			assert.False(t, h.Verify("password123", []byte(d)), d)
		})
	}
}

func TestVerify_CrossAlgorithm(t *testing.T) {
	t.Parallel()

	hs := newHashers(t)
	password := "correct horse battery"

	argonDigest, err := hs["argon2id"].Hash(password)
	require.NoError(t, err)
	bcryptDigest, err := hs["bcrypt"].Hash(password)
	require.NoError(t, err)

	assert.True(t, hs["bcrypt"].Verify(password, argonDigest))
	assert.True(t, hs["argon2id"].Verify(password, bcryptDigest))
	assert.True(t, strings.HasPrefix(string(argonDigest), "$argon2id$v=19$"))
}

func TestHash_PasswordLength(t *testing.T) {
	t.Parallel()

	h := newHashers(t)["bcrypt"]

	_, err := h.Hash("short")
	assert.ErrorIs(t, err, ErrPasswordTooShort)

	_, err = h.Hash(strings.Repeat("a", 73))
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestNeedsRehash(t *testing.T) {
	t.Parallel()

	hs := newHashers(t)
	password := "pw12345678"

	bcryptDigest, err := hs["bcrypt"].Hash(password)
	require.NoError(t, err)
	argonDigest, err := hs["argon2id"].Hash(password)
	require.NoError(t, err)

	assert.False(t, hs["bcrypt"].NeedsRehash(bcryptDigest))
	assert.True(t, hs["bcrypt"].NeedsRehash(argonDigest))
	assert.True(t, hs["argon2id"].NeedsRehash(bcryptDigest))
	assert.False(t, hs["argon2id"].NeedsRehash(argonDigest))

	stronger, err := New(Config{Algorithm: Bcrypt, BcryptCost: bcrypt.MinCost + 1})
	require.NoError(t, err)
	assert.True(t, stronger.NeedsRehash(bcryptDigest))
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Algorithm: "md5"})
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = New(Config{Algorithm: Bcrypt, BcryptCost: 99})
	assert.Error(t, err)

	h, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, Bcrypt, h.cfg.Algorithm)
	assert.Equal(t, bcrypt.DefaultCost, h.cfg.BcryptCost)
}
