package security

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("unit-test-secret"))

	token, exp, err := Generate(opts, "u1", []string{"sync", "admin"})
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	p, err := Verify(opts, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", p.ID)
	assert.Equal(t, []string{"sync", "admin"}, p.Scopes)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _, err := Generate(DefaultOptions([]byte("secret-a")), "u1", nil)
	require.NoError(t, err)

	_, err = Verify(DefaultOptions([]byte("secret-b")), token)
	assert.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	opts := DefaultOptions([]byte("secret"))

	now := time.Now().Add(-time.Hour)
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "u1",
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	})
	token, err := tok.SignedString(opts.Secret)
	require.NoError(t, err)

	_, err = Verify(opts, token)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := Verify(DefaultOptions([]byte("secret")), "not-a-token")
	assert.Error(t, err)
}

func TestUnsupportedAlg(t *testing.T) {
	opts := Options{Secret: []byte("s"), Alg: "RS256"}
	_, _, err := Generate(opts, "u1", nil)
	assert.Error(t, err)
}
