package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKey(t *testing.T, pkcs8 bool) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var block *pem.Block
	if pkcs8 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	} else {
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	}

	keyFile := filepath.Join(t.TempDir(), "rsa.pem")
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600))
	return keyFile
}

func TestBuildKeyPairToken(t *testing.T) {
	for _, format := range []struct {
		name  string
		pkcs8 bool
	}{
		{"pkcs1", false},
		{"pkcs8", true},
	} {
		t.Run(format.name, func(t *testing.T) {
			keyFile := writeTestKey(t, format.pkcs8)

			token, err := BuildKeyPairToken(keyFile, "", "testaccount", "tester")
			require.NoError(t, err)
			assert.NotEmpty(t, token)

			parser := jwt.NewParser()
			parsed, _, err := parser.ParseUnverified(token, &jwt.RegisteredClaims{})
			require.NoError(t, err)

			claims := parsed.Claims.(*jwt.RegisteredClaims)
			assert.Equal(t, "TESTACCOUNT.TESTER", claims.Subject)
			assert.Regexp(t, `^TESTACCOUNT\.TESTER\.SHA256:`, claims.Issuer)
			assert.Equal(t, "RS256", parsed.Header["alg"])

			require.NotNil(t, claims.ExpiresAt)
			require.NotNil(t, claims.IssuedAt)
			assert.InDelta(t, keyPairTokenLifetime.Seconds(),
				claims.ExpiresAt.Sub(claims.IssuedAt.Time).Seconds(), 1.0)
		})
	}
}

func TestBuildKeyPairToken_InvalidKey(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := BuildKeyPairToken(filepath.Join(t.TempDir(), "missing.pem"), "", "acct", "user")
		require.Error(t, err)
	})

	t.Run("not PEM", func(t *testing.T) {
		keyFile := filepath.Join(t.TempDir(), "junk.pem")
		require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0600))

		_, err := BuildKeyPairToken(keyFile, "", "acct", "user")
		require.ErrorIs(t, err, ErrInvalidPrivateKey)
	})

	t.Run("not RSA", func(t *testing.T) {
		keyFile := filepath.Join(t.TempDir(), "ec.pem")
		block := &pem.Block{Type: "PRIVATE KEY", Bytes: []byte{0x30, 0x00}}
		require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600))

		_, err := BuildKeyPairToken(keyFile, "", "acct", "user")
		require.ErrorIs(t, err, ErrInvalidPrivateKey)
	})
}

func TestBuildKeyPairToken_FingerprintIsStable(t *testing.T) {
	keyFile := writeTestKey(t, true)

	first, err := BuildKeyPairToken(keyFile, "", "acct", "user")
	require.NoError(t, err)
	second, err := BuildKeyPairToken(keyFile, "", "acct", "user")
	require.NoError(t, err)

	parser := jwt.NewParser()
	claimsOf := func(token string) *jwt.RegisteredClaims {
		parsed, _, err := parser.ParseUnverified(token, &jwt.RegisteredClaims{})
		require.NoError(t, err)
		return parsed.Claims.(*jwt.RegisteredClaims)
	}

	assert.Equal(t, claimsOf(first).Issuer, claimsOf(second).Issuer)
}
