package auth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
)

// keyPairTokenLifetime keeps key-pair login tokens short-lived; the server
// swaps them for session credentials immediately.
const keyPairTokenLifetime = time.Minute

// ErrInvalidPrivateKey is returned when the private key file cannot be
// parsed into an RSA key.
var ErrInvalidPrivateKey = errors.New("invalid private key")

// BuildKeyPairToken signs a short-lived JWT with the registered private key.
// The issuer embeds the public key fingerprint so the server can locate the
// matching registered key.
func BuildKeyPairToken(keyFile, keyPassword, account, user string) (string, error) {
	privateKey, err := loadPrivateKey(keyFile, keyPassword)
	if err != nil {
		return "", err
	}

	publicKeyDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	hash := sha256.Sum256(publicKeyDER)
	fingerprint := base58.Encode(hash[:])

	subject := strings.ToUpper(account) + "." + strings.ToUpper(user)
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    subject + ".SHA256:" + fingerprint,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(keyPairTokenLifetime)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign key-pair token: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("fingerprint", fingerprint).
		Msg("signed key-pair login token")

	return token, nil
}

// loadPrivateKey reads an RSA private key in PKCS#1 or PKCS#8 PEM form,
// decrypting legacy encrypted PEM blocks when a password is supplied.
func loadPrivateKey(keyFile, keyPassword string) (*rsa.PrivateKey, error) {
	pemData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}

	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, ErrInvalidPrivateKey
	}

	keyBytes := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy encrypted PEM keys are still in circulation
		if keyPassword == "" {
			return nil, fmt.Errorf("%w: key is encrypted and no password was provided", ErrInvalidPrivateKey)
		}
		keyBytes, err = x509.DecryptPEMBlock(block, []byte(keyPassword)) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
	}

	if key, err := x509.ParsePKCS1PrivateKey(keyBytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: expected an RSA key, got %T", ErrInvalidPrivateKey, parsed)
	}
	return key, nil
}
