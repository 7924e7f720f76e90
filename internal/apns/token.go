package apns

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Apple rejects provider tokens older than an hour; refresh a little early
// and reuse the cached token until then.
const (
	tokenLifetime     = 55 * time.Minute
	tokenRefreshSlack = 60 * time.Second
)

var errNotECKey = errors.New("apns auth key is not an EC private key")

// tokenSource issues and caches ES256 provider tokens for APNs requests.
type tokenSource struct {
	keyID  string
	teamID string
	key    *ecdsa.PrivateKey

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenSource(keyID, teamID string, authKeyPEM []byte) (*tokenSource, error) {
	key, err := parseAuthKey(authKeyPEM)
	if err != nil {
		return nil, err
	}

	return &tokenSource{
		keyID:  keyID,
		teamID: teamID,
		key:    key,
	}, nil
}

// Token returns a provider token valid for at least tokenRefreshSlack.
func (s *tokenSource) Token(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && now.Before(s.expiresAt.Add(-tokenRefreshSlack)) {
		return s.token, nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": s.teamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}

	s.token = signed
	s.expiresAt = now.Add(tokenLifetime)
	return signed, nil
}

func parseAuthKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("apns auth key is not valid PEM")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse apns auth key: %w", err)
	}

	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errNotECKey
	}
	return key, nil
}
