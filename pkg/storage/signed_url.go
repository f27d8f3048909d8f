package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signer errors distinguish tampering from expiry.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenSigner creates and validates HMAC-signed capability tokens. Tokens
// carry a subject id and an opaque scope string; the export download flow uses
// (jobID, relPath), the guardian response flow uses (responseID, "respond").
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner constructs a signer with the provided secret and TTL.
func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenSigner{
		secret: []byte(secret),
		ttl:    ttl,
	}
}

// Generate returns a signed token referencing the subject and scope.
func (s *TokenSigner) Generate(subject, scope string) (string, time.Time, error) {
	if subject == "" || scope == "" {
		return "", time.Time{}, fmt.Errorf("subject and scope required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := time.Now().Add(s.ttl)
	encodedScope := base64.RawURLEncoding.EncodeToString([]byte(scope))
	payload := fmt.Sprintf("%s|%d|%s", subject, expiresAt.Unix(), encodedScope)
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))
	token := strings.Join([]string{subject, strconv.FormatInt(expiresAt.Unix(), 10), encodedScope, signature}, ".")
	return token, expiresAt, nil
}

// Parse validates a token and returns the embedded metadata.
// When allowExpired is true, the timestamp check is skipped (cleanup paths).
func (s *TokenSigner) Parse(token string, allowExpired bool) (subject, scope string, expiresAt time.Time, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return "", "", time.Time{}, ErrTokenInvalid
	}
	subject = parts[0]
	ts := parts[1]
	encodedScope := parts[2]
	signature := parts[3]

	rawScope, err := base64.RawURLEncoding.DecodeString(encodedScope)
	if err != nil {
		return "", "", time.Time{}, ErrTokenInvalid
	}

	expUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", "", time.Time{}, ErrTokenInvalid
	}
	expiresAt = time.Unix(expUnix, 0)

	payload := fmt.Sprintf("%s|%s|%s", subject, ts, encodedScope)
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return "", "", time.Time{}, ErrTokenInvalid
	}
	if !allowExpired && time.Now().After(expiresAt) {
		return "", "", time.Time{}, ErrTokenExpired
	}
	return subject, string(rawScope), expiresAt, nil
}
