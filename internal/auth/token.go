package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Claims identify an enrolled agent. Sub is the agent id, Site the factory
// site it serves.
type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Site string `json:"site,omitempty"`
	Role string `json:"role"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// tokenPrefix versions the wire format so a future signing change can be
// told apart from a tampered token.
const tokenPrefix = "agt1."

// ExpiresAt returns Exp as a time.
func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0)
}

func (c Claims) complete() bool {
	return c.Sub != "" && c.Name != "" && c.JTI != "" && c.Exp != 0
}

// IssueToken signs claims as agt1.<base64 payload>.<base64 hmac>.
func IssueToken(secret []byte, claims Claims) (string, error) {
	if !claims.complete() {
		return "", fmt.Errorf("issue token: %w", ErrInvalidToken)
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return tokenPrefix + payload + "." + sign(secret, payload), nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	body, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	payload, signature, ok := strings.Cut(body, ".")
	if !ok || !hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
		return Claims{}, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil || !claims.complete() {
		return Claims{}, ErrInvalidToken
	}
	if !time.Now().Before(claims.ExpiresAt()) {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// EqualSecret compares a presented shared secret in constant time.
func EqualSecret(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	a := sha256.Sum256([]byte(expected))
	b := sha256.Sum256([]byte(presented))
	return hmac.Equal(a[:], b[:])
}

// HashSecret returns a bcrypt hash suitable for ANGKOR_ENROLL_TOKEN_HASH.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// MatchSecretHash reports whether presented matches a bcrypt hash.
func MatchSecretHash(hash, presented string) bool {
	if hash == "" || presented == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)) == nil
}
