package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pioneer-wyt/wyt-bridge/internal/config"
)

// TokenManager validates bridge bearer credentials. Two forms are
// accepted: the configured static token (plaintext or bcrypt hash), or a
// short-lived JWT previously issued by IssueJWT.
type TokenManager struct {
	config *config.BridgeConfig
}

// NewTokenManager creates a token manager for the bridge config.
func NewTokenManager(cfg *config.BridgeConfig) *TokenManager {
	return &TokenManager{config: cfg}
}

// secret returns the JWT signing secret; the static token doubles as the
// secret when none is configured separately.
func (m *TokenManager) secret() []byte {
	if m.config.JWTSecret != "" {
		return []byte(m.config.JWTSecret)
	}
	return []byte(m.config.Token)
}

// VerifyStatic checks a presented token against the configured credential.
func (m *TokenManager) VerifyStatic(token string) bool {
	if m.config.TokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(m.config.TokenHash), []byte(token)) == nil
	}
	if m.config.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(m.config.Token), []byte(token)) == 1
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
}

// IssueJWT mints a short-lived access token. Callers exchange the static
// bridge token for one via POST /auth/token.
func (m *TokenManager) IssueJWT() (string, time.Duration, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "wyt-bridge",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.config.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "wyt-bridge",
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret())
	if err != nil {
		return "", 0, fmt.Errorf("sign access token: %w", err)
	}
	return signed, m.config.TokenTTL, nil
}

// VerifyJWT validates an issued access token.
func (m *TokenManager) VerifyJWT(tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret(), nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// Verify accepts either credential form.
func (m *TokenManager) Verify(token string) bool {
	if m.VerifyStatic(token) {
		return true
	}
	return m.VerifyJWT(token) == nil
}

// HashToken produces a bcrypt hash suitable for the token_hash config
// field.
func HashToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(bytes), err
}
