package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	ScopeApplicationsWrite = "applications:write"
	ScopeApplicationsRead  = "applications:read"
)

// ClientClaims identify an API client and the comma separated scopes it was granted.
type ClientClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

type TokenManager struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

func NewTokenManager(signingKey []byte, issuer string, ttl time.Duration) *TokenManager {
	if issuer == "" {
		issuer = "prequal"
	}
	return &TokenManager{signingKey: signingKey, issuer: issuer, ttl: ttl, now: time.Now}
}

func (m *TokenManager) GenerateClientToken(clientID string, scopes ...string) (string, error) {
	now := m.now()
	claims := ClientClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
			Subject:  clientID,
			Issuer:   m.issuer,
		},
		ClientID: clientID,
		Scope:    strings.Join(scopes, ","),
	}
	if m.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(m.ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

func (m *TokenManager) ValidateClientToken(tokenString string) (*ClientClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ClientClaims{}, func(token *jwt.Token) (interface{}, error) {
		return m.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*ClientClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *ClientClaims) HasScope(required string) bool {
	for _, scope := range strings.Split(c.Scope, ",") {
		if strings.TrimSpace(scope) == required {
			return true
		}
	}
	return false
}
