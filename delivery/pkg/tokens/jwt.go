// Package tokens mints and validates the bearer tokens accepted by the
// delivery trigger endpoint.
package tokens

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrEmptySecret  = errors.New("trigger secret must not be empty")
)

const (
	// Audience is the aud claim every trigger token must carry.
	Audience = "conversion-relay"

	// Issuer is set on tokens minted by relayctl.
	Issuer = "relayctl"

	DefaultTTL = 5 * time.Minute
)

// Claims is the payload of a trigger token.
type Claims struct {
	jwt.RegisteredClaims
}

// TriggerTokens validates bearer tokens against a shared secret. A bearer
// may be the secret itself or an HS256 JWT signed with it.
type TriggerTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTriggerTokens creates a validator for secret. Tokens it mints live for
// ttl, or DefaultTTL when ttl is not positive.
func NewTriggerTokens(secret string, ttl time.Duration) *TriggerTokens {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TriggerTokens{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Generate mints a short-lived token for subject.
func (tt *TriggerTokens) Generate(subject string) (string, error) {
	if len(tt.secret) == 0 {
		return "", ErrEmptySecret
	}

	now := tt.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			Issuer:    Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(tt.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(tt.secret)
}

// Validate accepts the raw shared secret or a valid JWT.
func (tt *TriggerTokens) Validate(token string) error {
	if len(tt.secret) == 0 || token == "" {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), tt.secret) == 1 {
		return nil
	}
	_, err := tt.Parse(token)
	return err
}

// Parse validates a JWT and returns its claims.
func (tt *TriggerTokens) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return tt.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(tt.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
