package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenTypeAccess = "access"

	// DefaultAccessTTL is used when a TTL string cannot be parsed.
	DefaultAccessTTL = 15 * time.Minute
	// MaxAccessTTL caps every access token lifetime.
	MaxAccessTTL = 24 * time.Hour
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token is expired")
)

// Claims is the payload of an access token.
type Claims struct {
	UserID uint   `json:"user_id"`
	Email  string `json:"email"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies HS256 access tokens.
type TokenCodec struct {
	secret []byte
	now    func() time.Time
}

func NewTokenCodec(secret string) *TokenCodec {
	return &TokenCodec{secret: []byte(secret), now: time.Now}
}

// WithClock replaces the time source, used by tests.
func (c *TokenCodec) WithClock(now func() time.Time) *TokenCodec {
	c.now = now
	return c
}

// Sign issues a token for the user. ttl is clamped to MaxAccessTTL and a
// non-positive ttl falls back to DefaultAccessTTL.
func (c *TokenCodec) Sign(userID uint, email string, ttl time.Duration) (string, time.Time, error) {
	if len(c.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret is not configured")
	}
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	if ttl > MaxAccessTTL {
		ttl = MaxAccessTTL
	}

	// jwt NumericDate has second precision; truncate so exp-iat is exact.
	issuedAt := c.now().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)

	claims := Claims{
		UserID: userID,
		Email:  email,
		Type:   TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the signature, then expiry. A validly signed but expired
// token yields ErrTokenExpired; all other failures yield ErrTokenInvalid.
func (c *TokenCodec) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" || len(c.secret) == 0 {
		return nil, ErrTokenInvalid
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid || claims.Type != TokenTypeAccess || claims.UserID == 0 || claims.IssuedAt == nil {
		return nil, ErrTokenInvalid
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > MaxAccessTTL {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// ParseTTL parses the <number><unit> grammar where unit is s, m, h or d.
// Unparseable input returns DefaultAccessTTL.
func ParseTTL(value string) time.Duration {
	value = strings.TrimSpace(strings.ToLower(value))
	if len(value) < 2 {
		return DefaultAccessTTL
	}

	n, err := strconv.Atoi(value[:len(value)-1])
	if err != nil || n <= 0 {
		return DefaultAccessTTL
	}

	switch value[len(value)-1] {
	case 's':
		return time.Duration(n) * time.Second
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return DefaultAccessTTL
	}
}
