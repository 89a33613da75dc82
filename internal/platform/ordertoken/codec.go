// Package ordertoken signs and verifies the bearer token that identifies an anonymous shopper's
// active order.
package ordertoken

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	issuer     = "orders"
	defaultTTL = 30 * 24 * time.Hour
)

// ErrInvalidToken is returned for malformed, expired or foreign tokens.
var ErrInvalidToken = errors.New("ordertoken: invalid token")

// Codec issues HS256 tokens whose subject is the order id.
type Codec struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewCodec constructs a Codec. A non-positive ttl uses 30 days.
func NewCodec(secret string, ttl time.Duration, clock func() time.Time) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, errors.New("ordertoken: secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &Codec{secret: []byte(secret), ttl: ttl, clock: clock}, nil
}

// Encode signs a token for the order.
func (c *Codec) Encode(orderID string) (string, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", errors.New("ordertoken: order id is required")
	}
	now := c.clock()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   orderID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("ordertoken: sign: %w", err)
	}
	return signed, nil
}

// Decode verifies the token and returns its order id.
func (c *Codec) Decode(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !claims.VerifyExpiresAt(c.clock(), true) || !claims.VerifyIssuer(issuer, true) || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
