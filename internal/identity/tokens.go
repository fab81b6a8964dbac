package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 session credentials.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret, issuer string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// WithClock returns a copy of t reading time from now.
func (t *Tokens) WithClock(now func() time.Time) *Tokens {
	cp := *t
	cp.now = now
	return &cp
}

// Issue signs a credential whose subject is userID.
func (t *Tokens) Issue(userID string) (string, time.Time, error) {
	if len(t.secret) == 0 {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if userID == "" {
		return "", time.Time{}, errors.New("subject required")
	}
	now := t.now()
	exp := now.Add(t.ttl)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    t.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks signature, expiry and issuer and returns the subject.
func (t *Tokens) Verify(token string) (string, error) {
	if len(t.secret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(strings.TrimSpace(token), claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}
