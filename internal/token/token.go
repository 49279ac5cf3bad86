// Package token signs and parses the short lived tokens handed out after a
// successful verification. A token names the verified e-mail and purpose;
// it authorizes exactly the one side effect that the purpose stands for.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

const issuer = "alumni-otp"

// ErrInvalid is returned for tokens that are malformed, expired, or not
// signed with the configured secret.
var ErrInvalid = errors.New("invalid or expired verification token")

// Claims are the JWT claims of a verified token.
type Claims struct {
	Purpose models.Purpose `json:"purpose"`
	jwt.RegisteredClaims
}

// Signer signs and parses HS256 verification tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// New returns a Signer. now is the clock used for issuing and validating
// tokens; time.Now if nil.
func New(secret []byte, ttl time.Duration, now func() time.Time) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("token secret should be at least 16 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl should be positive")
	}
	if now == nil {
		now = time.Now
	}
	return &Signer{secret: secret, ttl: ttl, now: now}, nil
}

// Sign returns a signed token for email and purpose along with its expiry.
func (s *Signer) Sign(email string, p models.Purpose) (string, time.Time, error) {
	var (
		now = s.now()
		exp = now.Add(s.ttl)
	)

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Purpose: p,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})

	out, err := t.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("error signing token: %w", err)
	}
	return out, exp, nil
}

// Parse validates a token and returns its claims.
func (s *Signer) Parse(tok string) (Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(tok, &c, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Subject == "" || !c.Purpose.Valid() {
		return Claims{}, ErrInvalid
	}
	return c, nil
}

// TTL returns the lifetime of signed tokens.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}
