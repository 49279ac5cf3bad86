package otp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

// Verify checks a submitted code against the verification pending for the
// e-mail and purpose. On success, the verification is consumed and a short
// lived token that authorizes the purpose's side effect is returned.
func (s *Service) Verify(ctx context.Context, email string, p models.Purpose, code string) (Verified, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Verified{}, err
	}
	if !p.Valid() {
		return Verified{}, ErrInvalidPurpose
	}

	// Malformed input doesn't get to use up an attempt.
	if !validCode(code) {
		return Verified{}, ErrMalformedCode
	}

	v, err := s.store.Get(ctx, email, p)
	if err != nil {
		return Verified{}, storeErr(err)
	}

	now := s.opt.Now()
	switch v.State(now) {
	case models.StateConsumed:
		return Verified{}, ErrAlreadyUsed
	case models.StateExpired:
		return Verified{}, ErrExpired
	case models.StateLocked:
		return Verified{}, ErrExhausted
	}

	// The code of a verification that has since been replaced doesn't
	// count as a guess against the new one.
	hash := hashCode(s.opt.CodeSecret, email, p, code)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(v.CodeHash)) != 1 &&
		v.PrevHash != "" && subtle.ConstantTimeCompare([]byte(hash), []byte(v.PrevHash)) == 1 {
		return Verified{}, ErrNotFound
	}

	// The attempt is counted before the comparison so that concurrent
	// guesses can't go over the budget.
	n, err := s.store.IncrementAttempt(ctx, email, p)
	if err != nil {
		return Verified{}, storeErr(err)
	}
	if n > v.MaxAttempts {
		return Verified{}, ErrExhausted
	}

	if subtle.ConstantTimeCompare([]byte(hash), []byte(v.CodeHash)) != 1 {
		if n >= v.MaxAttempts {
			s.lo.Info("verification locked", "email", email, "purpose", p)
			return Verified{}, ErrExhausted
		}
		return Verified{}, &CodeError{Remaining: v.MaxAttempts - n}
	}

	if err := s.store.Consume(ctx, email, p, v.CodeHash, now); err != nil {
		return Verified{}, storeErr(err)
	}

	tok, exp, err := s.tokens.Sign(email, p)
	if err != nil {
		return Verified{}, err
	}

	return Verified{
		Email:     email,
		Purpose:   p,
		Token:     tok,
		ExpiresAt: exp,
	}, nil
}

// TokenEmail validates a verified token for purpose p and returns the
// e-mail it was issued for. It doesn't redeem the token.
func (s *Service) TokenEmail(tok string, p models.Purpose) (string, error) {
	c, err := s.tokens.Parse(tok)
	if err != nil || c.Purpose != p {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}

// Redeem validates a verified token for purpose p and deletes the consumed
// verification it was issued for, returning the e-mail. A verification can
// be redeemed once; the caller performs the side effect only on success.
func (s *Service) Redeem(ctx context.Context, tok string, p models.Purpose) (string, error) {
	email, err := s.TokenEmail(tok, p)
	if err != nil {
		return "", err
	}

	if err := s.store.Redeem(ctx, email, p); err != nil {
		if errors.Is(err, store.ErrNotExist) || errors.Is(err, store.ErrNotConsumed) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("error redeeming verification: %w", err)
	}

	return email, nil
}

// storeErr translates store errors to the service's errors.
func storeErr(err error) error {
	switch {
	case errors.Is(err, store.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, store.ErrExpired):
		return ErrExpired
	case errors.Is(err, store.ErrLocked):
		return ErrExhausted
	case errors.Is(err, store.ErrConsumed):
		return ErrAlreadyUsed
	}
	return fmt.Errorf("error accessing verification store: %w", err)
}
