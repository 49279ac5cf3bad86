package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

// Resend replaces the pending code for an e-mail and purpose with a new one
// and delivers it. Only a verification that was issued (and for sign-in,
// password checked) earlier can be resent, and not within the cooldown of
// the last send. Like a fresh issue, a resend lifts an attempt lock.
func (s *Service) Resend(ctx context.Context, email string, p models.Purpose) (Result, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return Result{}, err
	}
	if !p.Valid() {
		return Result{}, ErrInvalidPurpose
	}

	old, err := s.store.Get(ctx, email, p)
	if err != nil {
		return Result{}, storeErr(err)
	}

	now := s.opt.Now()
	if old.State(now) == models.StateConsumed {
		return Result{}, ErrAlreadyUsed
	}
	if wait := s.cooldownLeft(old, now); wait > 0 {
		return Result{}, &WaitError{Err: ErrTooSoon, RetryAfter: wait}
	}

	code, err := generateCode()
	if err != nil {
		return Result{}, fmt.Errorf("error generating code: %w", err)
	}

	// The cooldown is checked again atomically with the replacement; a
	// concurrent resend may have won.
	v, err := s.store.Rotate(ctx, s.newVerification(email, p, code, now), s.opt.ResendCooldown)
	if err != nil {
		if errors.Is(err, store.ErrTooSoon) {
			return Result{}, s.tooSoon(ctx, email, p, now)
		}
		return Result{}, storeErr(err)
	}

	s.lo.Debug("resending verification code", "email", email, "purpose", p, "resends", v.ResendCount)
	return s.deliver(email, p, code)
}

// cooldownLeft returns how long until v can be resent.
func (s *Service) cooldownLeft(v models.Verification, now time.Time) time.Duration {
	return s.opt.ResendCooldown - now.Sub(time.UnixMilli(v.LastSentAt))
}

// tooSoon builds the error for a resend that lost the race to a concurrent
// one, with the wait counted from the winner's send.
func (s *Service) tooSoon(ctx context.Context, email string, p models.Purpose, now time.Time) error {
	wait := s.opt.ResendCooldown
	if v, err := s.store.Get(ctx, email, p); err == nil {
		if w := s.cooldownLeft(v, now); w > 0 && w < wait {
			wait = w
		}
	}
	return &WaitError{Err: ErrTooSoon, RetryAfter: wait}
}
