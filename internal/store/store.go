package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

var (
	// ErrNotExist is returned when no verification exists for an
	// {email, purpose} pair, either because none was issued or because it
	// was deleted or aged out of the store.
	ErrNotExist = errors.New("the verification does not exist")

	// ErrExpired is returned when the record exists but its code's window
	// has elapsed.
	ErrExpired = errors.New("the verification code has expired")

	// ErrLocked is returned when the attempt budget has been used up.
	ErrLocked = errors.New("too many verification attempts")

	// ErrConsumed is returned when the record has already been consumed.
	ErrConsumed = errors.New("the verification code has already been used")

	// ErrNotConsumed is returned when redeeming a record that was never
	// verified.
	ErrNotConsumed = errors.New("the verification is still pending")

	// ErrTooSoon is returned by Rotate within the cooldown window.
	ErrTooSoon = errors.New("a code was sent too recently")

	// ErrConflict is returned when an atomic update kept losing races
	// with concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
)

// Store represents a storage backend where pending verifications are kept.
// All the operations are atomic per {email, purpose} key.
type Store interface {
	// Put sets a verification, replacing any existing one for the same key
	// and resetting its attempts to 0. The replaced code's hash is kept as
	// PrevHash.
	Put(ctx context.Context, v models.Verification) error

	// Get returns the verification for a key.
	Get(ctx context.Context, email string, p models.Purpose) (models.Verification, error)

	// IncrementAttempt increments the attempt counter of an existing
	// verification and returns the new count.
	IncrementAttempt(ctx context.Context, email string, p models.Purpose) (int, error)

	// Consume marks a verification as consumed if it exists, still holds
	// codeHash, is not consumed, has not expired at now and its attempts are
	// within budget. Callers count the attempt with IncrementAttempt first;
	// the attempt counted for the successful submission is released.
	Consume(ctx context.Context, email string, p models.Purpose, codeHash string, now time.Time) error

	// Rotate replaces the code of an existing, unconsumed verification
	// with the one in v unless the previous code was sent less than
	// cooldown before v.IssuedAt. Attempts are reset, the resend count
	// is incremented and the replaced code's hash is kept as PrevHash. The
	// stored verification is returned.
	Rotate(ctx context.Context, v models.Verification, cooldown time.Duration) (models.Verification, error)

	// Redeem deletes a consumed verification. Only one caller can redeem
	// a given verification.
	Redeem(ctx context.Context, email string, p models.Purpose) error

	// Delete deletes the verification saved against a key.
	Delete(ctx context.Context, email string, p models.Purpose) error

	// Ping checks if the store is reachable.
	Ping(ctx context.Context) error
}

// CheckConsume applies the Consume rules to v as seen at now.
// v.Attempts includes the attempt of the submission being consumed. A record
// that no longer holds codeHash has been replaced by a newer issue, and the
// verification the caller checked does not exist anymore.
func CheckConsume(v models.Verification, codeHash string, now time.Time) error {
	switch {
	case subtle.ConstantTimeCompare([]byte(v.CodeHash), []byte(codeHash)) != 1:
		return ErrNotExist
	case v.Consumed:
		return ErrConsumed
	case v.Expired(now):
		return ErrExpired
	case v.Attempts > v.MaxAttempts:
		return ErrLocked
	}
	return nil
}

// CheckRotate applies the Rotate rules to the existing verification old
// for a replacement issued at issuedAt (unix ms).
func CheckRotate(old models.Verification, issuedAt int64, cooldown time.Duration) error {
	if old.Consumed {
		return ErrConsumed
	}
	if time.Duration(issuedAt-old.LastSentAt)*time.Millisecond < cooldown {
		return ErrTooSoon
	}
	return nil
}
