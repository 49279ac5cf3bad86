// Package otp issues and verifies the one-time codes that prove control of
// an e-mail address before a sign-in or sign-up is allowed to take effect.
package otp

import (
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/identity"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/token"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
	"github.com/zerodha/logf"
)

var (
	ErrInvalidEmail       = errors.New("invalid e-mail address")
	ErrInvalidPurpose     = errors.New("invalid purpose")
	ErrInvalidCredentials = errors.New("invalid e-mail or password")
	ErrDeliveryFailed     = errors.New("the verification code could not be delivered")
	ErrNotFound           = errors.New("no pending verification. Request a new code")
	ErrExpired            = errors.New("the verification code has expired. Request a new code")
	ErrExhausted          = errors.New("too many attempts")
	ErrAlreadyUsed        = errors.New("the verification code has already been used")
	ErrTooSoon            = errors.New("a code was sent recently")
	ErrInvalidCode        = errors.New("incorrect verification code")
	ErrMalformedCode      = errors.New("the code should be 4 digits")
	ErrInvalidToken       = errors.New("invalid or expired verification token")
)

// CodeError is returned for a wrong code that still leaves attempts.
type CodeError struct {
	Remaining int
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%v. %d attempt(s) remaining", ErrInvalidCode, e.Remaining)
}

func (e *CodeError) Unwrap() error {
	return ErrInvalidCode
}

// WaitError is returned when a request is refused until RetryAfter has
// passed, for instance, a resend within the cooldown or an issue against a
// locked verification.
type WaitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("%v. Retry after %0.f seconds", e.Err, e.RetryAfter.Seconds())
}

func (e *WaitError) Unwrap() error {
	return e.Err
}

// Opt represents the verification policy.
type Opt struct {
	TTL            time.Duration
	MaxAttempts    int
	ResendCooldown time.Duration

	// DevMode discloses the code in the response when it could not be
	// delivered. It must never be enabled in production.
	DevMode bool

	// CodeSecret keys the hashes codes are stored under.
	CodeSecret []byte

	// Now is the clock; time.Now if nil.
	Now func() time.Time
}

// Provider is a delivery provider along with its message templates.
type Provider struct {
	Provider models.Provider

	// Subjects are the subject templates per purpose.
	Subjects map[models.Purpose]*template.Template

	// Body holds one body template per purpose, named after the purpose.
	Body *template.Template
}

// IssueRequest is a request to issue a code.
type IssueRequest struct {
	Email   string
	Purpose models.Purpose

	// Password is required for sign-in and ignored for sign-up.
	Password string
}

// Result is the result of an issue or a resend.
type Result struct {
	Sent bool `json:"sent"`

	// DevCode is only set in dev mode when delivery failed.
	DevCode string `json:"devCode,omitempty"`
}

// Verified is the proof of a successful verification.
type Verified struct {
	Email     string         `json:"email"`
	Purpose   models.Purpose `json:"purpose"`
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Service issues, verifies and resends codes.
type Service struct {
	opt    Opt
	store  store.Store
	idp    identity.Provider
	prov   Provider
	tokens *token.Signer
	lo     *logf.Logger
}

// New returns a new verification Service.
func New(o Opt, st store.Store, idp identity.Provider, prov Provider, tokens *token.Signer, lo *logf.Logger) (*Service, error) {
	if o.TTL <= 0 {
		return nil, errors.New("otp ttl should be positive")
	}
	if o.MaxAttempts < 1 {
		return nil, errors.New("otp max attempts should be at least 1")
	}
	if o.ResendCooldown < 0 {
		return nil, errors.New("resend cooldown can't be negative")
	}
	if len(o.CodeSecret) < 16 {
		return nil, errors.New("code secret should be at least 16 bytes")
	}
	if prov.Provider == nil {
		return nil, errors.New("no delivery provider")
	}
	if o.Now == nil {
		o.Now = time.Now
	}

	return &Service{
		opt:    o,
		store:  st,
		idp:    idp,
		prov:   prov,
		tokens: tokens,
		lo:     lo,
	}, nil
}

// DevMode tells if codes are disclosed on delivery failure.
func (s *Service) DevMode() bool {
	return s.opt.DevMode
}
