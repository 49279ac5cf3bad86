package models

import (
	"time"
)

// Purpose is the action a verification code authorizes.
type Purpose string

const (
	PurposeSignIn Purpose = "signin"
	PurposeSignUp Purpose = "signup"
)

// Valid tells if p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeSignIn || p == PurposeSignUp
}

// State is the lifecycle state of a pending verification.
type State string

const (
	StateIssued   State = "issued"
	StateConsumed State = "consumed"
	StateExpired  State = "expired"
	StateLocked   State = "locked"
)

// Verification is the pending verification for an {email, purpose} pair.
// PrevHash is the hash of the code it replaced, if any. Timestamps are unix milliseconds so that the record round-trips through
// Redis hashes as plain integers.
type Verification struct {
	Email       string  `redis:"email" json:"email"`
	Purpose     Purpose `redis:"purpose" json:"purpose"`
	CodeHash    string  `redis:"code_hash" json:"-"`
	PrevHash    string  `redis:"prev_hash" json:"-"`
	IssuedAt    int64   `redis:"issued_at" json:"issued_at"`
	ExpiresAt   int64   `redis:"expires_at" json:"expires_at"`
	Attempts    int     `redis:"attempts" json:"attempts"`
	MaxAttempts int     `redis:"max_attempts" json:"max_attempts"`
	ResendCount int     `redis:"resend_count" json:"resend_count"`
	LastSentAt  int64   `redis:"last_sent_at" json:"last_sent_at"`
	Consumed    bool    `redis:"consumed" json:"consumed"`
}

// TTL returns the validity window of the code.
func (v Verification) TTL() time.Duration {
	return time.Duration(v.ExpiresAt-v.IssuedAt) * time.Millisecond
}

// Expired tells if the code's window has elapsed at now.
func (v Verification) Expired(now time.Time) bool {
	return now.UnixMilli() > v.ExpiresAt
}

// Locked tells if the failed attempts have used up the budget.
func (v Verification) Locked() bool {
	return v.Attempts >= v.MaxAttempts
}

// Remaining returns the number of attempts left.
func (v Verification) Remaining() int {
	if n := v.MaxAttempts - v.Attempts; n > 0 {
		return n
	}
	return 0
}

// ExpiresIn returns the time left in the code's window at now.
func (v Verification) ExpiresIn(now time.Time) time.Duration {
	d := time.UnixMilli(v.ExpiresAt).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// State returns the lifecycle state at now. Consumed takes precedence over
// expiry, and expiry over the attempt lock.
func (v Verification) State(now time.Time) State {
	switch {
	case v.Consumed:
		return StateConsumed
	case v.Expired(now):
		return StateExpired
	case v.Locked():
		return StateLocked
	}
	return StateIssued
}

// Message is a code that is to be delivered to an address.
type Message struct {
	To      string        `json:"to"`
	Purpose Purpose       `json:"purpose"`
	Code    string        `json:"code"`
	TTL     time.Duration `json:"-"`
}

// Provider is an interface for a message delivery backend, for instance,
// SMTP or a webhook.
type Provider interface {
	// ID returns the name of the Provider.
	ID() string

	// ChannelName returns the name of the channel the provider delivers
	// over, for example "E-mail".
	ChannelName() string

	// Push delivers a message. subject and body are the rendered
	// templates for the message.
	Push(msg Message, subject string, body []byte) error

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Provider. 0 means no limit.
	MaxBodyLen() int
}
