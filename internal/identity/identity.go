// Package identity holds the identity provider collaborator: the service
// that owns password credentials, sessions and accounts. Verification only
// calls into it to check a password before a sign-in code is sent and to
// complete the action a verified code authorizes.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned when an e-mail and password pair
	// does not match. It never tells which of the two was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAccountExists is returned when creating an account for an e-mail
	// that already has one.
	ErrAccountExists = errors.New("account already exists")
)

// Session is a signed-in session issued by the provider.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Account is an account created by the provider.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Provider is the identity provider collaborator.
type Provider interface {
	// CheckCredentials validates a password without signing in.
	CheckCredentials(ctx context.Context, email, password string) error

	// SignIn validates a password and issues a session.
	SignIn(ctx context.Context, email, password string) (Session, error)

	// CreateAccount creates a password account for email.
	CreateAccount(ctx context.Context, email, password string) (Account, error)
}

// User is a configured account of the static provider.
type User struct {
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
}

type account struct {
	id   string
	hash []byte
}

// Static is an in-process Provider backed by bcrypt hashes. Users come from
// the config and accounts created at runtime are held in memory.
type Static struct {
	mu         sync.RWMutex
	accounts   map[string]account
	sessionTTL time.Duration
	cost       int

	// dummy is compared against for unknown e-mails so that both halves
	// of a failed check take the same time.
	dummy []byte
}

// NewStatic returns a static provider. cost is the bcrypt cost of new
// accounts; bcrypt.DefaultCost if 0.
func NewStatic(users []User, sessionTTL time.Duration, cost int) (*Static, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	s := &Static{
		accounts:   make(map[string]account, len(users)),
		sessionTTL: sessionTTL,
		cost:       cost,
	}
	for _, u := range users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, errors.New("invalid bcrypt password_hash for " + u.Email)
		}
		s.accounts[normalize(u.Email)] = account{id: uuid.NewString(), hash: []byte(u.PasswordHash)}
	}

	pw := make([]byte, 16)
	if _, err := rand.Read(pw); err != nil {
		return nil, err
	}
	dummy, err := bcrypt.GenerateFromPassword(pw, cost)
	if err != nil {
		return nil, err
	}
	s.dummy = dummy

	return s, nil
}

// CheckCredentials validates a password.
func (s *Static) CheckCredentials(ctx context.Context, email, password string) error {
	s.mu.RLock()
	a, ok := s.accounts[normalize(email)]
	s.mu.RUnlock()

	hash := a.hash
	if !ok {
		hash = s.dummy
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		return ErrInvalidCredentials
	}
	return nil
}

// SignIn validates a password and issues a random session token.
func (s *Static) SignIn(ctx context.Context, email, password string) (Session, error) {
	if err := s.CheckCredentials(ctx, email, password); err != nil {
		return Session{}, err
	}
	return Session{
		Token:     uuid.NewString(),
		ExpiresAt: time.Now().Add(s.sessionTTL),
	}, nil
}

// CreateAccount hashes the password and records the account.
func (s *Static) CreateAccount(ctx context.Context, email, password string) (Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[normalize(email)]; ok {
		return Account{}, ErrAccountExists
	}

	a := account{id: uuid.NewString(), hash: hash}
	s.accounts[normalize(email)] = a
	return Account{ID: a.id, Email: email}, nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
