// Package members persists member profiles once sign-up has been verified.
// Profiles are Redis hashes keyed by e-mail.
package members

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrExists is returned when a profile already exists for an e-mail.
var ErrExists = errors.New("member already exists")

// ErrNotExist is returned when there's no profile for an e-mail.
var ErrNotExist = errors.New("member does not exist")

// Member is a member profile.
type Member struct {
	Email     string `redis:"email" json:"email"`
	AccountID string `redis:"account_id" json:"account_id"`
	FullName  string `redis:"full_name" json:"full_name"`
	Phone     string `redis:"phone" json:"phone"`
	CreatedAt int64  `redis:"created_at" json:"created_at"`
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// Store is a Redis backed member store.
type Store struct {
	client *redis.Client
	prefix string
}

// New returns a member store.
func New(c Conf) *Store {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "MEMBER"
	}

	return &Store{
		prefix: c.KeyPrefix,
		client: redis.NewClient(&redis.Options{
			Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
			Username:     c.Username,
			Password:     c.Password,
			DB:           c.DB,
			DialTimeout:  c.Timeout,
			WriteTimeout: c.Timeout,
			ReadTimeout:  c.Timeout,
		}),
	}
}

// Create saves a new member profile. The e-mail is claimed with HSETNX so
// that only one of concurrent creates for the same e-mail wins.
func (s *Store) Create(ctx context.Context, m Member) error {
	key := s.makeKey(m.Email)

	ok, err := s.client.HSetNX(ctx, key, "email", m.Email).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}

	if err := s.client.HMSet(ctx, key,
		"account_id", m.AccountID,
		"full_name", m.FullName,
		"phone", m.Phone,
		"created_at", m.CreatedAt).Err(); err != nil {
		// Release the claim.
		s.client.Del(ctx, key)
		return err
	}
	return nil
}

// SetAccountID links an existing profile to its account.
func (s *Store) SetAccountID(ctx context.Context, email, id string) error {
	return s.client.HSet(ctx, s.makeKey(email), "account_id", id).Err()
}

// Delete deletes a member profile.
func (s *Store) Delete(ctx context.Context, email string) error {
	return s.client.Del(ctx, s.makeKey(email)).Err()
}

// Get returns a member profile.
func (s *Store) Get(ctx context.Context, email string) (Member, error) {
	var out Member
	if err := s.client.HGetAll(ctx, s.makeKey(email)).Scan(&out); err != nil {
		return out, err
	}
	if out.Email == "" {
		return out, ErrNotExist
	}
	return out, nil
}

func (s *Store) makeKey(email string) string {
	return fmt.Sprintf("%s:%s", s.prefix, email)
}
