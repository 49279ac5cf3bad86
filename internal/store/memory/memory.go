// Package memory implements an in-process Store. It is meant for local
// development and tests: records do not survive restarts and are not
// shared between instances.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

type key struct {
	email   string
	purpose models.Purpose
}

// Memory is a mutex guarded map of verifications.
type Memory struct {
	mu    sync.Mutex
	items map[key]models.Verification
	grace time.Duration
	now   func() time.Time
}

// New returns a memory store. Records are dropped grace after their code's
// window. now is the clock used for dropping records; time.Now if nil.
func New(grace time.Duration, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		items: make(map[key]models.Verification),
		grace: grace,
		now:   now,
	}
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

// Put sets a verification, replacing whatever was stored against the key.
func (m *Memory) Put(ctx context.Context, v models.Verification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{v.Email, v.Purpose}
	v.Attempts = 0
	v.Consumed = false
	v.PrevHash = ""
	if old, err := m.get(k); err == nil {
		v.PrevHash = old.CodeHash
	}
	m.items[k] = v
	return nil
}

// Get returns the verification stored against a key.
func (m *Memory) Get(ctx context.Context, email string, p models.Purpose) (models.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.get(key{email, p})
}

// IncrementAttempt increments the attempts of an existing verification.
func (m *Memory) IncrementAttempt(ctx context.Context, email string, p models.Purpose) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{email, p}
	v, err := m.get(k)
	if err != nil {
		return 0, err
	}

	v.Attempts++
	m.items[k] = v
	return v.Attempts, nil
}

// Consume marks a live verification as consumed.
func (m *Memory) Consume(ctx context.Context, email string, p models.Purpose, codeHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{email, p}
	v, err := m.get(k)
	if err != nil {
		return err
	}
	if err := store.CheckConsume(v, codeHash, now); err != nil {
		return err
	}

	v.Consumed = true
	if v.Attempts > 0 {
		v.Attempts--
	}
	m.items[k] = v
	return nil
}

// Rotate replaces the code of an existing verification, respecting the
// cooldown since the last send.
func (m *Memory) Rotate(ctx context.Context, v models.Verification, cooldown time.Duration) (models.Verification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{v.Email, v.Purpose}
	old, err := m.get(k)
	if err != nil {
		return models.Verification{}, err
	}
	if err := store.CheckRotate(old, v.IssuedAt, cooldown); err != nil {
		return models.Verification{}, err
	}

	v.Attempts = 0
	v.Consumed = false
	v.ResendCount = old.ResendCount + 1
	v.PrevHash = old.CodeHash
	v.LastSentAt = v.IssuedAt
	m.items[k] = v
	return v, nil
}

// Redeem deletes a consumed verification.
func (m *Memory) Redeem(ctx context.Context, email string, p models.Purpose) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{email, p}
	v, err := m.get(k)
	if err != nil {
		return err
	}
	if !v.Consumed {
		return store.ErrNotConsumed
	}

	delete(m.items, k)
	return nil
}

// Delete deletes the verification saved against a key.
func (m *Memory) Delete(ctx context.Context, email string, p models.Purpose) error {
	m.mu.Lock()
	delete(m.items, key{email, p})
	m.mu.Unlock()
	return nil
}

// Sweep drops the records that have outlived their window plus grace and
// returns the number dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k, v := range m.items {
		if m.dead(v) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of records held, including dead ones that haven't
// been swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// get must be called with the lock held.
func (m *Memory) get(k key) (models.Verification, error) {
	v, ok := m.items[k]
	if !ok {
		return v, store.ErrNotExist
	}

	// Records past their grace window behave as if they were never there.
	if m.dead(v) {
		delete(m.items, k)
		return models.Verification{}, store.ErrNotExist
	}
	return v, nil
}

func (m *Memory) dead(v models.Verification) bool {
	return m.now().After(time.UnixMilli(v.ExpiresAt).Add(m.grace))
}
