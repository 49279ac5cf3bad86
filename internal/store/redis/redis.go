package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

// maxTxRetries is the number of times an optimistic transaction is retried
// when the watched key changes underneath it.
const maxTxRetries = 16

// incrScript increments the attempts of an existing hash in one step. A
// plain HINCRBY on a missing key would create a stray hash without a TTL.
var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
end
return -1
`)

// Redis implements a Redis Store. Every verification is a hash.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	MaxActive int           `json:"max_active"`
	MaxIdle   int           `json:"max_idle"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
	// If this is set, 'consume' and 'redeem' events are PUBLISHed to
	// this Redis key (Redis PubSub).
	PublishKey string `json:"publish_key"`

	// Grace is how long a key outlives its code's window.
	Grace time.Duration `json:"-"`
}

type event struct {
	Type    string         `json:"type"`
	Email   string         `json:"email"`
	Purpose models.Purpose `json:"purpose"`
}

// hashReader is satisfied by both the client and transactions.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTP"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.MaxActive,
		MaxIdleConns: c.MaxIdle,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Put sets a verification, replacing whatever was stored against the key.
func (r *Redis) Put(ctx context.Context, v models.Verification) error {
	v.Attempts = 0
	v.Consumed = false

	key := r.makeKey(v.Email, v.Purpose)
	return r.watch(ctx, key, func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, key, "code_hash").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		v.PrevHash = prev

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.write(ctx, pipe, key, v)
			return nil
		})
		return err
	})
}

// Get returns the verification stored against a key.
func (r *Redis) Get(ctx context.Context, email string, p models.Purpose) (models.Verification, error) {
	return r.get(ctx, r.client, r.makeKey(email, p))
}

// IncrementAttempt increments the attempts of an existing verification.
func (r *Redis) IncrementAttempt(ctx context.Context, email string, p models.Purpose) (int, error) {
	n, err := incrScript.Run(ctx, r.client, []string{r.makeKey(email, p)}).Int()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, store.ErrNotExist
	}
	return n, nil
}

// Consume marks a live verification as consumed.
func (r *Redis) Consume(ctx context.Context, email string, p models.Purpose, codeHash string, now time.Time) error {
	key := r.makeKey(email, p)

	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		v, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := store.CheckConsume(v, codeHash, now); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "consumed", true)
			if v.Attempts > 0 {
				pipe.HIncrBy(ctx, key, "attempts", -1)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}

	r.publish(ctx, "consume", email, p)
	return nil
}

// Rotate replaces the code of an existing verification, respecting the
// cooldown since the last send.
func (r *Redis) Rotate(ctx context.Context, v models.Verification, cooldown time.Duration) (models.Verification, error) {
	key := r.makeKey(v.Email, v.Purpose)

	var out models.Verification
	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		old, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := store.CheckRotate(old, v.IssuedAt, cooldown); err != nil {
			return err
		}

		next := v
		next.Attempts = 0
		next.Consumed = false
		next.ResendCount = old.ResendCount + 1
		next.PrevHash = old.CodeHash
		next.LastSentAt = v.IssuedAt

		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.write(ctx, pipe, key, next)
			return nil
		}); err != nil {
			return err
		}

		out = next
		return nil
	})

	return out, err
}

// Redeem deletes a consumed verification.
func (r *Redis) Redeem(ctx context.Context, email string, p models.Purpose) error {
	key := r.makeKey(email, p)

	err := r.watch(ctx, key, func(tx *redis.Tx) error {
		v, err := r.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if !v.Consumed {
			return store.ErrNotConsumed
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}

	r.publish(ctx, "redeem", email, p)
	return nil
}

// Delete deletes the verification saved against a key.
func (r *Redis) Delete(ctx context.Context, email string, p models.Purpose) error {
	if err := r.client.Del(ctx, r.makeKey(email, p)).Err(); err != nil {
		return err
	}
	return nil
}

// watch runs fn in an optimistic transaction on key. If the key is modified
// externally between the watch and the transaction's execution, the
// transaction is aborted and retried.
func (r *Redis) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return store.ErrConflict
}

// write queues the commands that replace the hash at key with v.
func (r *Redis) write(ctx context.Context, pipe redis.Pipeliner, key string, v models.Verification) {
	pipe.Del(ctx, key)
	pipe.HMSet(ctx, key,
		"email", v.Email,
		"purpose", string(v.Purpose),
		"code_hash", v.CodeHash,
		"prev_hash", v.PrevHash,
		"issued_at", v.IssuedAt,
		"expires_at", v.ExpiresAt,
		"attempts", v.Attempts,
		"max_attempts", v.MaxAttempts,
		"resend_count", v.ResendCount,
		"last_sent_at", v.LastSentAt,
		"consumed", v.Consumed)
	pipe.PExpire(ctx, key, v.TTL()+r.conf.Grace)
}

// get retrieves the verification stored at key.
func (r *Redis) get(ctx context.Context, c hashReader, key string) (models.Verification, error) {
	var out models.Verification

	// Retrieve all fields of the hash.
	if err := c.HGetAll(ctx, key).Scan(&out); err != nil {
		return out, err
	}

	// Doesn't exist?
	if out.CodeHash == "" {
		return out, store.ErrNotExist
	}

	return out, nil
}

// publish publishes an event if there's a configured PublishKey. The state
// change has already been committed, so a failed publish is not an error.
func (r *Redis) publish(ctx context.Context, typ, email string, p models.Purpose) {
	if r.conf.PublishKey == "" {
		return
	}

	e, _ := json.Marshal(event{
		Type:    typ,
		Email:   email,
		Purpose: p,
	})
	r.client.Publish(ctx, r.conf.PublishKey, e)
}

// makeKey makes the Redis key for a verification.
func (r *Redis) makeKey(email string, p models.Purpose) string {
	return fmt.Sprintf("%s:%s:%s", r.conf.KeyPrefix, p, email)
}
