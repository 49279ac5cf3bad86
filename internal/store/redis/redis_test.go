package redis

import (
	"context"
	"log"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

const (
	testTTL   = 5 * time.Minute
	testGrace = time.Minute
)

var (
	rStore *Redis
	rdis   *miniredis.Miniredis
	ctx    = context.Background()
	now    = time.Now()

	mockVerification = models.Verification{
		Email:       "a@x.com",
		Purpose:     models.PurposeSignIn,
		CodeHash:    "myhash",
		IssuedAt:    now.UnixMilli(),
		ExpiresAt:   now.Add(testTTL).UnixMilli(),
		MaxAttempts: 3,
		LastSentAt:  now.UnixMilli(),
	}
)

func init() {
	rd, err := miniredis.Run()
	if err != nil {
		log.Println(err)
	}
	rdis = rd

	port, _ := strconv.Atoi(rd.Port())
	rStore = New(Conf{
		Host:  rd.Host(),
		Port:  port,
		Grace: testGrace,
	})
}

func setup(t *testing.T) *Redis {
	rdis.FlushDB()
	err := rStore.Put(ctx, mockVerification)
	require.NoError(t, err, "Failed to set up test verification")

	t.Cleanup(func() {
		rdis.FlushDB()
	})

	return rStore
}

func TestStorePut(t *testing.T) {
	rStore := setup(t)

	v, err := rStore.Get(ctx, mockVerification.Email, mockVerification.Purpose)
	assert.NoError(t, err, "Error getting verification")
	assert.Equal(t, mockVerification, v, "Returned verification doesn't match")

	t.Run("resets attempts", func(t *testing.T) {
		_, err := rStore.IncrementAttempt(ctx, mockVerification.Email, mockVerification.Purpose)
		require.NoError(t, err)

		next := mockVerification
		next.CodeHash = "otherhash"
		require.NoError(t, rStore.Put(ctx, next))

		v, err := rStore.Get(ctx, next.Email, next.Purpose)
		assert.NoError(t, err)
		assert.Equal(t, 0, v.Attempts, "Attempts weren't reset")
		assert.Equal(t, "otherhash", v.CodeHash, "Code wasn't replaced")
		assert.Equal(t, mockVerification.CodeHash, v.PrevHash, "Replaced code wasn't kept")
	})

	t.Run("purposes are separate", func(t *testing.T) {
		_, err := rStore.Get(ctx, mockVerification.Email, models.PurposeSignUp)
		assert.ErrorIs(t, err, store.ErrNotExist)
	})
}

func TestStoreTTL(t *testing.T) {
	setup(t)

	key := rStore.makeKey(mockVerification.Email, mockVerification.Purpose)
	assert.Equal(t, testTTL+testGrace, rdis.TTL(key), "Key TTL doesn't match code window plus grace")

	rdis.FastForward(testTTL + testGrace + time.Second)
	_, err := rStore.Get(ctx, mockVerification.Email, mockVerification.Purpose)
	assert.ErrorIs(t, err, store.ErrNotExist, "Verification outlived its TTL")
}

func TestStoreIncrementAttempt(t *testing.T) {
	rStore := setup(t)

	n, err := rStore.IncrementAttempt(ctx, mockVerification.Email, mockVerification.Purpose)
	assert.NoError(t, err, "Error incrementing attempts")
	assert.Equal(t, 1, n, "Unexpected attempt count after first increment")

	n, err = rStore.IncrementAttempt(ctx, mockVerification.Email, mockVerification.Purpose)
	assert.NoError(t, err, "Error incrementing attempts")
	assert.Equal(t, 2, n, "Unexpected attempt count after second increment")

	t.Run("missing key", func(t *testing.T) {
		_, err := rStore.IncrementAttempt(ctx, "nobody@x.com", models.PurposeSignIn)
		assert.ErrorIs(t, err, store.ErrNotExist)
		assert.False(t, rdis.Exists(rStore.makeKey("nobody@x.com", models.PurposeSignIn)),
			"Increment created a stray key")
	})

	t.Run("concurrent", func(t *testing.T) {
		rdis.FlushDB()
		require.NoError(t, rStore.Put(ctx, mockVerification))

		const workers = 32
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			errs []error
			seen = make(map[int]bool)
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := rStore.IncrementAttempt(ctx, mockVerification.Email, mockVerification.Purpose)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				seen[n] = true
			}()
		}
		wg.Wait()

		assert.Empty(t, errs, "Increments failed under contention")
		assert.Len(t, seen, workers, "Two increments returned the same count")

		v, err := rStore.Get(ctx, mockVerification.Email, mockVerification.Purpose)
		assert.NoError(t, err)
		assert.Equal(t, workers, v.Attempts, "Increments were lost")
	})
}

func TestStoreConsume(t *testing.T) {
	rStore := setup(t)

	_, err := rStore.IncrementAttempt(ctx, mockVerification.Email, mockVerification.Purpose)
	require.NoError(t, err)

	err = rStore.Consume(ctx, mockVerification.Email, mockVerification.Purpose, mockVerification.CodeHash, now)
	assert.NoError(t, err, "Error consuming verification")

	v, err := rStore.Get(ctx, mockVerification.Email, mockVerification.Purpose)
	assert.NoError(t, err)
	assert.True(t, v.Consumed, "Verification should be consumed but isn't")
	assert.Equal(t, 0, v.Attempts, "Successful attempt wasn't released")

	err = rStore.Consume(ctx, mockVerification.Email, mockVerification.Purpose, mockVerification.CodeHash, now)
	assert.ErrorIs(t, err, store.ErrConsumed, "Verification was consumed twice")
}

func TestStoreConsumeRules(t *testing.T) {
	t.Run("expired", func(t *testing.T) {
		rStore := setup(t)
		err := rStore.Consume(ctx, mockVerification.Email, mockVerification.Purpose, mockVerification.CodeHash, now.Add(testTTL+time.Second))
		assert.ErrorIs(t, err, store.ErrExpired)
	})

	t.Run("locked", func(t *testing.T) {
		rStore := setup(t)
		for i := 0; i <= mockVerification.MaxAttempts; i++ {
			_, err := rStore.IncrementAttempt(ctx, mockVerification.Email, mockVerification.Purpose)
			require.NoError(t, err)
		}
		err := rStore.Consume(ctx, mockVerification.Email, mockVerification.Purpose, mockVerification.CodeHash, now)
		assert.ErrorIs(t, err, store.ErrLocked)
	})

	t.Run("missing", func(t *testing.T) {
		setup(t)
		err := rStore.Consume(ctx, "nobody@x.com", models.PurposeSignIn, mockVerification.CodeHash, now)
		assert.ErrorIs(t, err, store.ErrNotExist)
	})

	t.Run("replaced", func(t *testing.T) {
		rStore := setup(t)
		next := mockVerification
		next.CodeHash = "newerhash"
		require.NoError(t, rStore.Put(ctx, next))

		err := rStore.Consume(ctx, mockVerification.Email, mockVerification.Purpose, mockVerification.CodeHash, now)
		assert.ErrorIs(t, err, store.ErrNotExist, "Replaced code was consumed")
	})
}

func TestStoreConsumeConcurrent(t *testing.T) {
	rStore := setup(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  int
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rStore.Consume(ctx, mockVerification.Email, mockVerification.Purpose, mockVerification.CodeHash, now)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				oks++
			} else {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, oks, "Exactly one consume should succeed")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], store.ErrConsumed)
}

func TestStoreRotate(t *testing.T) {
	const cooldown = 30 * time.Second
	rStore := setup(t)

	next := mockVerification
	next.CodeHash = "rotatedhash"

	t.Run("too soon", func(t *testing.T) {
		next.IssuedAt = now.Add(cooldown - time.Second).UnixMilli()
		_, err := rStore.Rotate(ctx, next, cooldown)
		assert.ErrorIs(t, err, store.ErrTooSoon)

		v, err := rStore.Get(ctx, mockVerification.Email, mockVerification.Purpose)
		assert.NoError(t, err)
		assert.Equal(t, mockVerification, v, "Rejected rotation altered the record")
	})

	t.Run("after cooldown", func(t *testing.T) {
		_, err := rStore.IncrementAttempt(ctx, mockVerification.Email, mockVerification.Purpose)
		require.NoError(t, err)

		next.IssuedAt = now.Add(cooldown).UnixMilli()
		next.ExpiresAt = now.Add(cooldown + testTTL).UnixMilli()
		out, err := rStore.Rotate(ctx, next, cooldown)
		assert.NoError(t, err)
		assert.Equal(t, 1, out.ResendCount)
		assert.Equal(t, next.IssuedAt, out.LastSentAt)

		v, err := rStore.Get(ctx, mockVerification.Email, mockVerification.Purpose)
		assert.NoError(t, err)
		assert.Equal(t, out, v)
		assert.Equal(t, 0, v.Attempts, "Attempts weren't reset")
		assert.Equal(t, "rotatedhash", v.CodeHash)
		assert.Equal(t, mockVerification.CodeHash, v.PrevHash)
	})

	t.Run("consumed", func(t *testing.T) {
		require.NoError(t, rStore.Consume(ctx, mockVerification.Email, mockVerification.Purpose, next.CodeHash, now))
		next.IssuedAt = now.Add(time.Hour).UnixMilli()
		_, err := rStore.Rotate(ctx, next, cooldown)
		assert.ErrorIs(t, err, store.ErrConsumed)
	})

	t.Run("missing", func(t *testing.T) {
		v := next
		v.Email = "nobody@x.com"
		_, err := rStore.Rotate(ctx, v, cooldown)
		assert.ErrorIs(t, err, store.ErrNotExist)
	})
}

func TestStoreRedeem(t *testing.T) {
	rStore := setup(t)

	err := rStore.Redeem(ctx, mockVerification.Email, mockVerification.Purpose)
	assert.ErrorIs(t, err, store.ErrNotConsumed, "Pending verification was redeemed")

	require.NoError(t, rStore.Consume(ctx, mockVerification.Email, mockVerification.Purpose, mockVerification.CodeHash, now))
	assert.NoError(t, rStore.Redeem(ctx, mockVerification.Email, mockVerification.Purpose))

	err = rStore.Redeem(ctx, mockVerification.Email, mockVerification.Purpose)
	assert.ErrorIs(t, err, store.ErrNotExist, "Verification was redeemed twice")
}

func TestStoreDelete(t *testing.T) {
	rStore := setup(t)

	err := rStore.Delete(ctx, mockVerification.Email, mockVerification.Purpose)
	assert.NoError(t, err, "Error deleting verification")

	_, err = rStore.Get(ctx, mockVerification.Email, mockVerification.Purpose)
	assert.Equal(t, store.ErrNotExist, err, "Verification should not exist but it does")
}

func TestStorePing(t *testing.T) {
	assert.NoError(t, rStore.Ping(ctx))
}
