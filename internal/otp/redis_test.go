package otp

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store/redis"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

func newRedisEnv(t *testing.T) *testEnv {
	rd, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(rd.Close)

	port, _ := strconv.Atoi(rd.Port())
	return newTestEnvWithStore(t, false, redis.New(redis.Conf{
		Host:  rd.Host(),
		Port:  port,
		Grace: testGrace,
	}))
}

func TestRedisScenarioSignIn(t *testing.T) {
	e := newRedisEnv(t)
	code := e.issue(t, "a@x.com", models.PurposeSignIn)

	for i := 0; i < 3; i++ {
		_, err := e.svc.Verify(ctx, "a@x.com", models.PurposeSignIn, wrongCode(code))
		require.ErrorIs(t, err, ErrInvalidCode)
	}
	assert.Equal(t, 3, e.get(t, "a@x.com", models.PurposeSignIn).Attempts)

	out, err := e.svc.Verify(ctx, "a@x.com", models.PurposeSignIn, code)
	require.NoError(t, err)

	_, err = e.svc.Verify(ctx, "a@x.com", models.PurposeSignIn, code)
	assert.ErrorIs(t, err, ErrAlreadyUsed)

	email, err := e.svc.Redeem(ctx, out.Token, models.PurposeSignIn)
	assert.NoError(t, err)
	assert.Equal(t, "a@x.com", email)
}

func TestRedisVerifyConcurrent(t *testing.T) {
	e := newRedisEnv(t)
	code := e.issue(t, "b@y.com", models.PurposeSignUp)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.Verify(ctx, "b@y.com", models.PurposeSignUp, code); err == nil {
				mu.Lock()
				oks++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyUsed)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, oks)
}

func TestRedisResend(t *testing.T) {
	e := newRedisEnv(t)
	e.issue(t, "b@y.com", models.PurposeSignUp)

	_, err := e.svc.Resend(ctx, "b@y.com", models.PurposeSignUp)
	assert.ErrorIs(t, err, ErrTooSoon)

	e.clock.Add(testCooldown)
	_, err = e.svc.Resend(ctx, "b@y.com", models.PurposeSignUp)
	require.NoError(t, err)
	assert.Equal(t, 1, e.get(t, "b@y.com", models.PurposeSignUp).ResendCount)

	_, err = e.svc.Verify(ctx, "b@y.com", models.PurposeSignUp, e.prov.lastCode(t))
	assert.NoError(t, err)
}

func TestRedisExpiry(t *testing.T) {
	e := newRedisEnv(t)
	code := e.issue(t, "b@y.com", models.PurposeSignUp)

	e.clock.Add(testTTL + time.Second)
	_, err := e.svc.Verify(ctx, "b@y.com", models.PurposeSignUp, code)
	assert.ErrorIs(t, err, ErrExpired)
}
