package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/identity"
)

func newUpstream(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	check := func(r *http.Request) bool {
		var c credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&c))
		return c.Email == "a@x.com" && c.Password == "secret"
	}

	mux.HandleFunc("/credentials/check", func(w http.ResponseWriter, r *http.Request) {
		if u, p, _ := r.BasicAuth(); u != "svc" || p != "svcpass" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !check(r) {
			w.WriteHeader(http.StatusUnauthorized)
		}
	})
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if !check(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(identity.Session{Token: "sess-1", ExpiresAt: time.Unix(1700000000, 0)})
	})
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		var c credentials
		json.NewDecoder(r.Body).Decode(&c)
		if c.Email == "a@x.com" {
			w.WriteHeader(http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(identity.Account{ID: "acc-1", Email: c.Email})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhook(t *testing.T) {
	srv := newUpstream(t)
	w, err := New(Config{URL: srv.URL + "/", Username: "svc", Password: "svcpass"})
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, w.CheckCredentials(ctx, "a@x.com", "secret"))
	assert.ErrorIs(t, w.CheckCredentials(ctx, "a@x.com", "wrong"), identity.ErrInvalidCredentials)

	sess, err := w.SignIn(ctx, "a@x.com", "secret")
	assert.NoError(t, err)
	assert.Equal(t, "sess-1", sess.Token)

	_, err = w.CreateAccount(ctx, "a@x.com", "secret")
	assert.ErrorIs(t, err, identity.ErrAccountExists)

	acc, err := w.CreateAccount(ctx, "b@y.com", "secret")
	assert.NoError(t, err)
	assert.Equal(t, "acc-1", acc.ID)
}

func TestWebhookUpstreamError(t *testing.T) {
	srv := newUpstream(t)
	w, err := New(Config{URL: srv.URL})
	require.NoError(t, err)

	// No basic auth: the upstream fails with a 500, which is not a
	// credentials error.
	err = w.CheckCredentials(context.Background(), "a@x.com", "secret")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, identity.ErrInvalidCredentials)
}
