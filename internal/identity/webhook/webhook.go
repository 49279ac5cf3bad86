// webhook is an identity.Provider that delegates to an upstream HTTP
// identity service. It POSTs JSON to three endpoints under the base URL:
//
//	/credentials/check  {email, password}  200 ok, 401 invalid
//	/sessions           {email, password}  200 {token, expires_at}, 401 invalid
//	/accounts           {email, password}  200 {id, email}, 409 exists
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/identity"
)

// Config contains the webhook identity provider configuration.
type Config struct {
	URL      string        `json:"url"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// Webhook calls an upstream identity service.
type Webhook struct {
	cfg        Config
	authHeader string
	http       *http.Client
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// New returns a webhook identity provider.
func New(cfg Config) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("invalid identity webhook url")
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// CheckCredentials validates a password upstream.
func (w *Webhook) CheckCredentials(ctx context.Context, email, password string) error {
	return w.post(ctx, "/credentials/check", credentials{email, password}, nil)
}

// SignIn requests a session upstream.
func (w *Webhook) SignIn(ctx context.Context, email, password string) (identity.Session, error) {
	var out identity.Session
	err := w.post(ctx, "/sessions", credentials{email, password}, &out)
	return out, err
}

// CreateAccount requests a new account upstream.
func (w *Webhook) CreateAccount(ctx context.Context, email, password string) (identity.Account, error) {
	var out identity.Account
	err := w.post(ctx, "/accounts", credentials{email, password}, &out)
	return out, err
}

func (w *Webhook) post(ctx context.Context, path string, data interface{}, out interface{}) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", "alumni-otp")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	case http.StatusUnauthorized, http.StatusForbidden:
		return identity.ErrInvalidCredentials
	case http.StatusConflict:
		return identity.ErrAccountExists
	default:
		return fmt.Errorf("identity webhook %s returned %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding identity webhook response: %v", err)
	}
	return nil
}
