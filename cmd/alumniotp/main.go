package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/knadh/koanf/v2"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/identity"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/members"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/otp"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store/memory"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/token"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (store, services, config etc.) to be injected into the HTTP handlers.
type App struct {
	svc     *otp.Service
	store   store.Store
	idp     identity.Provider
	members *members.Store
	lo      *logf.Logger
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	var (
		lo     = initLogger(ko.Bool("app.debug"))
		fs     = initFS(os.Args[0], lo)
		c      = initConstants(lo)
		st     = initStore(c, lo)
		idp    = initIdentity(lo)
		prov   = initProvider(fs, lo)
		mstore = initMembers(lo)
	)

	tokens, err := token.New([]byte(ko.String("app.token_secret")), c.TokenTTL, nil)
	if err != nil {
		lo.Fatal("error initializing token signer", "error", err)
	}

	svc, err := otp.New(otp.Opt{
		TTL:            c.OtpTTL,
		MaxAttempts:    c.OtpMaxAttempts,
		ResendCooldown: c.ResendCooldown,
		DevMode:        c.DevMode,
		CodeSecret:     []byte(ko.String("app.code_secret")),
	}, st, idp, prov, tokens, lo)
	if err != nil {
		lo.Fatal("error initializing verification service", "error", err)
	}

	if svc.DevMode() {
		lo.Warn("app.dev_mode is ON. Undelivered codes are returned in API responses. Never enable this in production")
	}

	app := &App{
		svc:     svc,
		store:   st,
		idp:     idp,
		members: mstore,
		lo:      lo,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The in-memory store has no key expiry of its own.
	if m, ok := st.(*memory.Memory); ok {
		go sweep(ctx, m, c.OtpGrace, lo)
	}

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      initHTTPHandlers(app),
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	lo.Info("starting server", "address", srv.Addr, "version", buildString)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lo.Fatal("couldn't start server", "error", err)
	}
}

// initHTTPHandlers registers the HTTP routes.
func initHTTPHandlers(app *App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("alumniotp"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))

	r.Post("/verify/send", wrap(app, handleSendSignIn))
	r.Post("/verify/send-signup", wrap(app, handleSendSignUp))
	r.Post("/verify/check", wrap(app, handleCheck))
	r.Post("/verify/resend", wrap(app, handleResend))

	r.Post("/auth/signin", wrap(app, handleSignIn))
	r.Post("/auth/signup", wrap(app, handleSignUp))

	return r
}

// sweep periodically drops dead records from the memory store.
func sweep(ctx context.Context, m *memory.Memory, interval time.Duration, lo *logf.Logger) {
	if interval < time.Second*10 {
		interval = time.Second * 10
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(); n > 0 {
				lo.Debug("swept expired verifications", "count", n)
			}
		}
	}
}
