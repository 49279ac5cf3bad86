package main

import (
	"fmt"
	"html/template"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/identity"
	idwebhook "github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/identity/webhook"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/members"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/otp"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/providers/pinpoint"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/providers/smtp"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/providers/webhook"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store/memory"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/store/redis"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
	"github.com/zerodha/logf"
)

const envPrefix = "ALUMNI_OTP_"

type constants struct {
	OtpTTL         time.Duration
	OtpMaxAttempts int
	OtpGrace       time.Duration
	ResendCooldown time.Duration
	TokenTTL       time.Duration
	DevMode        bool
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// initLogger returns a logger. Debug logs are only printed when debug is on.
func initLogger(debug bool) *logf.Logger {
	opt := logf.Opts{
		EnableCaller:    true,
		TimestampFormat: time.RFC3339,
		Level:           logf.InfoLevel,
	}
	if debug {
		opt.Level = logf.DebugLevel
		opt.EnableColor = true
	}

	lo := logf.New(opt)
	return &lo
}

// initConstants reads the verification policy, falling back to defaults.
func initConstants(lo *logf.Logger) constants {
	c := constants{
		OtpTTL:         ko.Duration("app.otp_ttl"),
		OtpMaxAttempts: ko.Int("app.otp_max_attempts"),
		OtpGrace:       ko.Duration("app.otp_grace"),
		ResendCooldown: ko.Duration("app.resend_cooldown"),
		TokenTTL:       ko.Duration("app.token_ttl"),
		DevMode:        ko.Bool("app.dev_mode"),
	}
	if c.OtpTTL <= 0 {
		c.OtpTTL = time.Minute * 5
	}
	if c.OtpMaxAttempts < 1 {
		c.OtpMaxAttempts = 5
	}
	if c.OtpGrace <= 0 {
		c.OtpGrace = time.Minute * 2
	}
	if c.ResendCooldown <= 0 {
		c.ResendCooldown = time.Second * 45
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = time.Minute * 2
	}

	// A verified token is redeemed against its consumed record, which is
	// only kept for the grace period.
	if c.TokenTTL > c.OtpGrace {
		lo.Warn("app.token_ttl is longer than app.otp_grace. Using app.otp_grace",
			"token_ttl", c.TokenTTL, "otp_grace", c.OtpGrace)
		c.TokenTTL = c.OtpGrace
	}

	return c
}

// initStore loads the verification store.
func initStore(c constants, lo *logf.Logger) store.Store {
	switch typ := ko.String("store.type"); typ {
	case "", "redis":
		var rc redis.Conf
		if err := ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error reading store.redis config", "error", err)
		}
		rc.Grace = c.OtpGrace
		return redis.New(rc)
	case "memory":
		lo.Warn("using the in-memory store. Verifications are lost on restart and not shared between instances")
		return memory.New(c.OtpGrace, nil)
	default:
		lo.Fatal("unknown store.type", "type", typ)
	}

	return nil
}

// initMembers loads the member profile store.
func initMembers(lo *logf.Logger) *members.Store {
	var mc members.Conf
	if err := ko.UnmarshalWithConf("members.redis", &mc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error reading members.redis config", "error", err)
	}

	// Default to the verification store's Redis.
	if mc.Host == "" {
		if err := ko.UnmarshalWithConf("store.redis", &mc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error reading store.redis config", "error", err)
		}
		mc.KeyPrefix = ""
	}
	return members.New(mc)
}

// initIdentity loads the identity provider.
func initIdentity(lo *logf.Logger) identity.Provider {
	switch typ := ko.String("identity.type"); typ {
	case "", "static":
		var users []identity.User
		if err := ko.UnmarshalWithConf("identity.static.users", &users, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error reading identity.static.users", "error", err)
		}

		ttl := ko.Duration("identity.static.session_ttl")
		if ttl <= 0 {
			ttl = time.Hour * 24
		}

		p, err := identity.NewStatic(users, ttl, 0)
		if err != nil {
			lo.Fatal("error initializing static identity provider", "error", err)
		}
		lo.Info("loaded static identity provider", "users", len(users))
		return p
	case "webhook":
		var cfg idwebhook.Config
		if err := ko.UnmarshalWithConf("identity.webhook", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error reading identity.webhook config", "error", err)
		}

		p, err := idwebhook.New(cfg)
		if err != nil {
			lo.Fatal("error initializing webhook identity provider", "error", err)
		}
		return p
	default:
		lo.Fatal("unknown identity.type", "type", typ)
	}

	return nil
}

// initProvider loads the e-mail delivery provider and its templates.
func initProvider(fs stuffbin.FileSystem, lo *logf.Logger) otp.Provider {
	var (
		typ  = ko.String("email.provider")
		prov models.Provider
		err  error
	)

	switch typ {
	case "", "smtp":
		var cfg smtp.Config
		if err := ko.UnmarshalWithConf("email.smtp", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error reading email.smtp config", "error", err)
		}
		prov, err = smtp.New(cfg)
	case "webhook":
		var cfg webhook.Config
		if err := ko.UnmarshalWithConf("email.webhook", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error reading email.webhook config", "error", err)
		}
		prov, err = webhook.New(cfg)
	case "pinpoint":
		var cfg pinpoint.Config
		if err := ko.UnmarshalWithConf("email.pinpoint", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
			lo.Fatal("error reading email.pinpoint config", "error", err)
		}
		prov, err = pinpoint.New(cfg)
	default:
		lo.Fatal("unknown email.provider", "provider", typ)
	}
	if err != nil {
		lo.Fatal("error initializing e-mail provider", "provider", typ, "error", err)
	}

	// Compile the message templates.
	body, err := stuffbin.ParseTemplatesGlob(sprig.FuncMap(), fs, "/static/*.html")
	if err != nil {
		lo.Fatal("error compiling message templates", "error", err)
	}

	subjects, err := initSubjects(map[models.Purpose]string{
		models.PurposeSignIn: ko.String("email.subject_signin"),
		models.PurposeSignUp: ko.String("email.subject_signup"),
	})
	if err != nil {
		lo.Fatal("error compiling subject templates", "error", err)
	}

	lo.Info("loaded e-mail provider", "provider", prov.ID())
	return otp.Provider{
		Provider: prov,
		Subjects: subjects,
		Body:     body,
	}
}

// initSubjects compiles the subject templates per purpose.
func initSubjects(subjects map[models.Purpose]string) (map[models.Purpose]*template.Template, error) {
	defaults := map[models.Purpose]string{
		models.PurposeSignIn: "Your sign-in code",
		models.PurposeSignUp: "Verify your e-mail to join",
	}

	out := make(map[models.Purpose]*template.Template, len(defaults))
	for p, def := range defaults {
		s := subjects[p]
		if s == "" {
			s = def
		}

		tpl, err := template.New("subject").Funcs(sprig.FuncMap()).Parse(s)
		if err != nil {
			return nil, fmt.Errorf("error parsing %s subject: %v", p, err)
		}
		out[p] = tpl
	}

	return out, nil
}

func initFS(exe string, lo *logf.Logger) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				lo.Fatal("error falling back to local filesystem", "error", err)
			}
		} else {
			lo.Fatal("error reading stuffed binary", "error", err)
		}
	}

	return fs
}
