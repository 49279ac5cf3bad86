package otp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/identity"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

// pushTpl is the data passed to message templates.
type pushTpl struct {
	To      string
	Purpose models.Purpose
	Channel string
	Code    string
	TTL     time.Duration
}

// Issue validates the preconditions for a verification, replaces any record
// for the e-mail and purpose with a new one, and delivers it. A fresh code
// lifts an attempt lock.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (Result, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return Result{}, err
	}
	if !req.Purpose.Valid() {
		return Result{}, ErrInvalidPurpose
	}

	// Sending a code tells the client that the password matched, so no code
	// is generated before the password is checked.
	if req.Purpose == models.PurposeSignIn {
		if err := s.idp.CheckCredentials(ctx, email, req.Password); err != nil {
			if errors.Is(err, identity.ErrInvalidCredentials) {
				return Result{}, ErrInvalidCredentials
			}
			return Result{}, fmt.Errorf("error checking credentials: %w", err)
		}
	}

	now := s.opt.Now()
	code, err := generateCode()
	if err != nil {
		return Result{}, fmt.Errorf("error generating code: %w", err)
	}

	if err := s.store.Put(ctx, s.newVerification(email, req.Purpose, code, now)); err != nil {
		return Result{}, fmt.Errorf("error setting verification: %w", err)
	}

	return s.deliver(email, req.Purpose, code)
}

// newVerification returns a fresh verification for a code issued at now.
func (s *Service) newVerification(email string, p models.Purpose, code string, now time.Time) models.Verification {
	return models.Verification{
		Email:       email,
		Purpose:     p,
		CodeHash:    hashCode(s.opt.CodeSecret, email, p, code),
		IssuedAt:    now.UnixMilli(),
		ExpiresAt:   now.Add(s.opt.TTL).UnixMilli(),
		MaxAttempts: s.opt.MaxAttempts,
		LastSentAt:  now.UnixMilli(),
	}
}

// deliver pushes a code out. When delivery fails in dev mode, the code is
// returned in the result instead.
func (s *Service) deliver(email string, p models.Purpose, code string) (Result, error) {
	err := s.push(models.Message{To: email, Purpose: p, Code: code, TTL: s.opt.TTL})
	if err == nil {
		return Result{Sent: true}, nil
	}

	s.lo.Error("error sending verification code", "error", err, "provider", s.prov.Provider.ID(), "purpose", p)
	if !s.opt.DevMode {
		return Result{}, ErrDeliveryFailed
	}

	s.lo.Warn("dev mode: disclosing undelivered code in the response", "email", email, "purpose", p)
	return Result{Sent: true, DevCode: code}, nil
}

// push compiles the message templates and pushes the message to the provider.
func (s *Service) push(msg models.Message) error {
	var (
		subj = &bytes.Buffer{}
		out  = &bytes.Buffer{}

		data = pushTpl{
			To:      msg.To,
			Purpose: msg.Purpose,
			Channel: s.prov.Provider.ChannelName(),
			Code:    msg.Code,
			TTL:     msg.TTL,
		}
	)

	if t, ok := s.prov.Subjects[msg.Purpose]; ok && t != nil {
		if err := t.Execute(subj, data); err != nil {
			return fmt.Errorf("error compiling subject: %w", err)
		}
	}

	if s.prov.Body != nil && s.prov.Body.Lookup(string(msg.Purpose)) != nil {
		if err := s.prov.Body.ExecuteTemplate(out, string(msg.Purpose), data); err != nil {
			return fmt.Errorf("error compiling message: %w", err)
		}
	}

	if n := s.prov.Provider.MaxBodyLen(); n > 0 && out.Len() > n {
		return fmt.Errorf("message body is %d bytes, over the provider's %d", out.Len(), n)
	}

	s.lo.Debug("sending verification code", "to", msg.To, "provider", s.prov.Provider.ID(), "purpose", msg.Purpose)
	return s.prov.Provider.Push(msg, subj.String(), out.Bytes())
}
