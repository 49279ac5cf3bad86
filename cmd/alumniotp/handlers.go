package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/identity"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/members"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/internal/otp"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

// maxBodySize is the max size of JSON request bodies.
const maxBodySize = 16 * 1024

type ctxKey string

const ctxApp ctxKey = "app"

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type errResp struct {
	Error      string  `json:"error"`
	Remaining  int     `json:"remaining,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

type sendReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sendSignUpReq struct {
	Email string `json:"email"`
}

type checkReq struct {
	Email   string         `json:"email"`
	Purpose models.Purpose `json:"purpose"`
	Code    string         `json:"code"`
}

type checkResp struct {
	Verified  bool      `json:"verified"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type resendReq struct {
	Email   string         `json:"email"`
	Purpose models.Purpose `json:"purpose"`
}

type signInReq struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type signInResp struct {
	Session   string    `json:"session"`
	ExpiresAt time.Time `json:"expires_at"`
}

type signUpReq struct {
	Token    string `json:"token"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
}

type signUpResp struct {
	AccountID string `json:"account_id"`
}

// errTypes maps errors to HTTP statuses and the error type clients see.
var errTypes = []struct {
	err    error
	status int
	typ    string
}{
	{otp.ErrInvalidEmail, http.StatusBadRequest, "invalid_email"},
	{otp.ErrInvalidPurpose, http.StatusBadRequest, "invalid_purpose"},
	{otp.ErrMalformedCode, http.StatusBadRequest, "malformed_code"},
	{otp.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{otp.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
	{otp.ErrNotFound, http.StatusNotFound, "not_found"},
	{otp.ErrAlreadyUsed, http.StatusConflict, "already_used"},
	{otp.ErrExpired, http.StatusGone, "expired"},
	{otp.ErrExhausted, http.StatusTooManyRequests, "exhausted"},
	{otp.ErrTooSoon, http.StatusTooManyRequests, "too_soon"},
	{otp.ErrDeliveryFailed, http.StatusBadGateway, "delivery_failed"},
	{identity.ErrAccountExists, http.StatusConflict, "account_exists"},
	{members.ErrExists, http.StatusConflict, "account_exists"},
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxApp).(*App)

	if err := app.store.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleSendSignIn issues a sign-in code after checking the password.
func handleSendSignIn(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		req sendReq
	)
	if !decodeRequest(w, r, &req) {
		return
	}

	out, err := app.svc.Issue(r.Context(), otp.IssueRequest{
		Email:    req.Email,
		Purpose:  models.PurposeSignIn,
		Password: req.Password,
	})
	if err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, out)
}

// handleSendSignUp issues a sign-up code.
func handleSendSignUp(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		req sendSignUpReq
	)
	if !decodeRequest(w, r, &req) {
		return
	}

	out, err := app.svc.Issue(r.Context(), otp.IssueRequest{
		Email:   req.Email,
		Purpose: models.PurposeSignUp,
	})
	if err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, out)
}

// handleCheck verifies a code.
func handleCheck(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		req checkReq
	)
	if !decodeRequest(w, r, &req) {
		return
	}

	out, err := app.svc.Verify(r.Context(), req.Email, req.Purpose, req.Code)
	if err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, checkResp{
		Verified:  true,
		Token:     out.Token,
		ExpiresAt: out.ExpiresAt,
	})
}

// handleResend resends a code for either purpose.
func handleResend(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		req resendReq
	)
	if !decodeRequest(w, r, &req) {
		return
	}

	out, err := app.svc.Resend(r.Context(), req.Email, req.Purpose)
	if err != nil {
		sendOTPError(app, w, err)
		return
	}

	sendResponse(w, out)
}

// handleSignIn completes a verified sign-in. The password is re-supplied by
// the client as it's never held across the verification.
func handleSignIn(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		ctx = r.Context()
		req signInReq
	)
	if !decodeRequest(w, r, &req) {
		return
	}

	email, err := app.svc.TokenEmail(req.Token, models.PurposeSignIn)
	if err != nil {
		sendOTPError(app, w, err)
		return
	}

	// The password is checked before the token is redeemed so that a typo
	// doesn't burn the verification.
	if err := app.idp.CheckCredentials(ctx, email, req.Password); err != nil {
		sendOTPError(app, w, identityErr(err))
		return
	}

	if _, err := app.svc.Redeem(ctx, req.Token, models.PurposeSignIn); err != nil {
		sendOTPError(app, w, err)
		return
	}

	sess, err := app.idp.SignIn(ctx, email, req.Password)
	if err != nil {
		sendOTPError(app, w, identityErr(err))
		return
	}

	app.lo.Info("signed in", "email", email)
	sendResponse(w, signInResp{Session: sess.Token, ExpiresAt: sess.ExpiresAt})
}

// handleSignUp completes a verified sign-up with the profile the client held
// during the verification.
func handleSignUp(w http.ResponseWriter, r *http.Request) {
	var (
		app = r.Context().Value(ctxApp).(*App)
		ctx = r.Context()
		req signUpReq
	)
	if !decodeRequest(w, r, &req) {
		return
	}

	if req.Password == "" {
		sendErrorResponse(w, "`password` is empty.", http.StatusBadRequest, errResp{Error: "invalid_request"})
		return
	}

	email, err := app.svc.TokenEmail(req.Token, models.PurposeSignUp)
	if err != nil {
		sendOTPError(app, w, err)
		return
	}

	// The profile is saved before the verification is redeemed. It claims
	// the e-mail, and a store failure here leaves the token usable.
	if err := app.members.Create(ctx, members.Member{
		Email:     email,
		FullName:  req.FullName,
		Phone:     req.Phone,
		CreatedAt: time.Now().Unix(),
	}); err != nil {
		sendOTPError(app, w, err)
		return
	}

	if _, err := app.svc.Redeem(ctx, req.Token, models.PurposeSignUp); err != nil {
		dropMember(app, email)
		sendOTPError(app, w, err)
		return
	}

	acc, err := app.idp.CreateAccount(ctx, email, req.Password)
	if err != nil {
		dropMember(app, email)
		sendOTPError(app, w, err)
		return
	}

	// The account exists at this point. A failed link is logged for repair
	// and doesn't fail the sign-up.
	if err := app.members.SetAccountID(ctx, email, acc.ID); err != nil {
		app.lo.Error("error linking member profile to account", "error", err, "email", email, "account_id", acc.ID)
	}

	app.lo.Info("account created", "email", email, "account_id", acc.ID)
	sendResponse(w, signUpResp{AccountID: acc.ID})
}

// dropMember removes a profile saved for a sign-up that didn't complete.
func dropMember(app *App, email string) {
	if err := app.members.Delete(context.Background(), email); err != nil {
		app.lo.Error("error removing member profile", "error", err, "email", email)
	}
}

// identityErr hides the identity provider's error behind the service's
// vague credentials error.
func identityErr(err error) error {
	if errors.Is(err, identity.ErrInvalidCredentials) {
		return otp.ErrInvalidCredentials
	}
	return err
}

// decodeRequest strictly decodes a JSON request body into v. Unknown fields
// are rejected. It writes the error response and returns false on failure.
func decodeRequest(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		sendErrorResponse(w, "Invalid JSON request body.", http.StatusBadRequest, errResp{Error: "invalid_request"})
		return false
	}
	if _, err := dec.Token(); err != io.EOF {
		sendErrorResponse(w, "Unexpected data after the JSON request body.", http.StatusBadRequest, errResp{Error: "invalid_request"})
		return false
	}

	return true
}

// sendOTPError sends the error response for an error returned by the
// verification service or its collaborators.
func sendOTPError(app *App, w http.ResponseWriter, err error) {
	var (
		ce *otp.CodeError
		we *otp.WaitError
	)

	switch {
	case errors.As(err, &ce):
		sendErrorResponse(w, err.Error(), http.StatusBadRequest, errResp{
			Error:     "invalid_code",
			Remaining: ce.Remaining,
		})
		return

	case errors.As(err, &we):
		typ := "too_soon"
		if errors.Is(err, otp.ErrExhausted) {
			typ = "exhausted"
		}

		secs := math.Ceil(we.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(int(secs)))
		sendErrorResponse(w, err.Error(), http.StatusTooManyRequests, errResp{
			Error:      typ,
			RetryAfter: secs,
		})
		return
	}

	for _, e := range errTypes {
		if errors.Is(err, e.err) {
			sendErrorResponse(w, err.Error(), e.status, errResp{Error: e.typ})
			return
		}
	}

	app.lo.Error("error processing request", "error", err)
	sendErrorResponse(w, "Internal error. Please try later.", http.StatusInternalServerError, errResp{Error: "internal"})
}

// wrap is a middleware that wraps HTTP handlers and injects the "app" context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxApp, app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}
