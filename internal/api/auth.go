package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/example/rider-agent/internal/models"
)

type LoginResponse struct {
	User models.User `json:"user"`
	models.Tokens
}

func (r LoginResponse) Validate() error {
	if err := r.User.Validate(); err != nil {
		return err
	}
	return r.Tokens.Validate()
}

type verifyResponse struct {
	VerificationToken string `json:"verificationToken"`
}

// RequestOTP asks the server to text a one-time code to phone.
func (c *Client) RequestOTP(ctx context.Context, phone string) error {
	return c.t.Do(ctx, Request{Name: "auth.otp", Method: http.MethodPost, Path: "/auth/otp/request", Body: map[string]string{"phone": phone}}, nil)
}

// VerifyOTP exchanges the code for a verification token and persists it.
func (c *Client) VerifyOTP(ctx context.Context, phone, code string) (string, error) {
	var out verifyResponse
	err := c.t.Do(ctx, Request{Name: "auth.otp.verify", Method: http.MethodPost, Path: "/auth/otp/verify", Body: map[string]string{"phone": phone, "code": code}}, &out)
	if err != nil {
		return "", err
	}
	if out.VerificationToken == "" {
		return "", fmt.Errorf("%w: verify response without token", ErrMalformedResponse)
	}
	if err := c.t.tokens.SaveVerificationToken(ctx, out.VerificationToken); err != nil {
		return "", fmt.Errorf("persist verification token: %w", err)
	}
	return out.VerificationToken, nil
}

// Login authenticates and persists the returned token pair.
func (c *Client) Login(ctx context.Context, phone, password string) (*LoginResponse, error) {
	var out LoginResponse
	err := c.t.Do(ctx, Request{Name: "auth.login", Method: http.MethodPost, Path: "/auth/login", Body: map[string]string{"phone": phone, "password": password}}, &out)
	if err != nil {
		return nil, err
	}
	if err := c.t.tokens.SaveAuthToken(ctx, out.Tokens); err != nil {
		return nil, fmt.Errorf("persist tokens: %w", err)
	}
	return &out, nil
}

// Logout revokes the refresh token server-side. Local tokens are cleared
// even when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	refresh, _ := c.t.tokens.GetRefreshToken(ctx)
	err := c.t.Do(ctx, Request{Name: "auth.logout", Method: http.MethodPost, Path: "/auth/logout", Body: map[string]string{"refreshToken": refresh}, Auth: true}, nil)
	if clearErr := c.t.tokens.ClearTokens(ctx); clearErr != nil && err == nil {
		err = clearErr
	}
	return err
}

func (c *Client) ForgotPassword(ctx context.Context, phone string) error {
	return c.t.Do(ctx, Request{Name: "auth.password.forgot", Method: http.MethodPost, Path: "/auth/password/forgot", Body: map[string]string{"phone": phone}}, nil)
}

// ResetPassword uses the stored verification token from VerifyOTP.
func (c *Client) ResetPassword(ctx context.Context, newPassword string) error {
	vt, err := c.t.tokens.GetVerificationToken(ctx)
	if err != nil {
		return err
	}
	if vt == "" {
		return fmt.Errorf("reset password: %w", ErrNotAuthenticated)
	}
	return c.t.Do(ctx, Request{Name: "auth.password.reset", Method: http.MethodPost, Path: "/auth/password/reset", Body: map[string]string{"verificationToken": vt, "password": newPassword}}, nil)
}
