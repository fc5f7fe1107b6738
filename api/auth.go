package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// ErrInvalidTokenResponse means a login answered 2xx without both tokens.
var ErrInvalidTokenResponse = errors.New("invalid token response")

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// RegisterRequest is the sign-up payload. Phone is optional.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type confirmRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Login exchanges credentials for a token pair and stores it together with
// the login, which later refreshes may need.
func (c *Client) Login(ctx context.Context, login, password string) (*oauth2.Token, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, errors.New("login and password are required")
	}

	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "auth/login", loginRequest{Login: login, Password: password}, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.AccessToken) == "" || strings.TrimSpace(resp.RefreshToken) == "" {
		return nil, ErrInvalidTokenResponse
	}

	if err := c.store.SaveTokens(resp.AccessToken, resp.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to save tokens: %w", err)
	}
	if err := c.store.SaveLogin(login); err != nil {
		return nil, fmt.Errorf("failed to save login: %w", err)
	}

	c.logger.Info("logged in", "login", login)
	return &oauth2.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
	}, nil
}

// Register creates an account. The backend sends a confirmation code by
// email; the returned body is passed through as-is.
func (c *Client) Register(ctx context.Context, r RegisterRequest) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, "auth/register", r, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConfirmEmail submits the code received after registration.
func (c *Client) ConfirmEmail(ctx context.Context, email, code string) error {
	return c.do(ctx, http.MethodPost, "auth/register/confirm", confirmRequest{Email: email, Code: code}, nil)
}

// ResendVerification asks for a new confirmation code.
func (c *Client) ResendVerification(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "auth/email/resend", emailRequest{Email: email}, nil)
}

// ForgotPassword asks for a password reset code.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, "auth/password/forgot", emailRequest{Email: email}, nil)
}

// ResetPassword sets a new password with a reset code. Every session of the
// account is revoked by the backend, so the local one is cleared as well.
func (c *Client) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	req := resetPasswordRequest{Email: email, Code: code, NewPassword: newPassword}
	if err := c.do(ctx, http.MethodPost, "auth/password/reset", req, nil); err != nil {
		return err
	}
	if err := c.store.ClearAll(); err != nil {
		return fmt.Errorf("password reset, but failed to clear local session: %w", err)
	}
	return nil
}

// ChangePassword changes the password of the logged-in account.
func (c *Client) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	req := changePasswordRequest{OldPassword: oldPassword, NewPassword: newPassword}
	return c.do(ctx, http.MethodPost, "auth/password/change", req, nil)
}

// Logout revokes the refresh token on the backend. The local session is
// cleared whatever the backend answers; the backend error, if any, is still
// returned.
func (c *Client) Logout(ctx context.Context) error {
	refreshToken := c.store.RefreshToken()
	if refreshToken == "" {
		return c.store.ClearAll()
	}

	callErr := c.do(ctx, http.MethodPost, "auth/logout", logoutRequest{RefreshToken: refreshToken}, nil)
	if err := c.store.ClearAll(); err != nil {
		return errors.Join(callErr, fmt.Errorf("failed to clear local session: %w", err))
	}
	if callErr != nil {
		c.logger.Warn("logout: backend call failed, local session cleared anyway", "error", callErr)
	}
	return callErr
}
