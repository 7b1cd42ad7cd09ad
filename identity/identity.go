// Package identity wraps Firebase Authentication: account creation, password
// and federated sign-in, session cookies and revocation.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/auth"
	"github.com/gnur/bookdesk"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/identitytoolkit/v3"
	"google.golang.org/api/option"
)

// Account is an identity as seen by Firebase Authentication.
type Account struct {
	UID         string
	Email       string
	DisplayName string
	PhotoURL    string
	IDToken     string
}

// Client talks to Firebase Authentication.
type Client struct {
	auth     *auth.Client
	password *identitytoolkit.RelyingpartyService
}

// New builds a client from a firebase app. apiKey is the web API key used for
// the password sign-in endpoint.
func New(ctx context.Context, app *firebase.App, apiKey string) (*Client, error) {
	a, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase auth client: %w", err)
	}

	svc, err := identitytoolkit.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("error initializing identity toolkit: %w", err)
	}

	return &Client{
		auth:     a,
		password: svc.Relyingparty,
	}, nil
}

// CreateAccount registers a new email/password account and signs it in.
func (c *Client) CreateAccount(ctx context.Context, email, password string) (*Account, error) {
	params := (&auth.UserToCreate{}).
		Email(email).
		Password(password)

	_, err := c.auth.CreateUser(ctx, params)
	if auth.IsEmailAlreadyExists(err) {
		return nil, bookdesk.ErrEmailInUse
	} else if err != nil {
		if strings.Contains(err.Error(), "password") {
			return nil, fmt.Errorf("%w: %v", bookdesk.ErrWeakPassword, err)
		}
		return nil, err
	}

	return c.SignIn(ctx, email, password)
}

// SignIn checks an email/password pair and returns the account with a fresh
// ID token.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Account, error) {
	resp, err := c.password.VerifyPassword(&identitytoolkit.IdentitytoolkitRelyingpartyVerifyPasswordRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	}).Context(ctx).Do()
	if err != nil {
		return nil, mapToolkitError(err)
	}

	return &Account{
		UID:         resp.LocalId,
		Email:       resp.Email,
		DisplayName: resp.DisplayName,
		PhotoURL:    resp.PhotoUrl,
		IDToken:     resp.IdToken,
	}, nil
}

// VerifyIDToken checks an ID token minted by a client side sign-in.
func (c *Client) VerifyIDToken(ctx context.Context, idToken string) (*Account, error) {
	token, err := c.auth.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, verifyError(err)
	}
	acc := accountFromToken(token)
	acc.IDToken = idToken
	return acc, nil
}

// SessionCookie exchanges an ID token for a session cookie valid for ttl.
func (c *Client) SessionCookie(ctx context.Context, idToken string, ttl time.Duration) (string, error) {
	return c.auth.SessionCookie(ctx, idToken, ttl)
}

// VerifySessionCookie checks a session cookie, including revocation.
func (c *Client) VerifySessionCookie(ctx context.Context, cookie string) (*Account, error) {
	token, err := c.auth.VerifySessionCookieAndCheckRevoked(ctx, cookie)
	if err != nil {
		return nil, verifyError(err)
	}
	return accountFromToken(token), nil
}

// SignOut revokes all refresh tokens and session cookies of uid.
func (c *Client) SignOut(ctx context.Context, uid string) error {
	return c.auth.RevokeRefreshTokens(ctx, uid)
}

// verifyError keeps failures to reach Google (key fetch, revocation lookup)
// as they are and turns every other verification failure into
// bookdesk.ErrInvalidToken.
func verifyError(err error) error {
	if unavailable(err) {
		return fmt.Errorf("identity backend unavailable: %w", err)
	}
	return fmt.Errorf("%w: %v", bookdesk.ErrInvalidToken, err)
}

func unavailable(err error) bool {
	var uerr *url.Error
	var nerr net.Error
	switch {
	case errors.As(err, &uerr), errors.As(err, &nerr):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return auth.IsUnknown(err)
}

func accountFromToken(token *auth.Token) *Account {
	acc := &Account{
		UID: token.UID,
	}
	if v, ok := token.Claims["email"].(string); ok {
		acc.Email = v
	}
	if v, ok := token.Claims["name"].(string); ok {
		acc.DisplayName = v
	}
	if v, ok := token.Claims["picture"].(string); ok {
		acc.PhotoURL = v
	}
	return acc
}

func mapToolkitError(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	// the message carries the error code, sometimes followed by " : details"
	code := strings.TrimSpace(strings.SplitN(gerr.Message, ":", 2)[0])
	switch code {
	case "EMAIL_NOT_FOUND":
		return bookdesk.ErrUserNotFound
	case "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS":
		return bookdesk.ErrWrongPassword
	case "EMAIL_EXISTS":
		return bookdesk.ErrEmailInUse
	case "WEAK_PASSWORD":
		return bookdesk.ErrWeakPassword
	}
	return err
}
