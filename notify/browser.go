package notify

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/messaging"
)

// ErrKeyMismatch means the browser minted its token with another VAPID key.
var ErrKeyMismatch = errors.New("token was requested with a different public key")

// Reported is the permission outcome a browser reported after prompting the
// user itself.
type Reported Permission

// RequestPermission returns the reported outcome.
func (r Reported) RequestPermission(ctx context.Context) (Permission, error) {
	return ParsePermission(string(r))
}

type dryRunner interface {
	SendDryRun(context.Context, *messaging.Message) (string, error)
}

// BrowserToken is a delivery token obtained by the browser from FCM. Token
// checks it was requested with the expected key and, when a validator is set,
// that FCM accepts it.
type BrowserToken struct {
	Value     string
	PublicKey string
	Validator dryRunner
}

// Token returns the reported token once it checks out.
func (b BrowserToken) Token(ctx context.Context, publicKey string) (string, error) {
	if b.Value == "" {
		return "", errors.New("no token reported")
	}
	if b.PublicKey != publicKey {
		return "", ErrKeyMismatch
	}
	if b.Validator == nil {
		return b.Value, nil
	}
	_, err := b.Validator.SendDryRun(ctx, &messaging.Message{
		Token: b.Value,
		Data:  map[string]string{"kind": "validate"},
	})
	if err != nil {
		return "", fmt.Errorf("messaging service rejected token: %w", err)
	}
	return b.Value, nil
}
