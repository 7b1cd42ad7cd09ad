// Package notify registers browsers for push notifications and delivers
// notifications through Firebase Cloud Messaging.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gnur/bookdesk"
	"github.com/sirupsen/logrus"
)

// Permission is the outcome of asking the user to allow notifications.
type Permission string

// possible permission outcomes
const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// ParsePermission accepts the values browsers report for
// Notification.permission.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PermissionGranted, PermissionDenied, PermissionDefault:
		return p, nil
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// Prompter asks the user for notification permission.
type Prompter interface {
	RequestPermission(ctx context.Context) (Permission, error)
}

// TokenSource obtains a delivery token for publicKey.
type TokenSource interface {
	Token(ctx context.Context, publicKey string) (string, error)
}

type tokenStore interface {
	UpsertToken(context.Context, bookdesk.DeliveryToken) error
}

// Result describes what a registration achieved.
type Result struct {
	Permission Permission `json:"permission"`
	Token      string     `json:"token,omitempty"`
	Saved      bool       `json:"saved"`
}

// Registrar runs the registration flow: permission, token, store.
type Registrar struct {
	store     tokenStore
	publicKey string
	logger    *logrus.Entry
}

// NewRegistrar returns a registrar that requests tokens for publicKey.
func NewRegistrar(store tokenStore, publicKey string, logger *logrus.Entry) *Registrar {
	return &Registrar{
		store:     store,
		publicKey: publicKey,
		logger:    logger,
	}
}

// PublicKey is the VAPID key browsers must use when requesting a token.
func (r *Registrar) PublicKey() string {
	return r.publicKey
}

// Register runs the flow for u. Failures are logged and reflected in the
// result, never returned.
func (r *Registrar) Register(ctx context.Context, u *bookdesk.User, p Prompter, tokens TokenSource) Result {
	log := r.logger.WithField("email", u.Email)

	perm, err := p.RequestPermission(ctx)
	if err != nil {
		log.WithField("err", err).Warning("could not request notification permission")
		registrations.WithLabelValues("permission_error").Inc()
		return Result{Permission: PermissionDefault}
	}
	res := Result{Permission: perm}

	switch perm {
	case PermissionDenied:
		log.Info("Permission denied")
		registrations.WithLabelValues("denied").Inc()
		return res
	case PermissionGranted:
		log.Debug("Permission granted")
	default:
		log.Info("Permission not decided")
		registrations.WithLabelValues("default").Inc()
		return res
	}

	token, err := tokens.Token(ctx, r.publicKey)
	if err != nil {
		log.WithField("err", err).Error("Error generating token")
		registrations.WithLabelValues("token_error").Inc()
		return res
	}
	if token == "" {
		log.Error("messaging service returned an empty token")
		registrations.WithLabelValues("token_error").Inc()
		return res
	}
	res.Token = token

	err = r.store.UpsertToken(ctx, bookdesk.DeliveryToken{
		Email:   bookdesk.NormalizeEmail(u.Email),
		Token:   token,
		IsAdmin: u.IsAdmin,
		UID:     u.UID,
		Updated: time.Now(),
	})
	if err != nil {
		log.WithField("err", err).Error("could not save delivery token")
		registrations.WithLabelValues("store_error").Inc()
		return res
	}

	res.Saved = true
	registrations.WithLabelValues("saved").Inc()
	log.Info("delivery token saved")
	return res
}
