package main

import (
	"context"
	"time"

	"firebase.google.com/go/messaging"
	"github.com/gnur/bookdesk"
	"github.com/gnur/bookdesk/events"
	"github.com/gnur/bookdesk/identity"
	"github.com/gnur/bookdesk/notify"
	"github.com/gnur/bookdesk/store"
	"github.com/sirupsen/logrus"
)

const sessionCookie = "session"

type bookdeskApp struct {
	db         store.Store
	identity   identityProvider
	policy     bookdesk.Policy
	broker     *events.Broker
	registrar  *notify.Registrar
	dispatcher notify.Dispatcher
	validator  tokenValidator
	worker     []byte
	logger     *logrus.Entry
	sessionTTL time.Duration
	secure     bool
	cfg        configuration
}

type identityProvider interface {
	CreateAccount(ctx context.Context, email, password string) (*identity.Account, error)
	SignIn(ctx context.Context, email, password string) (*identity.Account, error)
	VerifyIDToken(ctx context.Context, idToken string) (*identity.Account, error)
	SessionCookie(ctx context.Context, idToken string, ttl time.Duration) (string, error)
	VerifySessionCookie(ctx context.Context, cookie string) (*identity.Account, error)
	SignOut(ctx context.Context, uid string) error
}

// tokenValidator is satisfied by the FCM messaging client.
type tokenValidator interface {
	SendDryRun(context.Context, *messaging.Message) (string, error)
}

type credentials struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

type googleLogin struct {
	IDToken string `json:"idToken" form:"idToken" binding:"required"`
}

type userLists struct {
	Admins  []bookdesk.User `json:"admins"`
	Members []bookdesk.User `json:"members"`
}

type newUser struct {
	Email   string `json:"email" form:"email" binding:"required"`
	IsAdmin bool   `json:"isAdmin" form:"isAdmin"`
}

type adminUpdate struct {
	IsAdmin bool `json:"isAdmin" form:"isAdmin"`
}

type registration struct {
	Permission string `json:"permission" form:"permission" binding:"required"`
	Token      string `json:"token" form:"token"`
	VapidKey   string `json:"vapidKey" form:"vapidKey"`
}
