package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gnur/bookdesk"
	"github.com/gnur/bookdesk/identity"
	"github.com/gofrs/uuid"
	"github.com/sirupsen/logrus"
)

// alerts shown to the user for failed account operations
const (
	alertEmailInUse    = "This email is already registered. You will be logged in instead."
	alertLoginFailed   = "Login failed. Please check your credentials and try again."
	alertSignupFailed  = "Registration failed. Please try again."
	alertGoogleFailed  = "Google sign-in failed. Please try again."
	alertSessionFailed = "Could not start your session. Please try again."
)

func loginAlert(err error) string {
	if bookdesk.IsCredentialError(err) {
		return alertLoginFailed
	}
	if errors.Is(err, bookdesk.ErrEmailInUse) {
		return alertEmailInUse
	}
	return alertSignupFailed
}

func (app *bookdeskApp) signup(c *gin.Context) {
	var req credentials
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"alert": alertSignupFailed,
		})
		return
	}
	// the password is used as typed, only sign-in trims it
	email := strings.TrimSpace(req.Email)
	password := req.Password
	if email == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"alert": bookdesk.ErrEmptyCredentials.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	var alert string
	acc, err := app.identity.CreateAccount(ctx, email, password)
	if errors.Is(err, bookdesk.ErrEmailInUse) {
		app.logger.WithField("email", email).Info("email already registered, signing in instead")
		authAttempts.WithLabelValues("signup", "existing").Inc()
		alert = alertEmailInUse
		acc, err = app.identity.SignIn(ctx, email, password)
	}
	if err != nil {
		app.logger.WithFields(logrus.Fields{
			"err":   err,
			"email": email,
		}).Warning("sign-up failed")
		authAttempts.WithLabelValues("signup", "failed").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"alert": loginAlert(err),
		})
		return
	}
	authAttempts.WithLabelValues("signup", "ok").Inc()
	app.startSession(c, acc, alert)
}

func (app *bookdeskApp) login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"alert": alertLoginFailed,
		})
		return
	}
	email := strings.TrimSpace(req.Email)
	password := strings.TrimSpace(req.Password)
	if email == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"alert": bookdesk.ErrEmptyCredentials.Error(),
		})
		return
	}

	acc, err := app.identity.SignIn(c.Request.Context(), email, password)
	if err != nil {
		app.logger.WithFields(logrus.Fields{
			"err":   err,
			"email": email,
		}).Warning("sign-in failed")
		authAttempts.WithLabelValues("password", "failed").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"alert": alertLoginFailed,
		})
		return
	}
	authAttempts.WithLabelValues("password", "ok").Inc()
	app.startSession(c, acc, "")
}

func (app *bookdeskApp) loginGoogle(c *gin.Context) {
	var req googleLogin
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"alert": alertGoogleFailed,
		})
		return
	}

	acc, err := app.identity.VerifyIDToken(c.Request.Context(), req.IDToken)
	if err != nil {
		app.logger.WithField("err", err).Warning("google sign-in failed")
		authAttempts.WithLabelValues("google", "failed").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"alert": alertGoogleFailed,
		})
		return
	}
	authAttempts.WithLabelValues("google", "ok").Inc()
	app.startSession(c, acc, "")
}

// startSession makes sure acc has a user record, sets the session cookie and
// announces the sign-in.
func (app *bookdeskApp) startSession(c *gin.Context, acc *identity.Account, alert string) {
	ctx := c.Request.Context()
	u, err := app.ensureUser(ctx, acc)
	if err != nil {
		app.logger.WithFields(logrus.Fields{
			"err": err,
			"uid": acc.UID,
		}).Error("could not save user")
		c.JSON(http.StatusInternalServerError, gin.H{
			"alert": alertSessionFailed,
		})
		return
	}

	cookie, err := app.identity.SessionCookie(ctx, acc.IDToken, app.sessionTTL)
	if err != nil {
		app.logger.WithField("err", err).Error("could not create session cookie")
		c.JSON(http.StatusInternalServerError, gin.H{
			"alert": alertSessionFailed,
		})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, cookie, int(app.sessionTTL.Seconds()), "/", "", app.secure, true)

	app.broker.PublishAuth(u.Email, u)

	resp := gin.H{
		"user":    u,
		"isAdmin": app.policy.IsAdmin(u),
	}
	if alert != "" {
		resp["alert"] = alert
	}
	c.JSON(http.StatusOK, resp)
}

func (app *bookdeskApp) logout(c *gin.Context) {
	if v, ok := c.Get("id"); ok {
		u := v.(*bookdesk.User)
		if err := app.identity.SignOut(c.Request.Context(), u.UID); err != nil {
			app.logger.WithFields(logrus.Fields{
				"err": err,
				"uid": u.UID,
			}).Error("Error signing out")
		}
		app.broker.PublishAuth(u.Email, nil)
	}
	c.SetCookie(sessionCookie, "", -1, "/", "", app.secure, true)
	c.JSON(http.StatusOK, gin.H{
		"redirect": "/login",
	})
}

func (app *bookdeskApp) me(c *gin.Context) {
	u := currentUser(c)
	c.JSON(http.StatusOK, gin.H{
		"user":    u,
		"isAdmin": app.policy.IsAdmin(u),
	})
}

// ensureUser returns the stored record for acc, creating it on first sign-in.
// A record pre-provisioned by an admin for the same email is moved to the
// Firebase uid and keeps its admin flag.
func (app *bookdeskApp) ensureUser(ctx context.Context, acc *identity.Account) (*bookdesk.User, error) {
	now := time.Now()
	u, err := app.db.GetUser(ctx, acc.UID)
	if err == nil {
		if err := app.db.TouchUser(ctx, u.UID, now); err != nil {
			app.logger.WithField("err", err).Warning("could not update last seen")
		}
		u.LastSeen = now
		return u, nil
	} else if err != bookdesk.ErrNotFound {
		return nil, err
	}

	email := bookdesk.NormalizeEmail(acc.Email)
	u = &bookdesk.User{
		UID:         acc.UID,
		Email:       email,
		IsAdmin:     app.policy.IsAdminEmail(email),
		DisplayName: acc.DisplayName,
		PhotoURL:    acc.PhotoURL,
		Created:     now,
		LastSeen:    now,
	}

	var previous string
	pre, err := app.db.GetUserByEmail(ctx, email)
	if err == nil {
		u.IsAdmin = pre.IsAdmin
		u.Created = pre.Created
		previous = pre.UID
	} else if err != bookdesk.ErrNotFound {
		return nil, err
	}

	if err := app.db.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	if previous != "" && previous != u.UID {
		if err := app.db.DeleteUser(ctx, previous); err != nil {
			app.logger.WithFields(logrus.Fields{
				"err": err,
				"uid": previous,
			}).Warning("could not remove pre-provisioned user")
		}
	}
	app.logger.WithFields(logrus.Fields{
		"uid":     u.UID,
		"email":   u.Email,
		"isAdmin": u.IsAdmin,
	}).Info("created user record")
	return u, nil
}

// provisionUser stores a record for email that is claimed on first sign-in.
func (app *bookdeskApp) provisionUser(ctx context.Context, email string, isAdmin bool) error {
	email = bookdesk.NormalizeEmail(email)
	if _, err := app.db.GetUserByEmail(ctx, email); err == nil {
		return bookdesk.ErrDuplicate
	} else if err != bookdesk.ErrNotFound {
		return err
	}
	return app.db.SaveUser(ctx, &bookdesk.User{
		UID:     uuid.Must(uuid.NewV4()).String(),
		Email:   email,
		IsAdmin: isAdmin,
		Created: time.Now(),
	})
}
