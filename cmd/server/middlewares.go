package main

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gnur/bookdesk"
	"github.com/gnur/bookdesk/identity"
	"github.com/sirupsen/logrus"
)

// Logger is the logrus logger handler
func Logger(log *logrus.Entry) gin.HandlerFunc {

	return func(c *gin.Context) {
		// other handler can change c.Path so:
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		stop := time.Since(start)
		latency := int(math.Ceil(float64(stop.Nanoseconds()) / 1000000.0))
		statusCode := c.Writer.Status()
		dataLength := c.Writer.Size()
		if dataLength < 0 {
			dataLength = 0
		}

		entry := log.WithFields(logrus.Fields{
			"statusCode": statusCode,
			"latency":    latency, // time to process
			"clientIP":   c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"referer":    c.Request.Referer(),
			"dataLength": dataLength,
			"userAgent":  c.Request.UserAgent(),
			"session":    sessionState(c).String(),
		})

		if len(c.Errors) > 0 {
			entry.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
		} else {
			msg := "GIN handled request"
			if statusCode > 499 {
				entry.Error(msg)
			} else if statusCode > 399 {
				entry.Warn(msg)
			} else {
				entry.Info(msg)
			}
		}
		requests.WithLabelValues(sessionState(c).String(), statusClass(statusCode)).Inc()
	}
}

// SessionMiddleware resolves the user behind the request, if any, and stores
// the session state and user on the context. It never aborts; the guards
// decide what a state may access.
func (app *bookdeskApp) SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		state, u := app.resolveSession(c)
		c.Set("state", state)
		if u != nil {
			c.Set("id", u)
		}
	}
}

func (app *bookdeskApp) resolveSession(c *gin.Context) (bookdesk.SessionState, *bookdesk.User) {
	rawCookie, _ := c.Cookie(sessionCookie)
	rawHeader := c.GetHeader("Authorization")
	if rawCookie == "" && !strings.HasPrefix(rawHeader, "Bearer ") {
		return bookdesk.StateAnonymous, nil
	}

	ctx := c.Request.Context()
	acc, err := app.checkCookieAndHeader(ctx, rawHeader, rawCookie)
	if errors.Is(err, bookdesk.ErrInvalidToken) {
		app.logger.WithField("err", err).Debug("could not validate provided credentials")
		return bookdesk.StateAnonymous, nil
	} else if err != nil {
		app.logger.WithField("err", err).Error("could not reach identity backend")
		return bookdesk.StateUnknown, nil
	}

	u, err := app.ensureUser(ctx, acc)
	if err != nil {
		app.logger.WithFields(logrus.Fields{
			"err": err,
			"uid": acc.UID,
		}).Error("could not load user")
		return bookdesk.StateUnknown, nil
	}
	return app.policy.State(u), u
}

func (app *bookdeskApp) checkCookieAndHeader(ctx context.Context, h, c string) (*identity.Account, error) {
	err := bookdesk.ErrInvalidToken
	if c != "" {
		acc, cerr := app.identity.VerifySessionCookie(ctx, c)
		if cerr == nil {
			return acc, nil
		}
		err = cerr
	}
	if strings.HasPrefix(h, "Bearer ") {
		acc, herr := app.identity.VerifyIDToken(ctx, strings.TrimPrefix(h, "Bearer "))
		if herr == nil {
			return acc, nil
		}
		if errors.Is(err, bookdesk.ErrInvalidToken) {
			err = herr
		}
	}
	return nil, err
}

func (app *bookdeskApp) mustBeSignedIn() gin.HandlerFunc {
	return app.guard(false)
}

func (app *bookdeskApp) mustBeAdmin() gin.HandlerFunc {
	return app.guard(true)
}

func (app *bookdeskApp) guard(adminRoute bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := sessionState(c)
		d := bookdesk.Guard(state, adminRoute)
		if d.Allow {
			return
		}

		if state == bookdesk.StateUnknown {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"msg": "could not verify session, please try again",
			})
			return
		}

		if wantsHTML(c) {
			target := d.Redirect
			if d.Alert != "" {
				target += "?" + url.Values{"alert": {d.Alert}}.Encode()
			}
			c.Redirect(http.StatusFound, target)
			c.Abort()
			return
		}

		status := http.StatusUnauthorized
		msg := "sign in required"
		if state == bookdesk.StateMember {
			status = http.StatusForbidden
			msg = d.Alert
		}
		c.AbortWithStatusJSON(status, gin.H{
			"msg":      msg,
			"redirect": d.Redirect,
		})
	}
}

func sessionState(c *gin.Context) bookdesk.SessionState {
	v, ok := c.Get("state")
	if !ok {
		return bookdesk.StateAnonymous
	}
	return v.(bookdesk.SessionState)
}

func currentUser(c *gin.Context) *bookdesk.User {
	return c.MustGet("id").(*bookdesk.User)
}

func wantsHTML(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/html")
}
