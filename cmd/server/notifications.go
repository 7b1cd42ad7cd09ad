package main

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gnur/bookdesk/events"
	"github.com/gnur/bookdesk/notify"
	"github.com/sirupsen/logrus"
)

func (app *bookdeskApp) notificationConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"vapidKey": app.registrar.PublicKey(),
		"worker":   "/firebase-messaging-sw.js",
	})
}

func (app *bookdeskApp) registerNotifications(c *gin.Context) {
	var req registration
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"msg": err.Error(),
		})
		return
	}

	u := currentUser(c)
	tokens := notify.BrowserToken{
		Value:     req.Token,
		PublicKey: req.VapidKey,
	}
	if app.validator != nil {
		tokens.Validator = app.validator
	}

	res := app.registrar.Register(c.Request.Context(), u, notify.Reported(req.Permission), tokens)
	c.JSON(http.StatusOK, res)
}

// streamEvents relays auth changes and foreground messages for the current
// user as server-sent events until the client goes away.
func (app *bookdeskApp) streamEvents(c *gin.Context) {
	u := currentUser(c)
	sub := app.broker.SubscribeContext(c.Request.Context(), u.Email)
	defer sub.Close()

	app.logger.WithField("email", u.Email).Debug("event stream opened")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		e, ok := <-sub.C
		if !ok {
			return false
		}
		c.SSEvent(string(e.Kind), e)
		return e.Kind != events.KindAuth || e.Data.(events.AuthChange).User != nil
	})
	app.logger.WithFields(logrus.Fields{
		"email": u.Email,
	}).Debug("event stream closed")
}

func (app *bookdeskApp) serviceWorker(c *gin.Context) {
	c.Header("Service-Worker-Allowed", "/")
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", app.worker)
}

func (app *bookdeskApp) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": app.cfg.Version,
	})
}
