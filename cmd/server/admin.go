package main

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gnur/bookdesk"
	"github.com/gnur/bookdesk/notify"
	"github.com/sirupsen/logrus"
)

// loadUserLists loads all users split by the stored admin flag. A failed load is
// logged and yields empty lists.
func (app *bookdeskApp) loadUserLists(ctx context.Context) userLists {
	users, err := app.db.GetUsers(ctx)
	if err != nil {
		app.logger.WithField("err", err).Error("Error fetching users")
	}
	admins, members := bookdesk.PartitionUsers(users)
	return userLists{
		Admins:  admins,
		Members: members,
	}
}

func (app *bookdeskApp) getUsers(c *gin.Context) {
	c.JSON(http.StatusOK, app.loadUserLists(c.Request.Context()))
}

func (app *bookdeskApp) addUser(c *gin.Context) {
	var req newUser
	if err := c.ShouldBind(&req); err != nil {
		app.logger.WithField("err", err).Warning("could not get values from post")
		c.JSON(http.StatusBadRequest, gin.H{
			"msg": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	if err := app.provisionUser(ctx, req.Email, req.IsAdmin); err != nil {
		app.logger.WithFields(logrus.Fields{
			"err":   err,
			"email": req.Email,
		}).Error("Error adding user")
	}
	c.JSON(http.StatusOK, app.loadUserLists(ctx))
}

func (app *bookdeskApp) deleteUser(c *gin.Context) {
	uid := c.Param("uid")
	ctx := c.Request.Context()
	if err := app.db.DeleteUser(ctx, uid); err != nil {
		app.logger.WithFields(logrus.Fields{
			"err": err,
			"uid": uid,
		}).Error("Error deleting user")
	}
	c.JSON(http.StatusOK, app.loadUserLists(ctx))
}

func (app *bookdeskApp) setAdmin(c *gin.Context) {
	uid := c.Param("uid")
	var req adminUpdate
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"msg": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	if err := app.db.SetAdmin(ctx, uid, req.IsAdmin); err != nil {
		app.logger.WithFields(logrus.Fields{
			"err":     err,
			"uid":     uid,
			"isAdmin": req.IsAdmin,
		}).Error("Error updating admin status")
	}
	c.JSON(http.StatusOK, app.loadUserLists(ctx))
}

func (app *bookdeskApp) sendNotification(c *gin.Context) {
	var n notify.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"msg": err.Error(),
		})
		return
	}

	rep, err := app.dispatcher.Dispatch(c.Request.Context(), n)
	if err == notify.ErrNoToken {
		c.JSON(http.StatusNotFound, gin.H{
			"msg": err.Error(),
		})
		return
	} else if err != nil {
		app.logger.WithFields(logrus.Fields{
			"err":   err,
			"email": n.Email,
		}).Error("could not send notification")
		c.JSON(http.StatusBadGateway, gin.H{
			"msg":    "could not send notification",
			"report": rep,
		})
		return
	}
	c.JSON(http.StatusOK, rep)
}
