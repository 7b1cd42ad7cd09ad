package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gnur/bookdesk"
	"github.com/sirupsen/logrus"
)

type bookResponse struct {
	Books      []bookdesk.Listing `json:"books"`
	TotalCount int                `json:"total"`
}

func (app *bookdeskApp) getBooks(c *gin.Context) {
	u := currentUser(c)
	q := c.Query("q")

	books, err := app.db.GetListingsByOwner(c.Request.Context(), u.UID)
	if err != nil {
		app.logger.WithFields(logrus.Fields{
			"err": err,
			"uid": u.UID,
		}).Error("could not load listings")
		c.JSON(http.StatusInternalServerError, gin.H{
			"msg": "could not load books",
		})
		return
	}

	books = bookdesk.FilterListings(books, q)
	c.JSON(http.StatusOK, bookResponse{
		Books:      books,
		TotalCount: len(books),
	})
}

func (app *bookdeskApp) getAllBooks(c *gin.Context) {
	books, err := app.db.GetListings(c.Request.Context())
	if err != nil {
		app.logger.WithField("err", err).Error("could not load listings")
		c.JSON(http.StatusInternalServerError, gin.H{
			"msg": "could not load books",
		})
		return
	}
	books = bookdesk.FilterListings(books, c.Query("q"))
	c.JSON(http.StatusOK, bookResponse{
		Books:      books,
		TotalCount: len(books),
	})
}

func (app *bookdeskApp) addBook(c *gin.Context) {
	var in bookdesk.ListingInput
	if err := c.ShouldBind(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	u := currentUser(c)
	l, err := bookdesk.NewListing(u, in)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	if err := app.db.AddListing(c.Request.Context(), l); err != nil {
		app.logger.WithFields(logrus.Fields{
			"err": err,
			"uid": u.UID,
		}).Error("Error adding document")
		status := http.StatusInternalServerError
		if errors.Is(err, bookdesk.ErrDuplicate) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	listingsCreated.Inc()
	app.logger.WithFields(logrus.Fields{
		"id":   l.ID,
		"name": l.Name,
		"uid":  u.UID,
	}).Info("Document written")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"id":      l.ID,
	})
}
