// Package store selects a database backend from a DSN.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gnur/bookdesk"
	"github.com/gnur/bookdesk/firestore"
	"github.com/gnur/bookdesk/storm"
	log "github.com/sirupsen/logrus"
)

// Store is everything the services need from a database.
type Store interface {
	SaveUser(context.Context, *bookdesk.User) error
	GetUser(context.Context, string) (*bookdesk.User, error)
	GetUserByEmail(context.Context, string) (*bookdesk.User, error)
	GetUsers(context.Context) ([]bookdesk.User, error)
	DeleteUser(context.Context, string) error
	SetAdmin(context.Context, string, bool) error
	TouchUser(context.Context, string, time.Time) error

	AddListing(context.Context, *bookdesk.Listing) error
	GetListings(context.Context) ([]bookdesk.Listing, error)
	GetListingsByOwner(context.Context, string) ([]bookdesk.Listing, error)

	UpsertToken(context.Context, bookdesk.DeliveryToken) error
	GetToken(context.Context, string) (*bookdesk.DeliveryToken, error)
	GetTokens(context.Context) ([]bookdesk.DeliveryToken, error)
	DeleteToken(context.Context, string) error

	Close()
}

// Open returns the backend named by dsn: firestore://<project> or
// file://<path>. env namespaces firestore collections.
func Open(ctx context.Context, dsn, env string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "firestore://"):
		project := strings.TrimPrefix(dsn, "firestore://")
		log.WithField("project", project).Debug("using firestore")
		return firestore.New(ctx, project, env)
	case strings.HasPrefix(dsn, "file://"):
		path := strings.TrimPrefix(dsn, "file://")
		log.WithField("filedbpath", path).Debug("using this file")
		return storm.New(path)
	}
	return nil, fmt.Errorf("unsupported database %q, use firestore:// or file://", dsn)
}
