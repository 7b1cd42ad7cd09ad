package storm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/asdine/storm"
	"github.com/asdine/storm/codec/gob"
	"github.com/gnur/bookdesk"
	log "github.com/sirupsen/logrus"
)

type stormDB struct {
	db *storm.DB
}

// New opens (or creates) a bolt file at path. A directory path gets a
// bookdesk.db file inside it. Records are gob encoded so fields hidden from
// the JSON API, like search keys, are stored too.
func New(path string) (*stormDB, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, "bookdesk.db")
	}

	db, err := storm.Open(path, storm.Codec(gob.Codec))
	if err != nil {
		log.WithFields(log.Fields{
			"err":  err,
			"path": path,
		}).Error("could not open filedb")
		return nil, err
	}

	return &stormDB{
		db: db,
	}, nil
}

func (db *stormDB) Close() {
	db.db.Close()
}

func notFound(err error) error {
	if err == storm.ErrNotFound {
		return bookdesk.ErrNotFound
	}
	return err
}

func (db *stormDB) SaveUser(ctx context.Context, u *bookdesk.User) error {
	return db.db.Save(u)
}

func (db *stormDB) GetUser(ctx context.Context, uid string) (*bookdesk.User, error) {
	var u bookdesk.User
	err := db.db.One("UID", uid, &u)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (db *stormDB) GetUserByEmail(ctx context.Context, email string) (*bookdesk.User, error) {
	var u bookdesk.User
	err := db.db.One("Email", bookdesk.NormalizeEmail(email), &u)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (db *stormDB) GetUsers(ctx context.Context) ([]bookdesk.User, error) {
	var users []bookdesk.User
	err := db.db.All(&users)
	return users, err
}

func (db *stormDB) DeleteUser(ctx context.Context, uid string) error {
	return notFound(db.db.DeleteStruct(&bookdesk.User{UID: uid}))
}

func (db *stormDB) SetAdmin(ctx context.Context, uid string, isAdmin bool) error {
	return notFound(db.db.UpdateField(&bookdesk.User{UID: uid}, "IsAdmin", isAdmin))
}

func (db *stormDB) TouchUser(ctx context.Context, uid string, seen time.Time) error {
	return notFound(db.db.UpdateField(&bookdesk.User{UID: uid}, "LastSeen", seen))
}

func (db *stormDB) AddListing(ctx context.Context, l *bookdesk.Listing) error {
	var existing bookdesk.Listing
	err := db.db.One("ID", l.ID, &existing)
	if err == nil {
		return bookdesk.ErrDuplicate
	} else if err != storm.ErrNotFound {
		return fmt.Errorf("Unable to check for listing %s: %w", l.ID, err)
	}
	return db.db.Save(l)
}

func (db *stormDB) GetListings(ctx context.Context) ([]bookdesk.Listing, error) {
	var listings []bookdesk.Listing
	err := db.db.All(&listings)
	if err != nil {
		return nil, err
	}
	sortListings(listings)
	return listings, nil
}

func (db *stormDB) GetListingsByOwner(ctx context.Context, uid string) ([]bookdesk.Listing, error) {
	listings := []bookdesk.Listing{}
	err := db.db.Find("OwnerUID", uid, &listings)
	if err == storm.ErrNotFound {
		return []bookdesk.Listing{}, nil
	} else if err != nil {
		return nil, err
	}
	sortListings(listings)
	return listings, nil
}

func sortListings(listings []bookdesk.Listing) {
	sort.SliceStable(listings, func(i, j int) bool {
		return listings[i].Created.After(listings[j].Created)
	})
}

// UpsertToken keeps fields of an existing record that t leaves empty.
func (db *stormDB) UpsertToken(ctx context.Context, t bookdesk.DeliveryToken) error {
	var existing bookdesk.DeliveryToken
	err := db.db.One("Email", t.Email, &existing)
	if err == nil {
		if t.Token == "" {
			t.Token = existing.Token
		}
		if t.UID == "" {
			t.UID = existing.UID
		}
	} else if err != storm.ErrNotFound {
		return err
	}
	return db.db.Save(&t)
}

func (db *stormDB) GetToken(ctx context.Context, email string) (*bookdesk.DeliveryToken, error) {
	var t bookdesk.DeliveryToken
	err := db.db.One("Email", email, &t)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (db *stormDB) GetTokens(ctx context.Context) ([]bookdesk.DeliveryToken, error) {
	var tokens []bookdesk.DeliveryToken
	err := db.db.All(&tokens)
	return tokens, err
}

func (db *stormDB) DeleteToken(ctx context.Context, email string) error {
	return notFound(db.db.DeleteStruct(&bookdesk.DeliveryToken{Email: email}))
}
