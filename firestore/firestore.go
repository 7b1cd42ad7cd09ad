package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/gnur/bookdesk"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FireDB holds the firestore client
type FireDB struct {
	client *firestore.Client
	c      *firestore.DocumentRef
}

// New returns a new firestore client. All collections live below envs/<env>.
func New(ctx context.Context, projectID, env string) (*FireDB, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	db := FireDB{
		client: client,
		c:      client.Collection("envs").Doc(env),
	}

	return &db, nil
}

func (db *FireDB) Close() {
	db.client.Close()
}

func notFound(err error) error {
	if status.Code(err) == codes.NotFound {
		return bookdesk.ErrNotFound
	}
	return err
}

func (db *FireDB) users() *firestore.CollectionRef {
	return db.c.Collection("users")
}

func (db *FireDB) books() *firestore.CollectionRef {
	return db.c.Collection("books")
}

func (db *FireDB) tokens() *firestore.CollectionRef {
	return db.c.Collection("tokens")
}

func (db *FireDB) SaveUser(ctx context.Context, u *bookdesk.User) error {
	_, err := db.users().Doc(u.UID).Set(ctx, u)
	return err
}

func (db *FireDB) GetUser(ctx context.Context, uid string) (*bookdesk.User, error) {
	snap, err := db.users().Doc(uid).Get(ctx)
	if err != nil {
		return nil, notFound(err)
	}

	var u bookdesk.User
	if err := snap.DataTo(&u); err != nil {
		return nil, err
	}
	u.UID = snap.Ref.ID
	return &u, nil
}

func (db *FireDB) GetUserByEmail(ctx context.Context, email string) (*bookdesk.User, error) {
	iter := db.users().Where("email", "==", bookdesk.NormalizeEmail(email)).Limit(1).Documents(ctx)
	users, err := iterToUsers(iter)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, bookdesk.ErrNotFound
	}
	return &users[0], nil
}

func (db *FireDB) GetUsers(ctx context.Context) ([]bookdesk.User, error) {
	return iterToUsers(db.users().Documents(ctx))
}

func (db *FireDB) DeleteUser(ctx context.Context, uid string) error {
	ref := db.users().Doc(uid)
	if _, err := ref.Get(ctx); err != nil {
		return notFound(err)
	}
	_, err := ref.Delete(ctx)
	return err
}

func (db *FireDB) SetAdmin(ctx context.Context, uid string, isAdmin bool) error {
	_, err := db.users().Doc(uid).Update(ctx, []firestore.Update{
		{Path: "isAdmin", Value: isAdmin},
	})
	return notFound(err)
}

func (db *FireDB) TouchUser(ctx context.Context, uid string, seen time.Time) error {
	_, err := db.users().Doc(uid).Update(ctx, []firestore.Update{
		{Path: "lastSeen", Value: seen},
	})
	return notFound(err)
}

func (db *FireDB) AddListing(ctx context.Context, l *bookdesk.Listing) error {
	_, err := db.books().Doc(l.ID).Create(ctx, l)
	if status.Code(err) == codes.AlreadyExists {
		return bookdesk.ErrDuplicate
	}
	return err
}

func (db *FireDB) GetListings(ctx context.Context) ([]bookdesk.Listing, error) {
	iter := db.books().OrderBy("created", firestore.Desc).Documents(ctx)
	return iterToListings(iter)
}

func (db *FireDB) GetListingsByOwner(ctx context.Context, uid string) ([]bookdesk.Listing, error) {
	iter := db.books().Where("userId", "==", uid).Documents(ctx)
	listings, err := iterToListings(iter)
	if err != nil {
		return nil, err
	}
	// ordered here, there is no composite index on userId+created
	sort.SliceStable(listings, func(i, j int) bool {
		return listings[i].Created.After(listings[j].Created)
	})
	return listings, nil
}

func (db *FireDB) UpsertToken(ctx context.Context, t bookdesk.DeliveryToken) error {
	_, err := db.tokens().Doc(t.Email).Set(ctx, t.Fields(), firestore.MergeAll)
	return err
}

func (db *FireDB) GetToken(ctx context.Context, email string) (*bookdesk.DeliveryToken, error) {
	snap, err := db.tokens().Doc(email).Get(ctx)
	if err != nil {
		return nil, notFound(err)
	}
	var t bookdesk.DeliveryToken
	err = snap.DataTo(&t)
	return &t, err
}

func (db *FireDB) GetTokens(ctx context.Context) ([]bookdesk.DeliveryToken, error) {
	var tokens []bookdesk.DeliveryToken
	iter := db.tokens().Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Failed to iterate: %w", err)
		}
		var t bookdesk.DeliveryToken
		if err := doc.DataTo(&t); err == nil {
			tokens = append(tokens, t)
		}
	}
	return tokens, nil
}

func (db *FireDB) DeleteToken(ctx context.Context, email string) error {
	_, err := db.tokens().Doc(email).Delete(ctx)
	return err
}

func iterToUsers(iter *firestore.DocumentIterator) ([]bookdesk.User, error) {
	defer iter.Stop()
	var users []bookdesk.User
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Failed to iterate: %w", err)
		}
		var u bookdesk.User
		if err := doc.DataTo(&u); err == nil {
			u.UID = doc.Ref.ID
			users = append(users, u)
		}
	}
	return users, nil
}

func iterToListings(iter *firestore.DocumentIterator) ([]bookdesk.Listing, error) {
	defer iter.Stop()
	listings := []bookdesk.Listing{}
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Failed to iterate: %w", err)
		}
		var l bookdesk.Listing
		if err := doc.DataTo(&l); err == nil {
			l.ID = doc.Ref.ID
			listings = append(listings, l)
		}
	}
	return listings, nil
}
