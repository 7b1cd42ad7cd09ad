package bookdesk

import (
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/kennygrant/sanitize"
	"github.com/moraes/isbn"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Listing is a book offered by a user. Owner fields are copied from the
// creator at creation time.
type Listing struct {
	ID          string    `json:"id" firestore:"id" storm:"id"`
	Name        string    `json:"name" firestore:"name"`
	ISBN        string    `json:"isbn" firestore:"isbn"`
	Price       string    `json:"price" firestore:"price"`
	OwnerUID    string    `json:"userId" firestore:"userId" storm:"index"`
	OwnerEmail  string    `json:"userEmail" firestore:"userEmail"`
	DisplayName string    `json:"displayName,omitempty" firestore:"displayName,omitempty"`
	PhotoURL    string    `json:"photoURL,omitempty" firestore:"photoURL,omitempty"`
	SearchKeys  []string  `json:"-" firestore:"searchKeys"`
	Created     time.Time `json:"created" firestore:"created"`
}

// ListingInput is what a user submits to create a listing.
type ListingInput struct {
	Name  string `json:"name" form:"name"`
	ISBN  string `json:"isbn" form:"isbn"`
	Price string `json:"price" form:"price"`
}

// NewListing validates in and returns a listing owned by owner.
func NewListing(owner *User, in ListingInput) (*Listing, error) {
	if owner == nil || owner.UID == "" {
		return nil, ErrNoOwner
	}

	name := CleanName(in.Name)
	if name == "" {
		return nil, ErrEmptyName
	}

	isbn, err := NormalizeISBN(in.ISBN)
	if err != nil {
		return nil, err
	}

	price, err := NormalizePrice(in.Price)
	if err != nil {
		return nil, err
	}

	return &Listing{
		ID:          uuid.Must(uuid.NewV4()).String(),
		Name:        name,
		ISBN:        isbn,
		Price:       price,
		OwnerUID:    owner.UID,
		OwnerEmail:  owner.Email,
		DisplayName: owner.DisplayName,
		PhotoURL:    owner.PhotoURL,
		SearchKeys:  GetMetaphoneKeys(name),
		Created:     time.Now(),
	}, nil
}

// CleanName strips markup and normalizes whitespace and unicode form.
func CleanName(s string) string {
	s = sanitize.HTML(s)
	s = norm.NFC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeISBN removes separators and validates the ISBN-10 or ISBN-13
// checksum.
func NormalizeISBN(s string) (string, error) {
	s = strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(s))
	if !isbn.Validate(s) {
		return "", ErrInvalidISBN
	}
	return s, nil
}

// NormalizePrice parses a non-negative decimal price and renders it with two
// decimals.
func NormalizePrice(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidPrice
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", ErrInvalidPrice
	}
	if d.IsNegative() {
		return "", ErrInvalidPrice
	}
	return d.StringFixed(2), nil
}

// MatchesQuery reports whether every metaphone key of q is in the listing's
// search keys. An empty query matches everything.
func (l *Listing) MatchesQuery(q string) bool {
	terms := GetMetaphoneKeys(q)
	if len(terms) == 0 {
		return true
	}
	have := make(map[string]bool, len(l.SearchKeys))
	for _, k := range l.SearchKeys {
		have[k] = true
	}
	for _, t := range terms {
		if !have[t] {
			return false
		}
	}
	return true
}

// FilterListings returns the listings matching q.
func FilterListings(listings []Listing, q string) []Listing {
	out := []Listing{}
	for _, l := range listings {
		if l.MatchesQuery(q) {
			out = append(out, l)
		}
	}
	return out
}
