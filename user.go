package bookdesk

import (
	"strings"
	"time"
)

// User is the stored account record, keyed by the Firebase uid.
type User struct {
	UID         string    `json:"uid" firestore:"uid" storm:"id"`
	Email       string    `json:"email" firestore:"email" storm:"index"`
	IsAdmin     bool      `json:"isAdmin" firestore:"isAdmin"`
	DisplayName string    `json:"displayName,omitempty" firestore:"displayName,omitempty"`
	PhotoURL    string    `json:"photoURL,omitempty" firestore:"photoURL,omitempty"`
	Created     time.Time `json:"created" firestore:"created"`
	LastSeen    time.Time `json:"lastSeen" firestore:"lastSeen"`
}

// NormalizeEmail lowercases and trims an email so it can be used as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PartitionUsers splits users into admins and non-admins by the stored flag.
func PartitionUsers(users []User) (admins, members []User) {
	admins = []User{}
	members = []User{}
	for _, u := range users {
		if u.IsAdmin {
			admins = append(admins, u)
		} else {
			members = append(members, u)
		}
	}
	return admins, members
}
