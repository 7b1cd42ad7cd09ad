package bookdesk

import (
	"time"
)

// DeliveryToken identifies a browser installation that can receive push
// notifications for a user. It is keyed by email.
type DeliveryToken struct {
	Email   string    `json:"email" firestore:"email" storm:"id"`
	Token   string    `json:"token" firestore:"token"`
	IsAdmin bool      `json:"isAdmin" firestore:"isAdmin"`
	UID     string    `json:"uid" firestore:"uid"`
	Updated time.Time `json:"updated" firestore:"updated"`
}

// Fields returns the token as a field map suitable for merge writes. Empty
// token and uid are left out so a merge keeps the stored values.
func (t DeliveryToken) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"email":   t.Email,
		"isAdmin": t.IsAdmin,
		"updated": t.Updated,
	}
	if t.Token != "" {
		f["token"] = t.Token
	}
	if t.UID != "" {
		f["uid"] = t.UID
	}
	return f
}
