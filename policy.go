package bookdesk

import (
	"fmt"
	"strings"
)

// AdminMode selects which source of truth decides admin status.
type AdminMode string

// supported admin modes
const (
	AdminByEmail AdminMode = "email"
	AdminByFlag  AdminMode = "flag"
	AdminByBoth  AdminMode = "both"
)

// NotAuthorizedAlert is shown to signed in users that hit an admin route.
const NotAuthorizedAlert = "You are not authorized to access this page."

// SessionState is the state of the session behind a single request.
type SessionState int

// hold all possible session states
const (
	StateUnknown SessionState = iota
	StateAnonymous
	StateMember
	StateAdmin
)

func (s SessionState) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateMember:
		return "member"
	case StateAdmin:
		return "admin"
	}
	return "unknown"
}

// Policy is the single place that decides who is an admin.
type Policy struct {
	Mode       AdminMode
	AdminEmail string
}

// NewPolicy validates the mode and returns a policy.
func NewPolicy(mode, adminEmail string) (Policy, error) {
	m := AdminMode(strings.ToLower(strings.TrimSpace(mode)))
	switch m {
	case "":
		m = AdminByEmail
	case AdminByEmail, AdminByFlag, AdminByBoth:
	default:
		return Policy{}, fmt.Errorf("unknown admin mode %q", mode)
	}
	return Policy{
		Mode:       m,
		AdminEmail: NormalizeEmail(adminEmail),
	}, nil
}

// IsAdminEmail reports whether email is the configured admin address.
func (p Policy) IsAdminEmail(email string) bool {
	return p.AdminEmail != "" && NormalizeEmail(email) == p.AdminEmail
}

// IsAdmin decides admin status for u according to the policy mode.
func (p Policy) IsAdmin(u *User) bool {
	if u == nil {
		return false
	}
	switch p.Mode {
	case AdminByFlag:
		return u.IsAdmin
	case AdminByBoth:
		return u.IsAdmin && p.IsAdminEmail(u.Email)
	default:
		return p.IsAdminEmail(u.Email)
	}
}

// State derives the session state for a resolved user.
func (p Policy) State(u *User) SessionState {
	if u == nil {
		return StateAnonymous
	}
	if p.IsAdmin(u) {
		return StateAdmin
	}
	return StateMember
}

// Decision is the outcome of a route guard.
type Decision struct {
	Allow    bool
	Redirect string
	Alert    string
}

// Guard applies the route guard for a session state. Admin routes require
// StateAdmin, other guarded routes any signed in state.
func Guard(state SessionState, adminRoute bool) Decision {
	switch state {
	case StateAnonymous:
		return Decision{Redirect: "/login"}
	case StateMember:
		if adminRoute {
			return Decision{Redirect: "/", Alert: NotAuthorizedAlert}
		}
		return Decision{Allow: true}
	case StateAdmin:
		return Decision{Allow: true}
	}
	return Decision{}
}
