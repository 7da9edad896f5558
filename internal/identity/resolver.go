// Package identity decides which role a user holds. Roles are never read from
// storage: the single reserved administrator identifier is compared against
// the user's current username and email on every request.
package identity

import "strings"

type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// DefaultAdminIdentifier is used when no identifier is configured.
const DefaultAdminIdentifier = "admin@vilniustech.lt"

// Candidate is the part of a user record that role resolution looks at.
type Candidate struct {
	Username string
	Email    string
}

type Resolver struct {
	reserved string
}

func NewResolver(identifier string) *Resolver {
	reserved := Normalize(identifier)
	if reserved == "" {
		reserved = DefaultAdminIdentifier
	}
	return &Resolver{reserved: reserved}
}

// Identifier returns the normalized reserved administrator identifier.
func (r *Resolver) Identifier() string {
	return r.reserved
}

// IsReservedAdmin reports whether either field of c equals the reserved
// identifier after trimming and lowercasing.
func (r *Resolver) IsReservedAdmin(c Candidate) bool {
	return Normalize(c.Username) == r.reserved || Normalize(c.Email) == r.reserved
}

func (r *Resolver) EffectiveRole(c Candidate) Role {
	if r.IsReservedAdmin(c) {
		return RoleAdmin
	}
	return RoleStudent
}

func Normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
