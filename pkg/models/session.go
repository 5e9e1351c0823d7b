package models

import (
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/google/uuid"
)

// Session is the authenticated caller established by the session middleware.
type Session struct {
	UserID   string
	TenantID uuid.UUID
	Roles    []string
}

// HasAnyRole reports whether the session holds one of roles, ignoring case.
func (s *Session) HasAnyRole(roles ...string) bool {
	if s == nil {
		return false
	}
	for _, role := range s.Roles {
		if ectolinq.Contains(roles, strings.ToLower(strings.TrimSpace(role))) {
			return true
		}
	}
	return false
}

// Tenant is the subset of the tenant row the pipeline reads.
type Tenant struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	IsReadOnly bool      `db:"is_read_only" json:"is_read_only"`
}
