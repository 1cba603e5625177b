package model

import (
	"github.com/google/uuid"
)

type UserRole string

const (
	UserRoleAdmin    UserRole = "ADMIN"
	UserRoleOperator UserRole = "OPERATOR"
	UserRoleUser     UserRole = "USER"
)

func (r UserRole) Valid() bool {
	switch r {
	case UserRoleAdmin, UserRoleOperator, UserRoleUser:
		return true
	}
	return false
}

type Principal struct {
	UserID uuid.UUID
	Role   UserRole
}

func (p Principal) IsAdmin() bool {
	return p.Role == UserRoleAdmin
}

// IsStaff reports whether the principal may see every vehicle's tolls.
func (p Principal) IsStaff() bool {
	return p.Role == UserRoleAdmin || p.Role == UserRoleOperator
}
