package domain

import (
	"errors"
	"strings"
	"time"
)

// Role is the platform role carried in access tokens.
type Role string

const (
	RoleSuperAdmin   Role = "super_admin"
	RoleCollegeAdmin Role = "college_admin"
	RoleTeacher      Role = "teacher"
	RoleStudent      Role = "student"
	RoleParent       Role = "parent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleCollegeAdmin, RoleTeacher, RoleStudent, RoleParent:
		return true
	}
	return false
}

// Account is the credential holder. Authentication only reads it; other services own its lifecycle.
type Account struct {
	ID            string
	Email         string
	Name          string
	PasswordHash  string
	Role          Role
	CollegeID     string
	Capabilities  []string
	SessionsCount int
	LastLoginAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NormalizeEmail trims and lower-cases an email for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Validate returns the first problem that prevents persisting a.
func (a *Account) Validate() error {
	if a.ID == "" {
		return errors.New("id is required")
	}
	if a.Email == "" {
		return errors.New("email is required")
	}
	if a.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if !a.Role.Valid() {
		return errors.New("unknown role")
	}
	if a.Role == RoleCollegeAdmin && a.CollegeID == "" {
		return errors.New("college admin requires a college id")
	}
	return nil
}
