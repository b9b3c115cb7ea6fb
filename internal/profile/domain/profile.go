package domain

import (
	"errors"
	"time"
)

// Role classifies a profile within its class.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleClassRep Role = "cr_gr"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleClassRep:
		return true
	}
	return false
}

// Profile is the durable identity record associated with an account.
// A cached or in-memory Profile is always a complete snapshot taken from a
// successful fetch or push; fields are never merged piecewise.
type Profile struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	RollNumber    string    `json:"roll_number"`
	Role          Role      `json:"role"`
	ClassID       *string   `json:"class_id"`
	AdminClassID  *string   `json:"admin_class_id"`
	ActiveClassID *string   `json:"active_class_id"`
	IsAdmin       bool      `json:"is_admin"`
	SetupComplete bool      `json:"setup_complete"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate validates the profile for persistence. Returns an error describing
// the first validation failure.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return errors.New("profile id is required")
	}
	if p.Email == "" {
		return errors.New("email is required")
	}
	if p.Role == "" {
		p.Role = RoleStudent
	}
	if !p.Role.Valid() {
		return errors.New("unknown role")
	}
	return nil
}

// IsDualRole reports whether the profile is eligible for both the
// administrative and the student experience. Derived on every read; never
// stored.
func (p *Profile) IsDualRole() bool {
	return p != nil && p.IsAdmin && p.ClassID != nil
}

// Clone returns a deep copy. Callers that hand profiles across goroutine
// boundaries must clone so later mutations cannot alias shared state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.ClassID = cloneStr(p.ClassID)
	c.AdminClassID = cloneStr(p.AdminClassID)
	c.ActiveClassID = cloneStr(p.ActiveClassID)
	return &c
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
