package patient

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AddressUnresolvable is stored in place of an address when the source
// address fields cannot be composed into a single line.
const AddressUnresolvable = "Invalid"

// BirthdayLayout is the fixed pattern birthdays are rendered with before
// comparison and in API responses.
const BirthdayLayout = "02.01.2006"

// Patient maps to the patients table.
type Patient struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ExternalID *string   `db:"external_id" json:"external_id,omitempty"`
	FirstName  string    `db:"first_name" json:"first_name"`
	LastName   string    `db:"last_name" json:"last_name"`
	Birthday   time.Time `db:"birthday" json:"birthday"`
	Address    string    `db:"address" json:"address"`
	Sex        string    `db:"sex" json:"sex"`
	Telephone  *string   `db:"telephone" json:"telephone,omitempty"`
	Email      *string   `db:"email" json:"email,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Persisted reports whether the store has assigned an internal identifier.
func (p *Patient) Persisted() bool {
	return p.ID != uuid.Nil
}

// Clone returns a deep copy so callers can mutate the result without
// touching the original.
func (p *Patient) Clone() *Patient {
	if p == nil {
		return nil
	}
	c := *p
	c.ExternalID = cloneString(p.ExternalID)
	c.Telephone = cloneString(p.Telephone)
	c.Email = cloneString(p.Email)
	return &c
}

// WithDemographics returns a copy of p whose comparable fields are taken
// from src. Identity and bookkeeping fields are kept from p.
func (p *Patient) WithDemographics(src *Patient) *Patient {
	out := p.Clone()
	out.FirstName = src.FirstName
	out.LastName = src.LastName
	out.Birthday = src.Birthday
	out.Address = src.Address
	out.Sex = src.Sex
	out.Telephone = cloneString(src.Telephone)
	out.Email = cloneString(src.Email)
	return out
}

// Validate checks the fields every stored record must carry.
func (p *Patient) Validate() error {
	switch {
	case p.FirstName == "":
		return fmt.Errorf("%w: first name is required", ErrInvalid)
	case p.LastName == "":
		return fmt.Errorf("%w: last name is required", ErrInvalid)
	case p.Birthday.IsZero():
		return fmt.Errorf("%w: birthday is required", ErrInvalid)
	case p.Address == "":
		return fmt.Errorf("%w: address is required", ErrInvalid)
	}
	return nil
}

// IdentityKey is the (first name, last name, birthday) key used for
// duplicate search and creation locking.
func (p *Patient) IdentityKey() string {
	return p.FirstName + "|" + p.LastName + "|" + p.Birthday.Format("2006-01-02")
}

// DateOnly truncates t to a calendar day in UTC.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
