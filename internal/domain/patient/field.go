package patient

import (
	"encoding/json"
	"sort"
	"strings"
)

// Field names a comparable demographic attribute of a Patient.
type Field string

const (
	FieldFirstName Field = "firstName"
	FieldLastName  Field = "lastName"
	FieldBirthday  Field = "birthday"
	FieldAddress   Field = "address"
	FieldSex       Field = "sex"
	FieldTelephone Field = "telephone"
	FieldEmail     Field = "email"
)

// ComparableFields lists every field the comparator inspects, in a stable
// order.
var ComparableFields = []Field{
	FieldFirstName,
	FieldLastName,
	FieldBirthday,
	FieldAddress,
	FieldSex,
	FieldTelephone,
	FieldEmail,
}

// FieldSet is an immutable, order-independent set of fields. The zero
// value is the empty set.
type FieldSet struct {
	members map[Field]struct{}
}

// NewFieldSet builds a set from the given fields. Duplicates collapse.
func NewFieldSet(fields ...Field) FieldSet {
	if len(fields) == 0 {
		return FieldSet{}
	}
	m := make(map[Field]struct{}, len(fields))
	for _, f := range fields {
		m[f] = struct{}{}
	}
	return FieldSet{members: m}
}

func (s FieldSet) Has(f Field) bool {
	_, ok := s.members[f]
	return ok
}

func (s FieldSet) Len() int {
	return len(s.members)
}

func (s FieldSet) IsEmpty() bool {
	return len(s.members) == 0
}

// Fields returns the members sorted by name.
func (s FieldSet) Fields() []Field {
	out := make([]Field, 0, len(s.members))
	for f := range s.members {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Equal reports whether both sets hold the same members.
func (s FieldSet) Equal(other FieldSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for f := range s.members {
		if !other.Has(f) {
			return false
		}
	}
	return true
}

func (s FieldSet) String() string {
	fields := s.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return strings.Join(names, ",")
}

func (s FieldSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Fields())
}
