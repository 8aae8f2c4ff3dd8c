package patient

// Compare returns the fields on which incoming disagrees with stored.
// Equality is exact and case-sensitive; birthdays are compared as calendar
// days rendered with BirthdayLayout. A value present on one side and absent
// on the other is a mismatch. An empty result means full agreement.
func Compare(stored, incoming *Patient) FieldSet {
	var diff []Field

	if stored.FirstName != incoming.FirstName {
		diff = append(diff, FieldFirstName)
	}
	if stored.LastName != incoming.LastName {
		diff = append(diff, FieldLastName)
	}
	if stored.Birthday.Format(BirthdayLayout) != incoming.Birthday.Format(BirthdayLayout) {
		diff = append(diff, FieldBirthday)
	}
	if stored.Address != incoming.Address {
		diff = append(diff, FieldAddress)
	}
	if stored.Sex != incoming.Sex {
		diff = append(diff, FieldSex)
	}
	if !equalOptional(stored.Telephone, incoming.Telephone) {
		diff = append(diff, FieldTelephone)
	}
	if !equalOptional(stored.Email, incoming.Email) {
		diff = append(diff, FieldEmail)
	}

	return NewFieldSet(diff...)
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
