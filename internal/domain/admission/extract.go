package admission

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/admission/internal/domain/patient"
	"github.com/ehr/admission/internal/platform/hl7v2"
)

// PID field numbers read during extraction.
const (
	pidIdentifierList = 3
	pidPatientName    = 5
	pidDateOfBirth    = 7
	pidAdminSex       = 8
	pidAddress        = 11
	pidPhoneHome      = 13
	pidPhoneBusiness  = 14
)

// ErrUnsupportedMessage is wrapped in an *ExtractionError when the message
// is not an ADT^A01 admission.
var ErrUnsupportedMessage = errors.New("unsupported message type")

// ExtractionError reports an inbound message that could not be turned into
// a patient record.
type ExtractionError struct {
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return "extraction failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "extraction failed: " + e.Reason
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Admission is what one inbound message contributes to reconciliation.
type Admission struct {
	Patient     *patient.Patient
	ExternalIDs []string
	Message     *hl7v2.Message
}

// Read parses raw once and returns both the demographic record and the
// identifiers listed in PID-3.
func Read(raw []byte) (*Admission, error) {
	msg, pid, err := admissionPID(raw)
	if err != nil {
		return nil, err
	}
	p, err := demographics(pid)
	if err != nil {
		return nil, err
	}
	return &Admission{Patient: p, ExternalIDs: identifiers(pid), Message: msg}, nil
}

// Extract returns the demographic record carried by an ADT^A01 message.
// The record has no internal or external identifier.
func Extract(raw []byte) (*patient.Patient, error) {
	a, err := Read(raw)
	if err != nil {
		return nil, err
	}
	return a.Patient, nil
}

// ExternalIDs returns the ID numbers (CX.1) of every PID-3 repetition in
// message order, skipping blanks.
func ExternalIDs(raw []byte) ([]string, error) {
	_, pid, err := admissionPID(raw)
	if err != nil {
		return nil, err
	}
	return identifiers(pid), nil
}

func admissionPID(raw []byte) (*hl7v2.Message, *hl7v2.Segment, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return nil, nil, &ExtractionError{Reason: "malformed message", Err: err}
	}
	if msg.MessageCode() != "ADT" || msg.TriggerEvent() != "A01" {
		return nil, nil, &ExtractionError{
			Reason: fmt.Sprintf("got %s^%s", msg.MessageCode(), msg.TriggerEvent()),
			Err:    ErrUnsupportedMessage,
		}
	}
	pid := msg.GetSegment("PID")
	if pid == nil {
		return nil, nil, &ExtractionError{Reason: "missing PID segment"}
	}
	return msg, pid, nil
}

func identifiers(pid *hl7v2.Segment) []string {
	var ids []string
	for rep := 0; rep < pid.Repetitions(pidIdentifierList); rep++ {
		if id := strings.TrimSpace(pid.GetRepComponent(pidIdentifierList, rep, 1)); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func demographics(pid *hl7v2.Segment) (*patient.Patient, error) {
	lastName := firstSub(pid, pidPatientName, 0, 1)
	firstName := pid.GetComponent(pidPatientName, 2)
	if lastName == "" || firstName == "" {
		return nil, &ExtractionError{Reason: "patient name is incomplete"}
	}

	dob := pid.GetField(pidDateOfBirth)
	if len(dob) < 8 {
		return nil, &ExtractionError{Reason: fmt.Sprintf("birthday %q is not yyyyMMdd", dob)}
	}
	birthday, err := hl7v2.ParseTimestamp(dob[:8])
	if err != nil {
		return nil, &ExtractionError{Reason: "invalid birthday", Err: err}
	}

	return &patient.Patient{
		FirstName: firstName,
		LastName:  lastName,
		Birthday:  patient.DateOnly(birthday),
		Address:   address(pid),
		Sex:       pid.GetComponent(pidAdminSex, 1),
		Telephone: telephone(pid),
		Email:     patient.StringPtr(pid.GetRepComponent(pidPhoneHome, 0, 4)),
	}, nil
}

// address renders the first XAD as "street, postal city[, country]". When
// street, postal code or city is missing the address is unresolvable.
func address(pid *hl7v2.Segment) string {
	street := firstSub(pid, pidAddress, 0, 1)
	city := pid.GetComponent(pidAddress, 3)
	postal := pid.GetComponent(pidAddress, 5)
	country := pid.GetComponent(pidAddress, 6)
	if street == "" || city == "" || postal == "" {
		return patient.AddressUnresolvable
	}
	s := street + ", " + postal + " " + city
	if country != "" {
		s += ", " + country
	}
	return s
}

// telephone formats the first home number as "+cc area local", falling
// back to the first business number. Empty parts are dropped.
func telephone(pid *hl7v2.Segment) *string {
	for _, field := range []int{pidPhoneHome, pidPhoneBusiness} {
		cc := pid.GetRepComponent(field, 0, 5)
		area := pid.GetRepComponent(field, 0, 6)
		local := pid.GetRepComponent(field, 0, 7)
		if cc == "" && area == "" && local == "" {
			continue
		}
		var parts []string
		if cc != "" {
			parts = append(parts, "+"+strings.TrimPrefix(cc, "+"))
		}
		for _, p := range []string{area, local} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		s := strings.Join(parts, " ")
		return &s
	}
	return nil
}

// firstSub returns the first subcomponent of a component, which is where
// SAD.1 (street) and FN.1 (surname) live.
func firstSub(pid *hl7v2.Segment, field, rep, comp int) string {
	subs := pid.GetSubComponents(field, rep, comp)
	if len(subs) == 0 {
		return ""
	}
	return subs[0]
}
