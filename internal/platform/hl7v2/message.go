package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Encoding holds the delimiters a message declares in MSH-1 and MSH-2.
type Encoding struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	SubComponent byte
}

// DefaultEncoding is the |^~\& delimiter set almost every sender uses.
var DefaultEncoding = Encoding{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	SubComponent: '&',
}

// Characters renders MSH-2 for this encoding.
func (e Encoding) Characters() string {
	return string([]byte{e.Component, e.Repetition, e.Escape, e.SubComponent})
}

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 as sent (e.g. "ADT^A01^ADT_A01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Encoding     Encoding
	Segments     []Segment
	Raw          []byte // input as received, nil for built messages
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string
	Fields []Field
	enc    Encoding
}

// Field is one field of a segment. Repeats holds the raw components of
// each repetition; Components aliases the first repetition.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// Segments may be separated by \r, \n or \r\n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	enc, err := readEncoding(lines[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{Encoding: enc, Raw: raw}
	for _, line := range lines {
		seg, err := parseSegment(line, enc)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.readHeader()
	return msg, nil
}

// readEncoding takes the field separator from MSH-1 and the remaining
// delimiters from MSH-2, falling back to defaults for any that are absent.
func readEncoding(msh string) (Encoding, error) {
	if len(msh) < 4 {
		return Encoding{}, fmt.Errorf("hl7v2: MSH segment too short")
	}
	enc := DefaultEncoding
	enc.Field = msh[3]

	chars := msh[4:]
	if i := strings.IndexByte(chars, enc.Field); i >= 0 {
		chars = chars[:i]
	}
	set := []*byte{&enc.Component, &enc.Repetition, &enc.Escape, &enc.SubComponent}
	for i := 0; i < len(chars) && i < len(set); i++ {
		*set[i] = chars[i]
	}
	return enc, nil
}

func parseSegment(line string, enc Encoding) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}
	sep := string(enc.Field)

	if strings.HasPrefix(line, "MSH") {
		// MSH-1 is the separator itself and MSH-2 must not be split on
		// the delimiters it declares.
		seg := Segment{Name: "MSH", enc: enc}
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}, Repeats: [][]string{{sep}}})
		parts := strings.Split(line[4:], sep)
		for i, part := range parts {
			if i == 0 {
				seg.Fields = append(seg.Fields, Field{Value: part, Components: []string{part}, Repeats: [][]string{{part}}})
				continue
			}
			seg.Fields = append(seg.Fields, parseField(part, enc))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, sep, 2)
	seg := Segment{Name: parts[0], enc: enc}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], sep) {
			seg.Fields = append(seg.Fields, parseField(f, enc))
		}
	}
	return seg, nil
}

func parseField(raw string, enc Encoding) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(enc.Repetition)) {
		f.Repeats = append(f.Repeats, strings.Split(rep, string(enc.Component)))
	}
	f.Components = f.Repeats[0]
	return f
}

func (m *Message) readHeader() {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}
	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)
	if ts := msh.GetField(7); ts != "" {
		if t, err := ParseTimestamp(ts); err == nil {
			m.Timestamp = t
		}
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// MessageCode returns MSH-9.1, e.g. "ADT".
func (m *Message) MessageCode() string {
	if msh := m.GetSegment("MSH"); msh != nil {
		return msh.GetComponent(9, 1)
	}
	return ""
}

// TriggerEvent returns MSH-9.2, e.g. "A01".
func (m *Message) TriggerEvent() string {
	if msh := m.GetSegment("MSH"); msh != nil {
		return msh.GetComponent(9, 2)
	}
	return ""
}

// ParseTimestamp parses the leading date part of an HL7 TS/DTM value
// (YYYYMMDD[HHmm[ss]]) in UTC. Fractional seconds and zone offsets are
// ignored.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// field returns the 1-based field, or nil when absent. MSH-1 is Fields[0]
// for MSH as well, so the same offset applies to every segment.
func (s *Segment) field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns the raw value of a field by 1-based index.
func (s *Segment) GetField(index int) string {
	if f := s.field(index); f != nil {
		return f.Value
	}
	return ""
}

// Repetitions returns how many repetitions field index carries. An empty
// field counts as one empty repetition.
func (s *Segment) Repetitions(index int) int {
	if f := s.field(index); f != nil {
		return len(f.Repeats)
	}
	return 0
}

// GetComponent returns a component of the first repetition by 1-based
// field and component indices, with escape sequences decoded.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	return s.GetRepComponent(fieldIdx, 0, compIdx)
}

// GetRepComponent is GetComponent for a 0-based repetition.
func (s *Segment) GetRepComponent(fieldIdx, rep, compIdx int) string {
	return s.encoding().Unescape(s.rawComponent(fieldIdx, rep, compIdx))
}

// GetSubComponents splits a component of the given repetition on the
// subcomponent delimiter and decodes each part.
func (s *Segment) GetSubComponents(fieldIdx, rep, compIdx int) []string {
	raw := s.rawComponent(fieldIdx, rep, compIdx)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, string(s.encoding().SubComponent))
	for i := range parts {
		parts[i] = s.encoding().Unescape(parts[i])
	}
	return parts
}

func (s *Segment) rawComponent(fieldIdx, rep, compIdx int) string {
	f := s.field(fieldIdx)
	if f == nil {
		return ""
	}
	comps := f.Components
	if len(f.Repeats) > 0 {
		if rep < 0 || rep >= len(f.Repeats) {
			return ""
		}
		comps = f.Repeats[rep]
	} else if rep != 0 {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(comps) {
		return ""
	}
	return comps[ci]
}

func (s *Segment) encoding() Encoding {
	if s.enc.Field == 0 {
		return DefaultEncoding
	}
	return s.enc
}
