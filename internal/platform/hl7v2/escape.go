package hl7v2

import "strings"

// Unescape decodes the delimiter escapes \F\ \S\ \T\ \R\ \E\ in s.
// Unknown sequences such as formatting or hex escapes are kept verbatim.
func (e Encoding) Unescape(s string) string {
	esc := e.Escape
	if esc == 0 {
		esc = DefaultEncoding.Escape
	}
	if strings.IndexByte(s, esc) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != esc {
			b.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i+1:], esc)
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		if r, ok := e.delimiterFor(seq); ok {
			b.WriteByte(r)
		} else {
			b.WriteString(s[i : i+end+2])
		}
		i += end + 1
	}
	return b.String()
}

// EscapeText encodes delimiter characters in s so it can be placed in a field.
func (e Encoding) EscapeText(s string) string {
	enc := e
	if enc.Field == 0 {
		enc = DefaultEncoding
	}
	codes := map[byte]string{
		enc.Field:        "F",
		enc.Component:    "S",
		enc.SubComponent: "T",
		enc.Repetition:   "R",
		enc.Escape:       "E",
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if code, ok := codes[s[i]]; ok {
			b.WriteByte(enc.Escape)
			b.WriteString(code)
			b.WriteByte(enc.Escape)
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func (e Encoding) delimiterFor(seq string) (byte, bool) {
	enc := e
	if enc.Field == 0 {
		enc = DefaultEncoding
	}
	switch seq {
	case "F":
		return enc.Field, true
	case "S":
		return enc.Component, true
	case "T":
		return enc.SubComponent, true
	case "R":
		return enc.Repetition, true
	case "E":
		return enc.Escape, true
	}
	return 0, false
}
