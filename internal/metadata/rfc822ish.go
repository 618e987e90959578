// Package metadata parses the line-oriented, RFC822-ish format used by
// package core metadata, WHEEL and PYBI files.
//
// Allegedly these files are RFC822 email messages. They are not. The actual
// format is "whatever the Python stdlib's email.message_from_string does",
// which differs from RFC822 in a few ways this parser follows deliberately:
// continuation lines keep their newlines instead of being folded to a
// single space, and a line ending on its own isn't required to be \r\n.
package metadata

import (
	"fmt"
)

// Fields holds every occurrence of every header field; duplicate field names
// accumulate values, in the order they appear, rather than overwriting. The
// map keeps no order between different field names.
type Fields map[string][]string

// Parsed is a fully parsed metadata document: its header fields plus an
// optional trailing body (used for the long description in core metadata).
type Parsed struct {
	Fields Fields
	Body   *string
}

// ParseError reports a malformed header section: an invalid field name, a
// missing separator, a continuation line with no preceding field, or a
// document with no fields at all.
type ParseError struct {
	Offset int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("metadata parse error at offset %d: %s", e.Offset, e.Reason)
}

func isFieldNameChar(c byte) bool {
	return c >= 0o41 && c <= 0o176 && c != ':'
}

func isLineBlank(c byte) bool { return c == ' ' || c == '\t' }

// findLineEnding returns the index and length of the first "\r\n", "\r" or
// "\n" at or after from, or (-1, 0) if none remain.
func findLineEnding(s string, from int) (int, int) {
	for i := from; i < len(s); i++ {
		switch s[i] {
		case '\r':
			if i+1 < len(s) && s[i+1] == '\n' {
				return i, 2
			}
			return i, 1
		case '\n':
			return i, 1
		}
	}
	return -1, 0
}

// Parse parses data into its header fields and optional body.
func Parse(data string) (Parsed, error) {
	fields := make(Fields)
	pos := 0

	for {
		nameStart := pos
		i := nameStart
		for i < len(data) && isFieldNameChar(data[i]) {
			i++
		}
		if i == nameStart {
			break // no more fields: either EOF, blank line, or bad input
		}
		name := data[nameStart:i]
		if i >= len(data) || data[i] != ':' {
			if len(fields) == 0 {
				return Parsed{}, &ParseError{Offset: nameStart, Reason: "expected field separator ':'"}
			}
			break
		}
		i++ // consume ':'
		sepStart := i
		for i < len(data) && isLineBlank(data[i]) {
			i++
		}
		if i == sepStart {
			return Parsed{}, &ParseError{Offset: sepStart, Reason: "field separator must have at least one space or tab after ':'"}
		}

		valueStart := i
		valueEnd := -1
		scan := i
		for {
			lePos, leLen := findLineEnding(data, scan)
			if lePos == -1 {
				return Parsed{}, &ParseError{Offset: scan, Reason: "field value not terminated by a line ending"}
			}
			next := lePos + leLen
			if next < len(data) && isLineBlank(data[next]) {
				// continuation line: keep scanning past it
				scan = next
				continue
			}
			valueEnd = lePos
			pos = next
			break
		}

		fields[name] = append(fields[name], data[valueStart:valueEnd])
	}

	if len(fields) == 0 {
		return Parsed{}, &ParseError{Offset: 0, Reason: "no header fields found"}
	}

	var body *string
	if lePos, leLen := findLineEnding(data, pos); lePos == pos {
		b := data[pos+leLen:]
		body = &b
	}

	return Parsed{Fields: fields, Body: body}, nil
}

// TakeOne returns the single value of a field, erroring if it's missing or
// repeated.
func (p Parsed) TakeOne(name string) (string, error) {
	vs, ok := p.Fields[name]
	if !ok {
		return "", &MissingField{Name: name}
	}
	if len(vs) != 1 {
		return "", &DuplicateField{Name: name}
	}
	return vs[0], nil
}

// MaybeTakeOne returns the single value of a field, or ("", false) if it's
// absent; it errors only if the field is repeated.
func (p Parsed) MaybeTakeOne(name string) (string, bool, error) {
	vs, ok := p.Fields[name]
	if !ok {
		return "", false, nil
	}
	if len(vs) != 1 {
		return "", false, &DuplicateField{Name: name}
	}
	return vs[0], true, nil
}

// TakeAll returns every value of a field, in the order they appeared.
func (p Parsed) TakeAll(name string) []string {
	return p.Fields[name]
}

// MissingField reports a required header field that wasn't present.
type MissingField struct{ Name string }

func (e *MissingField) Error() string { return fmt.Sprintf("missing required field %q", e.Name) }

// DuplicateField reports a field expected to appear at most once that
// appeared more than once.
type DuplicateField struct{ Name string }

func (e *DuplicateField) Error() string {
	return fmt.Sprintf("field %q must appear exactly once", e.Name)
}
