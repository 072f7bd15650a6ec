// Package phone normalizes phone numbers and decides whether two of them
// refer to the same line.
//
// Two numbers match when their digits are identical, or when one is a suffix
// of the other and the shorter one carries at least MinSignificantLength
// digits. Short numbers (emergency numbers, service codes) only ever match
// identically, so "11" never matches "911". An extension written as "#123"
// must match exactly when the query carries one.
package phone

import (
	"strings"
)

const (
	// MinSignificantLength is the number of trailing digits that identify a line.
	MinSignificantLength = 7
	// ShortNumberLength is the longest number treated as a short service number.
	ShortNumberLength = 3
)

// Number is a normalized phone number.
type Number struct {
	// Digits holds the significant digits without formatting or '+'.
	Digits string
	// Extension holds the digits after '#'.
	Extension string
	// International is set when the number was written with a leading '+'.
	International bool
}

// Normalize strips formatting from raw. Letters and punctuation are dropped;
// a '+' is only kept when it precedes every digit.
func Normalize(raw string) Number {
	var n Number
	main, ext, hasExt := strings.Cut(raw, "#")

	var b strings.Builder
	b.Grow(len(main))
	for _, r := range main {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			n.International = true
		}
	}
	n.Digits = b.String()

	if hasExt {
		n.Extension = digitsOnly(ext)
	}
	return n
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Valid reports whether n can match anything at all.
func (n Number) Valid() bool {
	if n.Digits == "" {
		return false
	}
	// no country code fits in a short number
	if n.International && n.IsShort() {
		return false
	}
	return true
}

// IsShort reports whether n is a short service number.
func (n Number) IsShort() bool {
	return len(n.Digits) <= ShortNumberLength
}

// Key returns the suffix key used to bucket numbers in an index.
// Matching numbers always share a key; the converse does not hold.
func (n Number) Key() string {
	if len(n.Digits) <= MinSignificantLength {
		return n.Digits
	}
	return n.Digits[len(n.Digits)-MinSignificantLength:]
}

func (n Number) String() string {
	var b strings.Builder
	if n.International {
		b.WriteByte('+')
	}
	b.WriteString(n.Digits)
	if n.Extension != "" {
		b.WriteByte('#')
		b.WriteString(n.Extension)
	}
	return b.String()
}

// Match reports whether candidate is a possible match for query.
func Match(query, candidate Number) bool {
	if !query.Valid() || !candidate.Valid() {
		return false
	}
	if query.Extension != "" && query.Extension != candidate.Extension {
		return false
	}

	q, c := query.Digits, candidate.Digits
	if len(q) < MinSignificantLength || len(c) < MinSignificantLength {
		return q == c
	}
	if len(q) < len(c) {
		return strings.HasSuffix(c, q)
	}
	return strings.HasSuffix(q, c)
}

// MatchString normalizes both sides and calls Match.
func MatchString(query, candidate string) bool {
	return Match(Normalize(query), Normalize(candidate))
}
