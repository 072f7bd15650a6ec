// Package query compiles view filters and sort clauses and evaluates them
// against contacts.
//
// Filters and sort clauses are immutable values. They are safe to evaluate
// from any number of goroutines, and evaluation never fails: malformed input
// compiles to an invalid filter that matches nothing.
package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/celerix-dev/celerix-addressbook/internal/phone"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// Kind is the node type of a filter.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindAll
	KindNone
	KindAnd
	KindOr
	KindNot
	KindCompare
)

// Operator is the comparison applied by a leaf filter.
type Operator uint8

const (
	OpEqual Operator = iota + 1
	OpContains
	OpStartsWith
	OpPhoneMatch
)

var operatorNames = map[Operator]string{
	OpEqual:      "=",
	OpContains:   "contains",
	OpStartsWith: "startswith",
	OpPhoneMatch: "matches",
}

// ParseOperator resolves an operator token.
func ParseOperator(s string) (Operator, bool) {
	switch strings.ToLower(s) {
	case "=", "==", "eq", "equals":
		return OpEqual, true
	case "~", "contains":
		return OpContains, true
	case "^", "startswith", "starts_with":
		return OpStartsWith, true
	case "matches", "phone":
		return OpPhoneMatch, true
	}
	return 0, false
}

func (o Operator) String() string {
	if s, ok := operatorNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// ErrInvalidFilter is wrapped by the error of every invalid filter.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter is a compiled boolean expression over contact fields.
// The zero Filter is invalid.
type Filter struct {
	kind     Kind
	children []Filter
	field    Field
	op       Operator
	value    string
	folded   string
	number   phone.Number
	err      error
}

// All returns the filter matching every contact.
func All() Filter { return Filter{kind: KindAll} }

// None returns the filter matching no contact.
func None() Filter { return Filter{kind: KindNone} }

// Invalid returns an invalid filter carrying err.
func Invalid(err error) Filter {
	if err == nil {
		err = ErrInvalidFilter
	} else if !errors.Is(err, ErrInvalidFilter) {
		err = fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	return Filter{kind: KindInvalid, err: err}
}

// Compare returns a leaf filter. Unknown fields yield an invalid filter.
func Compare(field string, op Operator, value string) Filter {
	f, ok := ParseField(field)
	if !ok {
		return Invalid(fmt.Errorf("unknown field %q", field))
	}
	if _, ok := operatorNames[op]; !ok {
		return Invalid(fmt.Errorf("unknown operator %d", op))
	}
	leaf := Filter{
		kind:   KindCompare,
		field:  f,
		op:     op,
		value:  value,
		folded: strings.ToLower(value),
	}
	if op == OpPhoneMatch {
		leaf.number = phone.Normalize(value)
	}
	return leaf
}

// And returns the conjunction of fs. An invalid operand makes the result invalid.
func And(fs ...Filter) Filter { return composite(KindAnd, fs) }

// Or returns the disjunction of fs. An invalid operand makes the result invalid.
func Or(fs ...Filter) Filter { return composite(KindOr, fs) }

// Not negates f.
func Not(f Filter) Filter {
	if !f.IsValid() {
		return f
	}
	return Filter{kind: KindNot, children: []Filter{f}}
}

func composite(kind Kind, fs []Filter) Filter {
	if len(fs) == 0 {
		return Invalid(errors.New("empty composite"))
	}
	for _, f := range fs {
		if !f.IsValid() {
			return f
		}
	}
	if len(fs) == 1 {
		return fs[0]
	}
	return Filter{kind: kind, children: append([]Filter(nil), fs...)}
}

// Kind returns the node type.
func (f Filter) Kind() Kind { return f.kind }

// IsValid reports whether f compiled successfully.
func (f Filter) IsValid() bool { return f.kind != KindInvalid }

// IsEmpty reports whether f matches every contact without testing them.
func (f Filter) IsEmpty() bool { return f.kind == KindAll }

// Err returns the compile error of an invalid filter.
func (f Filter) Err() error {
	if f.kind == KindInvalid && f.err == nil {
		return ErrInvalidFilter
	}
	return f.err
}

// PhoneQuery returns the phone number every matching contact must carry,
// when there is one. It lets callers pre-select candidates from a phone index.
func (f Filter) PhoneQuery() (phone.Number, bool) {
	switch f.kind {
	case KindCompare:
		if f.op == OpPhoneMatch && f.field == FieldPhone && f.number.Valid() {
			return f.number, true
		}
	case KindAnd:
		for _, c := range f.children {
			if n, ok := c.PhoneQuery(); ok {
				return n, true
			}
		}
	}
	return phone.Number{}, false
}

// Test reports whether c satisfies f.
func (f Filter) Test(c *schema.Contact) bool {
	if c == nil {
		return false
	}
	switch f.kind {
	case KindAll:
		return true
	case KindAnd:
		for _, child := range f.children {
			if !child.Test(c) {
				return false
			}
		}
		return true
	case KindOr:
		for _, child := range f.children {
			if child.Test(c) {
				return true
			}
		}
		return false
	case KindNot:
		return !f.children[0].Test(c)
	case KindCompare:
		for _, v := range values(c, f.field) {
			if f.compare(v) {
				return true
			}
		}
		return false
	}
	return false
}

func (f Filter) compare(v string) bool {
	switch f.op {
	case OpEqual:
		return strings.EqualFold(v, f.value)
	case OpContains:
		return strings.Contains(strings.ToLower(v), f.folded)
	case OpStartsWith:
		return strings.HasPrefix(strings.ToLower(v), f.folded)
	case OpPhoneMatch:
		return phone.Match(f.number, phone.Normalize(v))
	}
	return false
}

// String renders f in the textual filter grammar.
func (f Filter) String() string {
	switch f.kind {
	case KindAll:
		return "*"
	case KindNone:
		return "none"
	case KindNot:
		return "not " + f.children[0].group()
	case KindAnd, KindOr:
		sep := " and "
		if f.kind == KindOr {
			sep = " or "
		}
		parts := make([]string, len(f.children))
		for i, c := range f.children {
			parts[i] = c.group()
		}
		return strings.Join(parts, sep)
	case KindCompare:
		return fmt.Sprintf("%s %s %q", f.field, f.op, f.value)
	}
	return "<invalid>"
}

func (f Filter) group() string {
	if f.kind == KindAnd || f.kind == KindOr {
		return "(" + f.String() + ")"
	}
	return f.String()
}
