package query

import (
	"slices"
	"sort"
	"strings"

	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// SortField is one key of a sort clause.
type SortField struct {
	Field      Field
	Descending bool
}

// SortClause orders contacts field by field. The zero value keeps
// insertion order.
type SortClause struct {
	fields   []SortField
	rejected []string
}

var sortableFields = []Field{
	FieldName,
	FieldFirstName,
	FieldLastName,
	FieldFullName,
	FieldNickname,
	FieldOrganization,
	FieldEmail,
	FieldPhone,
	FieldBirthday,
	FieldAddress,
	FieldID,
}

// SupportedSortFields lists the field names accepted by ParseSort.
func SupportedSortFields() []string {
	out := make([]string, len(sortableFields))
	for i, f := range sortableFields {
		out[i] = string(f)
	}
	return out
}

func sortable(f Field) bool {
	return slices.Contains(sortableFields, f)
}

// ParseSort compiles "field [asc|desc], ..." into a clause. Unknown fields
// are dropped and reported by Rejected; they never make the clause fail.
func ParseSort(expr string) SortClause {
	var s SortClause
	for _, part := range strings.Split(expr, ",") {
		words := strings.Fields(part)
		if len(words) == 0 {
			continue
		}
		f, ok := ParseField(words[0])
		if !ok || !sortable(f) || len(words) > 2 {
			s.rejected = append(s.rejected, strings.TrimSpace(part))
			continue
		}
		sf := SortField{Field: f}
		if len(words) == 2 {
			switch strings.ToLower(words[1]) {
			case "asc":
			case "desc":
				sf.Descending = true
			default:
				s.rejected = append(s.rejected, strings.TrimSpace(part))
				continue
			}
		}
		s.fields = append(s.fields, sf)
	}
	return s
}

// NewSortClause builds a clause from already resolved fields.
func NewSortClause(fields ...SortField) SortClause {
	var s SortClause
	for _, f := range fields {
		if sortable(f.Field) {
			s.fields = append(s.fields, f)
		} else {
			s.rejected = append(s.rejected, string(f.Field))
		}
	}
	return s
}

// IsEmpty reports whether the clause imposes no order.
func (s SortClause) IsEmpty() bool { return len(s.fields) == 0 }

// Fields returns the resolved sort keys.
func (s SortClause) Fields() []SortField { return slices.Clone(s.fields) }

// Rejected returns the parts of the source expression that were dropped.
func (s SortClause) Rejected() []string { return slices.Clone(s.rejected) }

// Equal reports whether both clauses produce the same order.
func (s SortClause) Equal(o SortClause) bool {
	return slices.Equal(s.fields, o.fields)
}

func (s SortClause) String() string {
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		dir := "ASC"
		if f.Descending {
			dir = "DESC"
		}
		parts[i] = string(f.Field) + " " + dir
	}
	return strings.Join(parts, ", ")
}

// Compare returns -1, 0 or +1 ordering a against b.
func (s SortClause) Compare(a, b *schema.Contact) int {
	for _, f := range s.fields {
		ka, kb := sortKey(a, f.Field), sortKey(b, f.Field)
		c := slices.Compare(ka, kb)
		if c == 0 {
			continue
		}
		if f.Descending {
			return -c
		}
		return c
	}
	return 0
}

// Less reports whether a sorts strictly before b.
func (s SortClause) Less(a, b *schema.Contact) bool {
	return s.Compare(a, b) < 0
}

// sortKey extracts the comparable, case-folded representation of a field.
// Missing values compare as the empty string, which sorts first.
func sortKey(c *schema.Contact, f Field) []string {
	if f == FieldName {
		family, given := c.Name()
		if family == "" && given == "" {
			return []string{strings.ToLower(c.DisplayName()), ""}
		}
		return []string{strings.ToLower(family), strings.ToLower(given)}
	}
	vs := values(c, f)
	if len(vs) == 0 {
		return []string{""}
	}
	return []string{strings.ToLower(vs[0])}
}

// InsertPosition returns the index at which c goes into the sorted list:
// after every element that does not sort after it. With an empty clause
// that is the end of the list.
func InsertPosition(list []*schema.Contact, c *schema.Contact, s SortClause) int {
	if s.IsEmpty() {
		return len(list)
	}
	return sort.Search(len(list), func(i int) bool {
		return s.Compare(list[i], c) > 0
	})
}

// InsertSorted inserts c at InsertPosition, keeping equal elements in
// arrival order.
func InsertSorted(list []*schema.Contact, c *schema.Contact, s SortClause) []*schema.Contact {
	return slices.Insert(list, InsertPosition(list, c, s), c)
}

// SortStable reorders list in place.
func SortStable(list []*schema.Contact, s SortClause) {
	if s.IsEmpty() {
		return
	}
	slices.SortStableFunc(list, s.Compare)
}

// IsSorted reports whether list is non-decreasing under s.
func IsSorted(list []*schema.Contact, s SortClause) bool {
	for i := 1; i < len(list); i++ {
		if s.Compare(list[i-1], list[i]) > 0 {
			return false
		}
	}
	return true
}
