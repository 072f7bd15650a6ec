package query

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

func person(id, given, family string, phones ...string) *schema.Contact {
	c := &schema.Contact{ID: id}
	c.Details = append(c.Details,
		schema.Detail{Type: schema.DetailName, Values: []string{family, given}},
		schema.Detail{Type: schema.DetailFullName, Values: []string{given + " " + family}},
		schema.Detail{Type: schema.DetailEmail, Values: []string{fmt.Sprintf("%s@example.org", id)}},
	)
	for _, p := range phones {
		c.Details = append(c.Details, schema.Detail{Type: schema.DetailPhone, Values: []string{p}})
	}
	return c
}

func TestParseValidExpressions(t *testing.T) {
	ada := person("ada", "Ada", "Lovelace", "+44 20 7946 0958")
	alan := person("alan", "Alan", "Turing", "190")

	tests := []struct {
		expr string
		ada  bool
		alan bool
	}{
		{"", true, true},
		{"*", true, true},
		{"none", false, false},
		{`first_name = "ada"`, true, false},
		{`last_name contains ur`, false, true},
		{`name startswith "Love"`, true, false},
		{`phone matches "7946 0958"`, true, false},
		{`phone matches 190`, false, true},
		{`phone matches 90`, false, false},
		{`first_name = ada or first_name = alan`, true, true},
		{`first_name = ada and last_name = turing`, false, false},
		{`not first_name = ada`, false, true},
		{`(first_name = ada or first_name = alan) and not email contains alan`, true, false},
		{`email ~ "@example.org" AND NOT phone matches "190"`, true, false},
		{`full_name ^ "alan t"`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f := Parse(tt.expr)
			require.True(t, f.IsValid(), "err: %v", f.Err())
			assert.Equal(t, tt.ada, f.Test(ada))
			assert.Equal(t, tt.alan, f.Test(alan))
		})
	}
}

func TestParseInvalidExpressions(t *testing.T) {
	c := person("ada", "Ada", "Lovelace")
	for _, expr := range []string{
		`shoe_size = 9`,
		`first_name`,
		`first_name is ada`,
		`first_name = `,
		`(first_name = ada`,
		`first_name = "ada`,
		`first_name = ada)`,
		`and`,
		`first_name = ada or`,
		`not`,
		`$`,
	} {
		t.Run(expr, func(t *testing.T) {
			f := Parse(expr)
			assert.False(t, f.IsValid())
			assert.ErrorIs(t, f.Err(), ErrInvalidFilter)
			assert.False(t, f.Test(c), "invalid filters match nothing")
		})
	}
}

func TestParseBoundsNesting(t *testing.T) {
	c := person("ada", "Ada", "Lovelace")

	nested := func(depth int) string {
		return strings.Repeat("(", depth) + "first_name = ada" + strings.Repeat(")", depth)
	}
	f := Parse(nested(MaxDepth - 1))
	require.True(t, f.IsValid(), "err: %v", f.Err())
	assert.True(t, f.Test(c))

	for name, expr := range map[string]string{
		"parentheses": nested(MaxDepth + 1),
		"not":         strings.Repeat("not ", MaxDepth+1) + "first_name = ada",
		"unbalanced":  strings.Repeat("(", 1_000_000) + "id = x",
		"too long":    "first_name = " + strings.Repeat("a", MaxExpressionLength),
	} {
		t.Run(name, func(t *testing.T) {
			f := Parse(expr)
			assert.False(t, f.IsValid())
			var se *SyntaxError
			assert.ErrorAs(t, f.Err(), &se)
			assert.False(t, f.Test(c))
		})
	}

	deep := Spec{Op: "=", Field: "first_name", Value: "ada"}
	for i := 0; i <= MaxDepth; i++ {
		deep = Spec{Op: "not", Children: []Spec{deep}}
	}
	assert.False(t, FromSpec(deep).IsValid())
}

func TestSyntaxErrorPosition(t *testing.T) {
	f := Parse(`first_name = ada and shoe = 3`)
	var se *SyntaxError
	require.ErrorAs(t, f.Err(), &se)
	assert.Equal(t, 21, se.Pos)
}

func TestFilterIsEmpty(t *testing.T) {
	assert.True(t, Parse("").IsEmpty())
	assert.True(t, Parse("*").IsEmpty())
	assert.False(t, Parse("none").IsEmpty())
	assert.False(t, Parse("first_name = x").IsEmpty())
}

func TestFilterStringRoundTrip(t *testing.T) {
	for _, expr := range []string{
		`first_name = "ada" or (last_name contains "tur" and not phone matches "190")`,
		`not (email startswith "a" or email startswith "b")`,
	} {
		f := Parse(expr)
		require.True(t, f.IsValid())
		again := Parse(f.String())
		require.True(t, again.IsValid(), again.Err())
		assert.Equal(t, f.String(), again.String())
	}
}

func TestPhoneQuery(t *testing.T) {
	n, ok := Parse(`phone matches "1234-5678"`).PhoneQuery()
	require.True(t, ok)
	assert.Equal(t, "12345678", n.Digits)

	_, ok = Parse(`first_name = a and phone matches 12345678`).PhoneQuery()
	assert.True(t, ok)

	_, ok = Parse(`first_name = a or phone matches 12345678`).PhoneQuery()
	assert.False(t, ok)

	_, ok = Parse(`phone matches abc`).PhoneQuery()
	assert.False(t, ok)
}

func TestFromSpec(t *testing.T) {
	ada := person("ada", "Ada", "Lovelace")
	f := FromSpec(Spec{Op: "and", Children: []Spec{
		{Op: "=", Field: "first_name", Value: "ADA"},
		{Op: "not", Children: []Spec{{Op: "contains", Field: "email", Value: "alan"}}},
	}})
	require.True(t, f.IsValid())
	assert.True(t, f.Test(ada))

	assert.True(t, FromSpec(Spec{}).IsEmpty())
	assert.False(t, FromSpec(Spec{Op: "=", Field: "nope"}).IsValid())
	assert.False(t, FromSpec(Spec{Op: "not"}).IsValid())
	assert.False(t, FromSpec(Spec{Op: "like", Field: "email"}).IsValid())
}

func TestParseSort(t *testing.T) {
	s := ParseSort("last_name, first_name DESC, shoe_size, email sideways")
	assert.Equal(t, []SortField{
		{Field: FieldLastName},
		{Field: FieldFirstName, Descending: true},
	}, s.Fields())
	assert.Equal(t, []string{"shoe_size", "email sideways"}, s.Rejected())
	assert.Equal(t, "last_name ASC, first_name DESC", s.String())
	assert.True(t, ParseSort("").IsEmpty())
	assert.True(t, ParseSort("LAST_NAME asc").Equal(ParseSort("last_name")))
}

func TestCompareByName(t *testing.T) {
	s := ParseSort("name")
	a := person("1", "Zed", "Adams")
	b := person("2", "Amy", "Baker")
	c := person("3", "bob", "adams")
	missing := &schema.Contact{ID: "4"}

	assert.Negative(t, s.Compare(a, b), "family name decides first")
	assert.Negative(t, s.Compare(c, a), "case-insensitive, then given name")
	assert.Negative(t, s.Compare(missing, a), "missing sorts first")
	assert.Zero(t, s.Compare(a, a))
}

func TestInsertSortedIsStable(t *testing.T) {
	s := ParseSort("last_name")
	var list []*schema.Contact
	list = InsertSorted(list, person("1", "A", "Smith"), s)
	list = InsertSorted(list, person("2", "B", "Jones"), s)
	list = InsertSorted(list, person("3", "C", "smith"), s)
	list = InsertSorted(list, person("4", "D", "Adams"), s)

	ids := make([]string, len(list))
	for i, c := range list {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"4", "2", "1", "3"}, ids)
}

func TestSortednessUnderRandomInsertion(t *testing.T) {
	families := []string{"Adams", "adams", "Baker", "", "Curie", "curie", "Diaz"}
	givens := []string{"Ann", "bob", "", "Cy"}
	clauses := []SortClause{
		ParseSort("name"),
		ParseSort("last_name desc, first_name"),
		ParseSort("email"),
		ParseSort("first_name desc"),
	}
	rng := rand.New(rand.NewSource(42))
	for _, s := range clauses {
		var list []*schema.Contact
		for i := 0; i < 300; i++ {
			c := person(fmt.Sprintf("%03d", rng.Intn(1000)), givens[rng.Intn(len(givens))], families[rng.Intn(len(families))])
			list = InsertSorted(list, c, s)
			require.True(t, IsSorted(list, s), "clause %s after %d inserts", s, i)
		}
		rng.Shuffle(len(list), func(i, j int) { list[i], list[j] = list[j], list[i] })
		SortStable(list, s)
		assert.True(t, IsSorted(list, s))
	}
}

func TestCompareIsTransitive(t *testing.T) {
	s := ParseSort("name, email desc")
	var pool []*schema.Contact
	for i, fam := range []string{"Ng", "ng", "", "O'Brien", "obrien", "Ng"} {
		pool = append(pool, person(fmt.Sprint(i), "x", fam))
	}
	for _, a := range pool {
		for _, b := range pool {
			assert.Equal(t, -s.Compare(a, b), s.Compare(b, a))
			for _, c := range pool {
				if s.Compare(a, b) <= 0 && s.Compare(b, c) <= 0 {
					assert.LessOrEqual(t, s.Compare(a, c), 0)
				}
			}
		}
	}
}
