package query

import (
	"strings"

	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// Field names a queryable and sortable attribute of a contact.
type Field string

const (
	FieldID           Field = "id"
	FieldName         Field = "name"
	FieldFirstName    Field = "first_name"
	FieldLastName     Field = "last_name"
	FieldFullName     Field = "full_name"
	FieldNickname     Field = "nickname"
	FieldPhone        Field = "phone"
	FieldEmail        Field = "email"
	FieldAddress      Field = "address"
	FieldOrganization Field = "organization"
	FieldBirthday     Field = "birthday"
	FieldIM           Field = "im"
	FieldURL          Field = "url"
	FieldNote         Field = "note"
	// FieldSource reads the URIs of the constituent sources.
	FieldSource Field = "source"
)

var knownFields = map[Field]bool{
	FieldID:           true,
	FieldName:         true,
	FieldFirstName:    true,
	FieldLastName:     true,
	FieldFullName:     true,
	FieldNickname:     true,
	FieldPhone:        true,
	FieldEmail:        true,
	FieldAddress:      true,
	FieldOrganization: true,
	FieldBirthday:     true,
	FieldIM:           true,
	FieldURL:          true,
	FieldNote:         true,
	FieldSource:       true,
}

// ParseField resolves a field name case-insensitively.
func ParseField(name string) (Field, bool) {
	f := Field(strings.ToLower(strings.TrimSpace(name)))
	return f, knownFields[f]
}

// DetailTypes returns the detail types a field reads.
func (f Field) DetailTypes() []schema.DetailType {
	switch f {
	case FieldName, FieldFirstName, FieldLastName:
		return []schema.DetailType{schema.DetailName, schema.DetailFullName}
	case FieldFullName:
		return []schema.DetailType{schema.DetailFullName}
	case FieldNickname:
		return []schema.DetailType{schema.DetailNickname}
	case FieldPhone:
		return []schema.DetailType{schema.DetailPhone}
	case FieldEmail:
		return []schema.DetailType{schema.DetailEmail}
	case FieldAddress:
		return []schema.DetailType{schema.DetailAddress}
	case FieldOrganization:
		return []schema.DetailType{schema.DetailOrganization}
	case FieldBirthday:
		return []schema.DetailType{schema.DetailBirthday}
	case FieldIM:
		return []schema.DetailType{schema.DetailIM}
	case FieldURL:
		return []schema.DetailType{schema.DetailURL}
	case FieldNote:
		return []schema.DetailType{schema.DetailNote}
	}
	return nil
}

// values returns every value of field f in c, as written.
func values(c *schema.Contact, f Field) []string {
	switch f {
	case FieldID:
		return []string{c.ID}
	case FieldFirstName:
		_, given := c.Name()
		return nonEmpty(given)
	case FieldLastName:
		family, _ := c.Name()
		return nonEmpty(family)
	case FieldName:
		var out []string
		for _, n := range c.DetailsOf(schema.DetailName) {
			out = append(out, nonEmpty(n.Values...)...)
		}
		return append(out, nonEmpty(c.Values(schema.DetailFullName)...)...)
	case FieldAddress:
		var out []string
		for _, a := range c.DetailsOf(schema.DetailAddress) {
			out = append(out, nonEmpty(a.Values...)...)
		}
		return out
	case FieldSource:
		out := make([]string, 0, len(c.Sources))
		for _, s := range c.Sources {
			out = append(out, s.URI)
		}
		return nonEmpty(out...)
	}

	types := f.DetailTypes()
	if len(types) != 1 {
		return nil
	}
	return nonEmpty(c.Values(types[0])...)
}

func nonEmpty(in ...string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
