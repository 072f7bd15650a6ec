// Package schema defines the contact structures shared by the address book,
// its transports and its clients.
package schema

import (
	"strings"
)

// DetailType tags a detail value. The values double as vCard property names.
type DetailType string

const (
	DetailName         DetailType = "N"
	DetailFullName     DetailType = "FN"
	DetailNickname     DetailType = "NICKNAME"
	DetailBirthday     DetailType = "BDAY"
	DetailPhoto        DetailType = "PHOTO"
	DetailRole         DetailType = "ROLE"
	DetailOrganization DetailType = "ORG"
	DetailEmail        DetailType = "EMAIL"
	DetailPhone        DetailType = "TEL"
	DetailAddress      DetailType = "ADR"
	DetailIM           DetailType = "IMPP"
	DetailURL          DetailType = "URL"
	DetailNote         DetailType = "NOTE"
)

// Indexes into Detail.Values for structured name details (vCard N order).
const (
	NameFamily = iota
	NameGiven
	NameAdditional
	NamePrefix
	NameSuffix
)

// ParamType is the detail parameter carrying contexts such as "home" or "cell".
const ParamType = "TYPE"

// Handle identifies a contact inside the backend that produced it.
// Only equality is meaningful; the address book never interprets it.
type Handle struct {
	source string
	key    string
}

// NewHandle builds a handle for the given backend source and native key.
func NewHandle(source, key string) Handle {
	return Handle{source: source, key: key}
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h.source == "" && h.key == ""
}

// Key returns the backend-native key.
func (h Handle) Key() string {
	return h.key
}

func (h Handle) String() string {
	return h.source + ":" + h.key
}

// Detail is one typed value of a contact.
type Detail struct {
	Type DetailType `json:"type"`
	// Values holds the structured components. Single valued details use Values[0].
	Values []string `json:"values"`
	// Params holds free-form attributes such as TYPE contexts.
	Params map[string][]string `json:"params,omitempty"`
	// URI routes updates back to the constituent source ("<source index>.<n>").
	URI         string `json:"uri,omitempty"`
	ReadOnly    bool   `json:"read_only,omitempty"`
	Irremovable bool   `json:"irremovable,omitempty"`
	// Preferred marks the detail to use by default for its action (call, mail...).
	Preferred bool `json:"preferred,omitempty"`
}

// Value returns the first component of the detail.
func (d Detail) Value() string {
	if len(d.Values) == 0 {
		return ""
	}
	return d.Values[0]
}

// Component returns the i-th structured component or "".
func (d Detail) Component(i int) string {
	if i < 0 || i >= len(d.Values) {
		return ""
	}
	return d.Values[i]
}

// Contexts returns the TYPE parameters of the detail.
func (d Detail) Contexts() []string {
	return d.Params[ParamType]
}

// Source is one constituent of an aggregated contact.
type Source struct {
	Index string `json:"index"`
	URI   string `json:"uri"`
}

// Contact is one aggregated identity. A Contact held by the index is never
// mutated; updates produce a new value.
type Contact struct {
	ID       string   `json:"id"`
	Revision string   `json:"revision,omitempty"`
	Details  []Detail `json:"details"`
	Sources  []Source `json:"sources,omitempty"`
	Handle   Handle   `json:"-"`
}

// DetailsOf returns every detail of type t in record order.
func (c *Contact) DetailsOf(t DetailType) []Detail {
	var out []Detail
	for _, d := range c.Details {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

// First returns the first detail of type t.
func (c *Contact) First(t DetailType) (Detail, bool) {
	for _, d := range c.Details {
		if d.Type == t {
			return d, true
		}
	}
	return Detail{}, false
}

// Values returns the first component of every detail of type t.
func (c *Contact) Values(t DetailType) []string {
	var out []string
	for _, d := range c.Details {
		if d.Type == t {
			out = append(out, d.Value())
		}
	}
	return out
}

// Name returns the family and given name components.
func (c *Contact) Name() (family, given string) {
	n, ok := c.First(DetailName)
	if !ok {
		return "", ""
	}
	return n.Component(NameFamily), n.Component(NameGiven)
}

// DisplayName picks the best label for the contact.
func (c *Contact) DisplayName() string {
	if fn, ok := c.First(DetailFullName); ok && fn.Value() != "" {
		return fn.Value()
	}
	family, given := c.Name()
	if name := strings.TrimSpace(given + " " + family); name != "" {
		return name
	}
	for _, t := range []DetailType{DetailNickname, DetailOrganization, DetailEmail, DetailPhone} {
		if d, ok := c.First(t); ok && d.Value() != "" {
			return d.Value()
		}
	}
	return ""
}

// PhoneNumbers returns the raw phone numbers of the contact.
func (c *Contact) PhoneNumbers() []string {
	return c.Values(DetailPhone)
}

// Clone returns a deep copy of c, handle included.
func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	out := &Contact{
		ID:       c.ID,
		Revision: c.Revision,
		Handle:   c.Handle,
	}
	if c.Details != nil {
		out.Details = make([]Detail, len(c.Details))
		for i, d := range c.Details {
			out.Details[i] = d.clone()
		}
	}
	if c.Sources != nil {
		out.Sources = append([]Source(nil), c.Sources...)
	}
	return out
}

func (d Detail) clone() Detail {
	out := d
	if d.Values != nil {
		out.Values = append([]string(nil), d.Values...)
	}
	if d.Params != nil {
		out.Params = make(map[string][]string, len(d.Params))
		for k, v := range d.Params {
			out.Params[k] = append([]string(nil), v...)
		}
	}
	return out
}
