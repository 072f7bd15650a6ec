package addressbook

import (
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/celerix-dev/celerix-addressbook/internal/query"
	"github.com/celerix-dev/celerix-addressbook/internal/vcard"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// codecKey identifies one encoding. Indexed contacts are immutable, so the
// pointer is a valid key for as long as the record lives.
type codecKey struct {
	contact *schema.Contact
	fields  string
}

// codec encodes contacts as vCards and keeps the most recent encodings.
type codec struct {
	cache *lru.Cache[codecKey, string]
}

func newCodec(size int) (*codec, error) {
	if size < 0 {
		return &codec{}, nil
	}
	cache, err := lru.New[codecKey, string](size)
	if err != nil {
		return nil, err
	}
	return &codec{cache: cache}, nil
}

func (c *codec) encode(contact *schema.Contact, types []schema.DetailType) string {
	if c.cache == nil {
		return vcard.Encode(contact, types...)
	}
	key := codecKey{contact: contact, fields: joinTypes(types)}
	if text, ok := c.cache.Get(key); ok {
		return text
	}
	text := vcard.Encode(contact, types...)
	c.cache.Add(key, text)
	return text
}

func joinTypes(types []schema.DetailType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// resolveFields turns a fetch hint into detail types. Names are vCard
// property names or query field names; unknown names are returned apart.
// An empty result means every detail.
func resolveFields(names []string) (types []schema.DetailType, unknown []string) {
	types, rest := vcard.ParseFields(names)
	for _, name := range rest {
		f, ok := query.ParseField(name)
		dts := f.DetailTypes()
		if !ok || len(dts) == 0 {
			unknown = append(unknown, name)
			continue
		}
		for _, t := range dts {
			if !slices.Contains(types, t) {
				types = append(types, t)
			}
		}
	}
	slices.Sort(types)
	return types, unknown
}
