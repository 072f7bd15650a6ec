// Package vcard converts contacts to and from vCard 3.0 text.
//
// Besides the standard properties the codec carries the provenance of
// aggregated contacts: CLIENTPIDMAP lists the constituent sources, and every
// property may carry the parameters PID (the detail URI), READ-ONLY=YES,
// IRREMOVABLE=YES and PREF=1.
package vcard

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

// Property and parameter names of the provenance extensions.
const (
	PropPidMap       = "CLIENTPIDMAP"
	ParamPID         = "PID"
	ParamPref        = "PREF"
	ParamReadOnly    = "READ-ONLY"
	ParamIrremovable = "IRREMOVABLE"

	propUID = "UID"
	propRev = "REV"
)

// ErrMalformed is wrapped by every decoding error.
var ErrMalformed = errors.New("malformed vcard")

const maxLineOctets = 75

// structured lists the properties whose value is a ';' separated list.
var structured = map[schema.DetailType]bool{
	schema.DetailName:         true,
	schema.DetailAddress:      true,
	schema.DetailOrganization: true,
}

var detailTypes = map[string]schema.DetailType{
	"N":        schema.DetailName,
	"FN":       schema.DetailFullName,
	"NICKNAME": schema.DetailNickname,
	"BDAY":     schema.DetailBirthday,
	"PHOTO":    schema.DetailPhoto,
	"ROLE":     schema.DetailRole,
	"ORG":      schema.DetailOrganization,
	"EMAIL":    schema.DetailEmail,
	"TEL":      schema.DetailPhone,
	"ADR":      schema.DetailAddress,
	"IMPP":     schema.DetailIM,
	"URL":      schema.DetailURL,
	"NOTE":     schema.DetailNote,
}

// ParseFields resolves vCard property names such as "TEL" or "email".
// Unknown names are returned separately.
func ParseFields(names []string) (types []schema.DetailType, unknown []string) {
	for _, n := range names {
		t, ok := detailTypes[strings.ToUpper(strings.TrimSpace(n))]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		if !slices.Contains(types, t) {
			types = append(types, t)
		}
	}
	return types, unknown
}

// Encode renders c as a vCard. When fields is not empty only details of
// those types are written; UID, REV and CLIENTPIDMAP are always present.
func Encode(c *schema.Contact, fields ...schema.DetailType) string {
	var w writer
	w.line("BEGIN", nil, "VCARD")
	w.line("VERSION", nil, "3.0")
	if c.ID != "" {
		w.line(propUID, nil, escape(c.ID))
	}
	if c.Revision != "" {
		w.line(propRev, nil, escape(c.Revision))
	}
	for _, s := range c.Sources {
		w.line(PropPidMap, nil, escape(s.Index)+";"+escape(s.URI))
	}
	for _, d := range c.Details {
		if len(fields) > 0 && !slices.Contains(fields, d.Type) {
			continue
		}
		w.line(string(d.Type), detailParams(d), detailValue(d))
	}
	w.line("END", nil, "VCARD")
	return w.String()
}

// EncodeAll renders every contact with Encode.
func EncodeAll(cs []*schema.Contact, fields ...schema.DetailType) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = Encode(c, fields...)
	}
	return out
}

func detailValue(d schema.Detail) string {
	if !structured[d.Type] {
		return escape(d.Value())
	}
	parts := make([]string, len(d.Values))
	for i, v := range d.Values {
		parts[i] = escape(v)
	}
	return strings.Join(parts, ";")
}

type param struct {
	name   string
	values []string
}

func detailParams(d schema.Detail) []param {
	var out []param
	if ctx := d.Params[schema.ParamType]; len(ctx) > 0 {
		out = append(out, param{schema.ParamType, ctx})
	}
	keys := make([]string, 0, len(d.Params))
	for k := range d.Params {
		if k != schema.ParamType {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, param{k, d.Params[k]})
	}
	if d.URI != "" {
		out = append(out, param{ParamPID, []string{d.URI}})
	}
	if d.ReadOnly {
		out = append(out, param{ParamReadOnly, []string{"YES"}})
	}
	if d.Irremovable {
		out = append(out, param{ParamIrremovable, []string{"YES"}})
	}
	if d.Preferred {
		out = append(out, param{ParamPref, []string{"1"}})
	}
	return out
}

type writer struct {
	b strings.Builder
}

func (w *writer) String() string { return w.b.String() }

func (w *writer) line(name string, params []param, value string) {
	var l strings.Builder
	l.WriteString(name)
	for _, p := range params {
		l.WriteByte(';')
		l.WriteString(p.name)
		l.WriteByte('=')
		for i, v := range p.values {
			if i > 0 {
				l.WriteByte(',')
			}
			l.WriteString(quoteParam(v))
		}
	}
	l.WriteByte(':')
	l.WriteString(value)
	w.fold(l.String())
}

// fold writes s split into lines of at most maxLineOctets octets, never
// cutting a UTF-8 sequence. Continuation lines start with a space.
func (w *writer) fold(s string) {
	limit := maxLineOctets
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8Start(s[cut]) {
			cut--
		}
		w.b.WriteString(s[:cut])
		w.b.WriteString("\r\n ")
		s = s[cut:]
		limit = maxLineOctets - 1
	}
	w.b.WriteString(s)
	w.b.WriteString("\r\n")
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

func quoteParam(v string) string {
	if strings.ContainsAny(v, ":;,") {
		return `"` + strings.ReplaceAll(v, `"`, "'") + `"`
	}
	return v
}

func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
		case ',':
			b.WriteString(`\,`)
		case ';':
			b.WriteString(`\;`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Decode parses exactly one vCard.
func Decode(text string) (*schema.Contact, error) {
	cs, err := DecodeAll(text)
	if err != nil {
		return nil, err
	}
	if len(cs) != 1 {
		return nil, fmt.Errorf("%w: expected one card, found %d", ErrMalformed, len(cs))
	}
	return cs[0], nil
}

// DecodeAll parses every vCard in text. Unknown properties are ignored.
func DecodeAll(text string) ([]*schema.Contact, error) {
	var (
		out []*schema.Contact
		cur *schema.Contact
	)
	for n, raw := range unfold(text) {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		name, params, value, err := splitLine(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, n+1, err)
		}

		switch {
		case name == "BEGIN" && strings.EqualFold(value, "VCARD"):
			if cur != nil {
				return nil, fmt.Errorf("%w: line %d: nested BEGIN", ErrMalformed, n+1)
			}
			cur = &schema.Contact{}
			continue
		case name == "END" && strings.EqualFold(value, "VCARD"):
			if cur == nil {
				return nil, fmt.Errorf("%w: line %d: END without BEGIN", ErrMalformed, n+1)
			}
			out = append(out, cur)
			cur = nil
			continue
		case cur == nil:
			return nil, fmt.Errorf("%w: line %d: property outside a card", ErrMalformed, n+1)
		}

		switch name {
		case propUID:
			cur.ID = unescape(value)
		case propRev:
			cur.Revision = unescape(value)
		case PropPidMap:
			parts := splitValue(value)
			if len(parts) != 2 {
				return nil, fmt.Errorf("%w: line %d: %s needs an index and a URI", ErrMalformed, n+1, PropPidMap)
			}
			cur.Sources = append(cur.Sources, schema.Source{Index: parts[0], URI: parts[1]})
		default:
			t, ok := detailTypes[name]
			if !ok {
				continue
			}
			cur.Details = append(cur.Details, buildDetail(t, params, value))
		}
	}
	if cur != nil {
		return nil, fmt.Errorf("%w: missing END:VCARD", ErrMalformed)
	}
	return out, nil
}

func buildDetail(t schema.DetailType, params map[string][]string, value string) schema.Detail {
	d := schema.Detail{Type: t}
	if structured[t] {
		d.Values = splitValue(value)
	} else {
		d.Values = []string{unescape(value)}
	}

	for k, vs := range params {
		switch k {
		case ParamPID:
			d.URI = first(vs)
		case ParamReadOnly:
			d.ReadOnly = strings.EqualFold(first(vs), "YES")
		case ParamIrremovable:
			d.Irremovable = strings.EqualFold(first(vs), "YES")
		case ParamPref:
			d.Preferred = true
		case schema.ParamType:
			for _, v := range vs {
				v = strings.ToLower(v)
				if v == "pref" {
					d.Preferred = true
					continue
				}
				if d.Params == nil {
					d.Params = make(map[string][]string)
				}
				d.Params[k] = append(d.Params[k], v)
			}
		default:
			if d.Params == nil {
				d.Params = make(map[string][]string)
			}
			d.Params[k] = vs
		}
	}
	return d
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// unfold joins folded lines and splits text into logical lines.
func unfold(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if len(l) > 0 && (l[0] == ' ' || l[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += l[1:]
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// splitLine separates "group.NAME;P=V;P2=V:value". Parameters without a
// '=' are vCard 2.1 shorthands for TYPE.
func splitLine(line string) (name string, params map[string][]string, value string, err error) {
	colon := -1
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case ':':
			if !inQuote {
				colon = i
			}
		}
		if colon >= 0 {
			break
		}
	}
	if colon < 0 {
		return "", nil, "", errors.New("missing ':'")
	}

	head, value := line[:colon], line[colon+1:]
	fields := splitParams(head)
	name = strings.ToUpper(fields[0])
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[dot+1:]
	}
	if name == "" {
		return "", nil, "", errors.New("empty property name")
	}

	for _, f := range fields[1:] {
		if params == nil {
			params = make(map[string][]string)
		}
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			params[schema.ParamType] = append(params[schema.ParamType], f)
			continue
		}
		k = strings.ToUpper(k)
		for _, item := range splitQuoted(v, ',') {
			item = strings.Trim(item, `"`)
			if k == schema.ParamType {
				params[k] = append(params[k], strings.Split(item, ",")...)
				continue
			}
			params[k] = append(params[k], item)
		}
	}
	return name, params, value, nil
}

func splitParams(head string) []string {
	return splitQuoted(head, ';')
}

func splitQuoted(s string, sep byte) []string {
	var out []string
	start, inQuote := 0, false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case sep:
			if !inQuote {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

// splitValue splits a structured value on unescaped ';' and unescapes the parts.
func splitValue(v string) []string {
	var (
		out []string
		b   strings.Builder
	)
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\\' && i+1 < len(v) {
			b.WriteByte('\\')
			b.WriteByte(v[i+1])
			i++
			continue
		}
		if c == ';' {
			out = append(out, unescape(b.String()))
			b.Reset()
			continue
		}
		b.WriteByte(c)
	}
	return append(out, unescape(b.String()))
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
