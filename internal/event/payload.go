package event

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Kind tags which representation a Payload carries.
type Kind string

const (
	KindJSON Kind = "json"
	KindForm Kind = "form"
	KindText Kind = "text"
)

const (
	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"
)

// Payload holds exactly one of a parsed JSON tree, a flat form map or raw
// text. It marshals as the bare value so subscribers see the body as sent.
type Payload struct {
	Kind Kind
	JSON any
	Form map[string]string
	Text string
}

// replacementChar stands in for invalid UTF-8 and for NUL, which jsonb
// cannot store.
const replacementChar = "\uFFFD"

// Normalize interprets body according to the declared content type. The
// content type is trusted; nothing is sniffed. Malformed JSON and empty
// values (null, false, 0, "", [], {}) become an empty object so the attempt
// is still recorded. Every string in the result is valid UTF-8 without NUL.
func Normalize(contentType string, body []byte) Payload {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, contentTypeJSON):
		var v any
		if err := json.Unmarshal(body, &v); err != nil || isEmptyJSON(v) {
			v = map[string]any{}
		}
		return Payload{Kind: KindJSON, JSON: cleanValue(v)}
	case strings.Contains(ct, contentTypeForm):
		// ParseQuery keeps every pair it could parse even when it reports an error.
		values, _ := url.ParseQuery(string(body))
		form := make(map[string]string, len(values))
		for k, vs := range values {
			if len(vs) > 0 {
				form[CleanText(k)] = CleanText(vs[0])
			}
		}
		return Payload{Kind: KindForm, Form: form}
	default:
		return Payload{Kind: KindText, Text: CleanText(string(body))}
	}
}

func isEmptyJSON(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case float64:
		return x == 0
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}

// CleanText replaces invalid UTF-8 and NUL bytes with U+FFFD.
func CleanText(s string) string {
	s = strings.ToValidUTF8(s, replacementChar)
	if strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(s, "\x00", replacementChar)
}

// CleanHeaders returns a copy of h with every name and value passed through
// CleanText. A nil map yields an empty one.
func CleanHeaders(h map[string]string) map[string]string { return cleanStrings(h) }

func cleanStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[CleanText(k)] = CleanText(v)
	}
	return out
}

func cleanValue(v any) any {
	switch x := v.(type) {
	case string:
		return CleanText(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cleanValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[CleanText(k)] = cleanValue(e)
		}
		return out
	}
	return v
}

// Clean returns a copy of p whose strings have been passed through CleanText.
func (p Payload) Clean() Payload {
	switch p.Kind {
	case KindJSON:
		p.JSON = cleanValue(p.JSON)
	case KindForm:
		p.Form = cleanStrings(p.Form)
	default:
		p.Text = CleanText(p.Text)
	}
	return p
}

// Value returns the representation selected by Kind.
func (p Payload) Value() any {
	switch p.Kind {
	case KindJSON:
		return p.JSON
	case KindForm:
		if p.Form == nil {
			return map[string]string{}
		}
		return p.Form
	default:
		return p.Text
	}
}

func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Value())
}

// Decode rebuilds a Payload from its stored kind and JSON-encoded value.
func Decode(kind Kind, raw []byte) (Payload, error) {
	p := Payload{Kind: kind}
	var err error
	switch kind {
	case KindJSON:
		err = json.Unmarshal(raw, &p.JSON)
	case KindForm:
		err = json.Unmarshal(raw, &p.Form)
	case KindText:
		err = json.Unmarshal(raw, &p.Text)
	default:
		return Payload{}, fmt.Errorf("decode payload: unknown kind %q", kind)
	}
	if err != nil {
		return Payload{}, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
