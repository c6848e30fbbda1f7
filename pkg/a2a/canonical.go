// Package a2a implements the Authenticated A2A Message Layer (spec §4.7):
// canonical-JSON message serialization, HMAC-SHA256 signing and the ordered
// verification gates, and a key registry with register/rotate/revoke.
package a2a

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Message is the unsigned base of an agent-to-agent RPC, per spec §3.
type Message struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	ID        *string         `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Canonicalize produces the deterministic serialization used as
// signedPayload: recursively key-sorted, no whitespace, arrays left in
// order, per spec §4.7. Type defaults to "request" when unset.
func Canonicalize(m Message) (string, error) {
	typ := m.Type
	if typ == "" {
		typ = "request"
	}

	var params any
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &params); err != nil {
			return "", err
		}
	}

	obj := map[string]any{
		"type":      typ,
		"from":      m.From,
		"to":        m.To,
		"id":        idValue(m.ID),
		"timestamp": m.Timestamp,
		"method":    m.Method,
	}
	if params != nil {
		obj["params"] = params
	}

	var b strings.Builder
	writeCanonicalValue(&b, obj)
	return b.String(), nil
}

func idValue(id *string) any {
	if id == nil {
		return nil
	}
	return *id
}

// writeCanonicalValue serializes v with object keys sorted and no
// whitespace, matching encoding/json's escaping rules for scalars.
func writeCanonicalValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		writeCanonicalObject(b, val)
	case []any:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonicalValue(b, elem)
		}
		b.WriteByte(']')
	default:
		writeScalar(b, v)
	}
}

func writeCanonicalObject(b *strings.Builder, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeScalar(b, k)
		b.WriteByte(':')
		writeCanonicalValue(b, obj[k])
	}
	b.WriteByte('}')
}

// writeScalar marshals a JSON scalar (string/number/bool/nil) via
// encoding/json to reuse its escaping and float formatting rules.
func writeScalar(b *strings.Builder, v any) {
	switch val := v.(type) {
	case string:
		data, _ := json.Marshal(val)
		b.Write(data)
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case nil:
		b.WriteString("null")
	default:
		data, _ := json.Marshal(val)
		b.Write(data)
	}
}
