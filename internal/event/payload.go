package event

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"golang.org/x/text/unicode/norm"
)

// Payload is an ordered key/value mapping representing one wire-ready event.
//
// Keys keep their first insertion position; re-adding a key replaces the
// value in place. A Payload is not safe for concurrent mutation. Once handed
// to a queue it is treated as immutable, except for late fields such as the
// sent timestamp which the emitter adds to its own copy.
type Payload struct {
	keys   []string
	values map[string]any
}

// NewPayload creates an empty payload.
func NewPayload() *Payload {
	return &Payload{values: make(map[string]any)}
}

// Add sets a string field. Empty values are skipped so optional fields never
// reach the wire as "". Strings are NFC normalized.
func (p *Payload) Add(key, value string) {
	if value == "" {
		return
	}
	p.set(key, norm.NFC.String(value))
}

// AddValue sets a field to an arbitrary JSON-encodable value. Nil is skipped.
func (p *Payload) AddValue(key string, value any) {
	if value == nil {
		return
	}
	if s, ok := value.(string); ok {
		p.Add(key, s)
		return
	}
	p.set(key, value)
}

// AddMap copies every entry of m into the payload in sorted key order.
func (p *Payload) AddMap(m map[string]any) {
	for _, k := range sortedKeys(m) {
		p.AddValue(k, m[k])
	}
}

// AddJSON encodes v as JSON and stores it under keyPlain, or base64url
// encoded (no padding) under keyEncoded when encode is true.
func (p *Payload) AddJSON(v any, encode bool, keyEncoded, keyPlain string) error {
	data, err := marshalNoEscape(v)
	if err != nil {
		return fmt.Errorf("add json %s: %w", keyPlain, err)
	}
	if encode {
		p.set(keyEncoded, base64.RawURLEncoding.EncodeToString(data))
		return nil
	}
	p.set(keyPlain, norm.NFC.String(string(data)))
	return nil
}

// Get returns the value stored under key.
func (p *Payload) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// GetString returns the value under key if it is a string.
func (p *Payload) GetString(key string) string {
	s, _ := p.values[key].(string)
	return s
}

// Keys returns the field names in wire order. The slice is a copy.
func (p *Payload) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// Len returns the number of fields.
func (p *Payload) Len() int {
	return len(p.keys)
}

// Map returns an owned copy of the fields. Nested values are shared.
func (p *Payload) Map() map[string]any {
	out := make(map[string]any, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Copy returns a shallow copy that can be mutated independently.
func (p *Payload) Copy() *Payload {
	c := &Payload{
		keys:   make([]string, len(p.keys)),
		values: make(map[string]any, len(p.values)),
	}
	copy(c.keys, p.keys)
	for k, v := range p.values {
		c.values[k] = v
	}
	return c
}

// ByteSize estimates the on-wire size as the length of the JSON encoding.
// Returns 0 if the payload cannot be encoded.
func (p *Payload) ByteSize() int {
	data, err := p.MarshalJSON()
	if err != nil {
		return 0
	}
	return len(data)
}

// QueryString encodes the fields as GET parameters, the form a GET request
// puts on the wire. Non-string values use their JSON encoding; values that
// cannot be encoded are left out.
func (p *Payload) QueryString() string {
	values := url.Values{}
	for _, key := range p.keys {
		switch v := p.values[key].(type) {
		case string:
			values.Set(key, v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			values.Set(key, string(data))
		}
	}
	return values.Encode()
}

// MarshalJSON encodes the fields as a JSON object in insertion order.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := marshalNoEscape(k)
		if err != nil {
			return nil, fmt.Errorf("marshal payload key %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := marshalNoEscape(p.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshal payload value %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order. Numbers decode
// as json.Number to avoid float precision loss on large integers.
func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("unmarshal payload: expected object, got %v", tok)
	}

	p.keys = p.keys[:0]
	p.values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("unmarshal payload key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unmarshal payload: non-string key %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("unmarshal payload value %q: %w", key, err)
		}
		p.set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

func (p *Payload) set(key string, value any) {
	if p.values == nil {
		p.values = make(map[string]any)
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// marshalNoEscape encodes v without HTML escaping so the byte size matches
// what the collector receives.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encoder adds a trailing newline
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
