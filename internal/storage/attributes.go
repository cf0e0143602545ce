package storage

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// KeyLastInteraction holds the RFC3339 timestamp of the most recent inbound
// message from a recipient.
const KeyLastInteraction = "last_interaction_at"

// KeyLastDelivery holds the time of the most recent outbound delivery. It
// never affects the session window.
const KeyLastDelivery = "last_delivery_at"

// Attributes is the schema-less per-recipient document ("notes").
//
// Values stay as raw JSON so keys written by other processes survive a
// read-modify-write cycle untouched.
type Attributes map[string]json.RawMessage

// ParseAttributes decodes a stored document. Malformed or empty input yields
// an empty document rather than an error.
func ParseAttributes(b []byte) Attributes {
	if len(b) == 0 {
		return Attributes{}
	}
	var a Attributes
	if err := json.Unmarshal(b, &a); err != nil || a == nil {
		return Attributes{}
	}
	return a
}

// Encode serialises the document; a nil document encodes as "{}".
func (a Attributes) Encode() ([]byte, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]json.RawMessage(a))
}

func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (a Attributes) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Get decodes key into v. It reports false when the key is missing or does
// not decode.
func (a Attributes) Get(key string, v any) bool {
	raw, ok := a[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func (a Attributes) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a[key] = b
	return nil
}

func (a Attributes) Delete(key string) { delete(a, key) }

// Time reads an RFC3339 timestamp.
func (a Attributes) Time(key string) (time.Time, bool) {
	var s string
	if !a.Get(key, &s) || strings.TrimSpace(s) == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (a Attributes) SetTime(key string, t time.Time) {
	_ = a.Set(key, t.UTC().Format(time.RFC3339Nano))
}

// KeysWithPrefix returns matching keys in lexical order.
func (a Attributes) KeysWithPrefix(prefix string) []string {
	var out []string
	for k := range a {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
