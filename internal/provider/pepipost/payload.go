package pepipost

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
)

// Payload is the JSON object posted to the mail/send endpoint. Keys are
// emitted in the order they were first set.
type Payload struct {
	keys   []string
	values map[string]any
}

func newPayload() *Payload {
	return &Payload{values: make(map[string]any)}
}

// Set assigns a top-level key, keeping its original position if it exists.
func (p *Payload) Set(key string, v any) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = v
}

// Get returns the value stored under a top-level key.
func (p *Payload) Get(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Has reports whether key is present.
func (p *Payload) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// Keys returns the top-level keys in emission order.
func (p *Payload) Keys() []string {
	out := make([]string, len(p.keys))
	copy(out, p.keys)
	return out
}

// setPath assigns v at a dotted path, creating intermediate objects. A
// non-negative integer segment steps into an existing array, growing it
// with empty objects. Any other value found along the path is replaced.
func (p *Payload) setPath(path string, v any) {
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		p.Set(path, v)
		return
	}
	p.Set(parts[0], setIn(p.values[parts[0]], parts[1:], v, path))
}

// setIn returns a copy of node with v stored under parts. Maps and slices
// taken from params are never modified in place.
func setIn(node any, parts []string, v any, path string) any {
	if len(parts) == 0 {
		return v
	}
	node = generic(node)
	key := parts[0]

	if arr, ok := node.([]any); ok {
		if i, err := strconv.Atoi(key); err == nil && i >= 0 {
			if i >= maxPersonalizations {
				slog.Warn("ignoring parameter beyond array limit",
					"key", path,
					"index", i,
					"limit", maxPersonalizations,
				)
				return arr
			}
			out := make([]any, max(len(arr), i+1))
			copy(out, arr)
			for j := len(arr); j < len(out); j++ {
				out[j] = make(map[string]any)
			}
			out[i] = setIn(out[i], parts[1:], v, path)
			return out
		}
	}

	obj, _ := node.(map[string]any)
	out := make(map[string]any, len(obj)+1)
	for k, val := range obj {
		out[k] = val
	}
	out[key] = setIn(out[key], parts[1:], v, path)
	return out
}

// generic converts the typed values the builder derives into plain maps
// and slices so a path can be walked through them.
func generic(node any) any {
	switch v := node.(type) {
	case recipient:
		return map[string]any{"email": v.Email, "name": v.Name}
	case content:
		return map[string]any{"type": v.Type, "value": v.Value}
	case attachment:
		return map[string]any{"content": v.Content, "name": v.Name}
	case []recipient:
		return genericSlice(v)
	case []content:
		return genericSlice(v)
	case []map[string]any:
		return genericSlice(v)
	}
	return node
}

func genericSlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, item := range in {
		out[i] = generic(item)
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (p *Payload) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')

		v, err := json.Marshal(p.values[key])
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
