package domain

import (
	"encoding/json"
	"fmt"
)

// Payload carries the body of a command, query or event.
type Payload map[string]any

// State is the folded state of an aggregate or projection.
type State = Payload

// Clone returns a deep copy of the payload. Nested maps and slices are copied,
// scalar values are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return cloneMap(p)
}

// String returns the value at key as a string, or "" when absent.
func (p Payload) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Float returns the value at key as a float64. Integer values are converted.
func (p Payload) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// DecodePayload converts a payload into a typed struct.
func DecodePayload(p Payload, target any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode payload into %T: %w", target, err)
	}
	return nil
}

// EncodePayload converts a typed struct into a payload.
func EncodePayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %T into payload: %w", v, err)
	}
	return p, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Payload:
		return Payload(cloneMap(t))
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
