package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DecodeRequest parses {"method": ..., "params": ...}.
func DecodeRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("command: decode request: %w", err)
	}
	if strings.TrimSpace(req.Method) == "" {
		return Request{}, fmt.Errorf("command: decode request: %w", ErrInvalidParams)
	}
	return req, nil
}

// DecodeAttributes parses a flat attribute object. A ThingsBoard attribute
// response ({"shared": {...}}) is unwrapped.
func DecodeAttributes(payload []byte) (map[string]any, error) {
	var attrs map[string]any
	if err := json.Unmarshal(payload, &attrs); err != nil {
		return nil, fmt.Errorf("command: decode attributes: %w", err)
	}
	if shared, ok := attrs["shared"].(map[string]any); ok && len(attrs) <= 2 {
		return shared, nil
	}
	return attrs, nil
}

// RequestIDFromTopic returns the last path element of topic.
func RequestIDFromTopic(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// Param looks key up in an object-shaped params value.
func Param(params any, key string) (any, bool) {
	m, ok := params.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Float converts a decoded JSON value to float64.
func Float(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidParams, x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %v is not a number", ErrInvalidParams, v)
	}
}

// Bool converts a decoded JSON value to bool. Numbers are true when non-zero.
func Bool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "on", "1", "yes":
			return true, nil
		case "false", "off", "0", "no":
			return false, nil
		}
		return false, fmt.Errorf("%w: %q is not a boolean", ErrInvalidParams, x)
	default:
		f, err := Float(v)
		if err != nil {
			return false, fmt.Errorf("%w: %v is not a boolean", ErrInvalidParams, v)
		}
		return f != 0, nil
	}
}

// ValueParam accepts either a bare value or {"value": x}.
func ValueParam(params any) (any, bool) {
	if params == nil {
		return nil, false
	}
	if _, isObj := params.(map[string]any); isObj {
		return Param(params, "value")
	}
	return params, true
}
