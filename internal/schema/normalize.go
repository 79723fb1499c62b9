package schema

import (
	"fmt"
	"strings"
)

// Normalize repairs the known shapes of upstream sloppiness before
// validation. It is a separate, explicit step: validation itself never
// coerces, so a caller that wants a single-element list unwrapped into the
// declared scalar has to ask for it here.
//
// Handled repairs:
//   - single-element list where a scalar is declared -> the element
//   - surrounding whitespace on strings -> trimmed
//   - list items and record fields normalized recursively
//
// Anything else (multi-element list for a scalar, wrong element type) is an
// error, never a guess.
func Normalize(value interface{}, ps *PropertySchema) (interface{}, error) {
	if value == nil || ps == nil {
		return value, nil
	}

	scalar := ps.Type != "list" && ps.Type != "record"
	if scalar {
		if items, ok := value.([]interface{}); ok {
			if len(items) != 1 {
				return nil, fmt.Errorf("cannot normalize %d-element list into scalar %s", len(items), ps.Type)
			}
			value = items[0]
		}
		if s, ok := value.(string); ok {
			value = strings.TrimSpace(s)
		}
		return value, nil
	}

	switch ps.Type {
	case "list":
		items, ok := value.([]interface{})
		if !ok {
			// A bare scalar where a list is declared gets wrapped. This is
			// the mirror image of the unwrap above and equally explicit.
			items = []interface{}{value}
		}
		if ps.Items == nil {
			return items, nil
		}
		out := make([]interface{}, len(items))
		for i, item := range items {
			norm, err := Normalize(item, ps.Items)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = norm
		}
		return out, nil

	case "record":
		rec, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("cannot normalize %T into record", value)
		}
		out := make(map[string]interface{}, len(rec))
		for name, fVal := range rec {
			fs := ps.Fields[name]
			if fs == nil {
				out[name] = fVal
				continue
			}
			norm, err := Normalize(fVal, fs)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", name, err)
			}
			out[name] = norm
		}
		return out, nil
	}

	return value, nil
}

// NormalizeProperties applies Normalize to every declared property of a
// node type. Unknown properties pass through untouched so ValidateNode can
// reject them loudly afterwards.
func (r *Registry) NormalizeProperties(nodeType string, properties map[string]interface{}) (map[string]interface{}, error) {
	def, ok := r.catalog.Nodes[nodeType]
	if !ok {
		return nil, fmt.Errorf("unknown node type: %s", nodeType)
	}
	allowed := r.propsFor(def)

	out := make(map[string]interface{}, len(properties))
	for key, value := range properties {
		ps, ok := allowed[key]
		if !ok {
			out[key] = value
			continue
		}
		norm, err := Normalize(value, ps)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", key, err)
		}
		out[key] = norm
	}
	return out, nil
}
