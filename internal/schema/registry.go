package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Violation is one schema check failure. A validation pass collects all of
// them instead of stopping at the first.
type Violation struct {
	Property string
	Message  string
}

func (v Violation) String() string {
	if v.Property == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Property, v.Message)
}

// ViolationError carries the full set of violations for a rejected write.
type ViolationError struct {
	NodeType   string
	Violations []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("schema violation for type %s: %s", e.NodeType, strings.Join(parts, "; "))
}

// Registry serves the type catalog. Pure validation, no state mutation.
type Registry struct {
	catalog *Catalog
}

func NewRegistry(cat *Catalog) *Registry {
	return &Registry{catalog: cat}
}

func Load(path string) (*Registry, error) {
	cat, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(cat), nil
}

func (r *Registry) HasNodeType(nodeType string) bool {
	_, ok := r.catalog.Nodes[nodeType]
	return ok
}

func (r *Registry) NodeTypes() []string {
	types := make([]string, 0, len(r.catalog.Nodes))
	for t := range r.catalog.Nodes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DescribeType returns the human-readable description used to brief the
// judgment oracle about what a node type means.
func (r *Registry) DescribeType(nodeType string) string {
	def, ok := r.catalog.Nodes[nodeType]
	if !ok || def.Description == "" {
		return fmt.Sprintf("(no description available for '%s')", nodeType)
	}
	return def.Description
}

// propsFor merges base properties with the type's own properties.
func (r *Registry) propsFor(def *NodeSchema) map[string]*PropertySchema {
	all := make(map[string]*PropertySchema, len(r.catalog.BaseProperties)+len(def.Properties))
	for k, v := range r.catalog.BaseProperties {
		all[k] = v
	}
	for k, v := range def.Properties {
		all[k] = v
	}
	return all
}

// ValidateNode checks properties against the declared shape of nodeType.
// It never coerces: a list where a scalar is declared is a violation, not a
// value to unwrap. Returns nil when the node is valid.
func (r *Registry) ValidateNode(nodeType string, properties map[string]interface{}) []Violation {
	def, ok := r.catalog.Nodes[nodeType]
	if !ok {
		return []Violation{{Message: fmt.Sprintf("unknown node type: %s", nodeType)}}
	}

	allowed := r.propsFor(def)
	var violations []Violation

	for key, value := range properties {
		ps, ok := allowed[key]
		if !ok {
			violations = append(violations, Violation{Property: key, Message: "unknown property"})
			continue
		}
		violations = append(violations, checkValue(key, value, ps)...)
	}

	for key, ps := range allowed {
		if !ps.Required {
			continue
		}
		v, present := properties[key]
		if !present || v == nil || v == "" {
			violations = append(violations, Violation{Property: key, Message: "missing required property"})
		}
	}

	return violations
}

// ValidateEdge checks that edgeType permits the given endpoint types.
func (r *Registry) ValidateEdge(edgeType, sourceType, targetType string) error {
	def, ok := r.catalog.Edges[edgeType]
	if !ok {
		return fmt.Errorf("unknown edge type: %s", edgeType)
	}
	if !contains(def.SourceTypes, sourceType) {
		return fmt.Errorf("invalid source type '%s' for edge '%s' (allowed: %s)",
			sourceType, edgeType, strings.Join(def.SourceTypes, ", "))
	}
	if !contains(def.TargetTypes, targetType) {
		return fmt.Errorf("invalid target type '%s' for edge '%s' (allowed: %s)",
			targetType, edgeType, strings.Join(def.TargetTypes, ", "))
	}
	return nil
}

// FilterKnown splits properties into those the type declares and those it
// does not. Dropping unknowns is the caller's explicit decision; validation
// itself rejects them.
func (r *Registry) FilterKnown(nodeType string, properties map[string]interface{}) (map[string]interface{}, []string) {
	def, ok := r.catalog.Nodes[nodeType]
	if !ok {
		return nil, nil
	}
	allowed := r.propsFor(def)
	kept := make(map[string]interface{}, len(properties))
	var dropped []string
	for k, v := range properties {
		if _, ok := allowed[k]; ok {
			kept[k] = v
		} else {
			dropped = append(dropped, k)
		}
	}
	sort.Strings(dropped)
	return kept, dropped
}

func checkValue(key string, value interface{}, ps *PropertySchema) []Violation {
	if value == nil {
		return nil
	}

	switch ps.Type {
	case "string":
		if _, ok := value.(string); !ok {
			return []Violation{{Property: key, Message: fmt.Sprintf("expected string, got %T", value)}}
		}

	case "integer":
		switch n := value.(type) {
		case int, int64:
			// ok
		case float64:
			if n != float64(int64(n)) {
				return []Violation{{Property: key, Message: fmt.Sprintf("expected integer, got %v", n)}}
			}
		default:
			return []Violation{{Property: key, Message: fmt.Sprintf("expected integer, got %T", value)}}
		}

	case "float", "number":
		f, ok := asFloat(value)
		if !ok {
			return []Violation{{Property: key, Message: fmt.Sprintf("expected number, got %T", value)}}
		}
		if ps.Min != nil && f < *ps.Min {
			return []Violation{{Property: key, Message: fmt.Sprintf("value %v below min %v", f, *ps.Min)}}
		}
		if ps.Max != nil && f > *ps.Max {
			return []Violation{{Property: key, Message: fmt.Sprintf("value %v above max %v", f, *ps.Max)}}
		}

	case "boolean":
		if _, ok := value.(bool); !ok {
			return []Violation{{Property: key, Message: fmt.Sprintf("expected boolean, got %T", value)}}
		}

	case "enum":
		s, ok := value.(string)
		if !ok || !contains(ps.Values, s) {
			return []Violation{{Property: key, Message: fmt.Sprintf("value '%v' not in enum %v", value, ps.Values)}}
		}

	case "timestamp", "date":
		s, ok := value.(string)
		if !ok {
			return []Violation{{Property: key, Message: fmt.Sprintf("expected ISO timestamp string, got %T", value)}}
		}
		if !isISOTime(s) {
			return []Violation{{Property: key, Message: fmt.Sprintf("invalid ISO format: '%s'", s)}}
		}

	case "list":
		items, ok := value.([]interface{})
		if !ok {
			return []Violation{{Property: key, Message: fmt.Sprintf("expected list, got %T", value)}}
		}
		if ps.Items == nil {
			return nil
		}
		var violations []Violation
		for i, item := range items {
			violations = append(violations, checkValue(fmt.Sprintf("%s[%d]", key, i), item, ps.Items)...)
		}
		return violations

	case "record":
		rec, ok := value.(map[string]interface{})
		if !ok {
			return []Violation{{Property: key, Message: fmt.Sprintf("expected record, got %T", value)}}
		}
		var violations []Violation
		for fName, fVal := range rec {
			fs, ok := ps.Fields[fName]
			if !ok {
				violations = append(violations, Violation{Property: key + "." + fName, Message: "unknown field"})
				continue
			}
			violations = append(violations, checkValue(key+"."+fName, fVal, fs)...)
		}
		for fName, fs := range ps.Fields {
			if fs.Required {
				if v, present := rec[fName]; !present || v == nil || v == "" {
					violations = append(violations, Violation{Property: key + "." + fName, Message: "missing required field"})
				}
			}
		}
		return violations

	default:
		return []Violation{{Property: key, Message: fmt.Sprintf("schema declares unsupported type '%s'", ps.Type)}}
	}

	return nil
}

func asFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func isISOTime(s string) bool {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
