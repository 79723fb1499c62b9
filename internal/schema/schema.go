package schema

import (
	"encoding/json"
	"fmt"
	"os"
)

// PropertySchema describes one property value. List and record types nest
// recursively via Items and Fields.
type PropertySchema struct {
	Type     string                     `json:"type"` // string, integer, float, boolean, enum, timestamp, list, record
	Required bool                       `json:"required,omitempty"`
	Values   []string                   `json:"values,omitempty"` // enum only
	Min      *float64                   `json:"min,omitempty"`
	Max      *float64                   `json:"max,omitempty"`
	Items    *PropertySchema            `json:"items,omitempty"`  // list only
	Fields   map[string]*PropertySchema `json:"fields,omitempty"` // record only
}

type NodeSchema struct {
	Description string                     `json:"description"`
	Properties  map[string]*PropertySchema `json:"properties"`
}

type EdgeSchema struct {
	Description string   `json:"description,omitempty"`
	SourceTypes []string `json:"source_types"`
	TargetTypes []string `json:"target_types"`
}

type Meta struct {
	Version string `json:"version"`
}

// Catalog is the on-disk type catalog. BaseProperties apply to every node
// type in addition to its own properties.
type Catalog struct {
	Meta           Meta                       `json:"meta"`
	BaseProperties map[string]*PropertySchema `json:"base_properties"`
	Nodes          map[string]*NodeSchema     `json:"nodes"`
	Edges          map[string]*EdgeSchema     `json:"edges"`
}

func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file '%s': %w", path, err)
	}

	var cat Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse schema JSON: %w", err)
	}
	if len(cat.Nodes) == 0 {
		return nil, fmt.Errorf("schema '%s' defines no node types", path)
	}
	return &cat, nil
}
