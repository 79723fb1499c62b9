package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() *Catalog {
	return &Catalog{
		Meta: Meta{Version: "test"},
		BaseProperties: map[string]*PropertySchema{
			"context": {
				Type: "list",
				Items: &PropertySchema{
					Type: "record",
					Fields: map[string]*PropertySchema{
						"text":   {Type: "string", Required: true},
						"origin": {Type: "string", Required: true},
					},
				},
			},
			"status": {Type: "enum", Values: []string{"PROVISIONAL", "VERIFIED"}},
		},
		Nodes: map[string]*NodeSchema{
			"Person": {
				Description: "A human being mentioned in the documents.",
				Properties: map[string]*PropertySchema{
					"role":  {Type: "string"},
					"email": {Type: "string"},
				},
			},
			"Project": {
				Description: "A named initiative with a goal.",
				Properties: map[string]*PropertySchema{
					"priority": {Type: "integer"},
				},
			},
		},
		Edges: map[string]*EdgeSchema{
			"WORKS_ON": {SourceTypes: []string{"Person"}, TargetTypes: []string{"Project"}},
			"KNOWS":    {SourceTypes: []string{"Person"}, TargetTypes: []string{"Person"}},
		},
	}
}

func TestValidateNodeAcceptsValidProperties(t *testing.T) {
	r := NewRegistry(testCatalog())

	violations := r.ValidateNode("Person", map[string]interface{}{
		"role":   "Strategy Lead",
		"status": "PROVISIONAL",
		"context": []interface{}{
			map[string]interface{}{"text": "mentioned in kickoff notes", "origin": "doc-1"},
		},
	})

	assert.Empty(t, violations)
}

func TestValidateNodeRejectsUnknownType(t *testing.T) {
	r := NewRegistry(testCatalog())

	violations := r.ValidateNode("Spaceship", map[string]interface{}{})

	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Message, "unknown node type")
}

func TestValidateNodeRejectsListForScalar(t *testing.T) {
	r := NewRegistry(testCatalog())

	// Upstream extraction sometimes emits a list where a scalar is
	// declared. Validation must reject it, never unwrap it.
	violations := r.ValidateNode("Person", map[string]interface{}{
		"role": []interface{}{"Strategy Lead"},
	})

	require.Len(t, violations, 1)
	assert.Equal(t, "role", violations[0].Property)
}

func TestValidateNodeRecursesIntoRecords(t *testing.T) {
	r := NewRegistry(testCatalog())

	violations := r.ValidateNode("Person", map[string]interface{}{
		"context": []interface{}{
			map[string]interface{}{"text": "ok", "origin": "doc-1"},
			map[string]interface{}{"text": "missing origin"},
			map[string]interface{}{"text": 42, "origin": "doc-2"},
		},
	})

	require.Len(t, violations, 2)
	assert.Equal(t, "context[1].origin", violations[0].Property)
	assert.Equal(t, "context[2].text", violations[1].Property)
}

func TestValidateNodeRejectsUnknownProperty(t *testing.T) {
	r := NewRegistry(testCatalog())

	violations := r.ValidateNode("Person", map[string]interface{}{"shoe_size": 44})

	require.Len(t, violations, 1)
	assert.Equal(t, "shoe_size", violations[0].Property)
}

func TestValidateEdge(t *testing.T) {
	r := NewRegistry(testCatalog())

	assert.NoError(t, r.ValidateEdge("WORKS_ON", "Person", "Project"))
	assert.Error(t, r.ValidateEdge("WORKS_ON", "Project", "Person"))
	assert.Error(t, r.ValidateEdge("WORKS_ON", "Person", "Person"))
	assert.Error(t, r.ValidateEdge("FLIES_TO", "Person", "Project"))
}

func TestNormalizeUnwrapsSingleElementList(t *testing.T) {
	ps := &PropertySchema{Type: "string"}

	got, err := Normalize([]interface{}{" Strategy Lead "}, ps)

	require.NoError(t, err)
	assert.Equal(t, "Strategy Lead", got)
}

func TestNormalizeRefusesMultiElementListForScalar(t *testing.T) {
	ps := &PropertySchema{Type: "string"}

	_, err := Normalize([]interface{}{"a", "b"}, ps)

	assert.Error(t, err)
}

func TestNormalizeWrapsScalarIntoList(t *testing.T) {
	ps := &PropertySchema{Type: "list", Items: &PropertySchema{Type: "string"}}

	got, err := Normalize("solo", ps)

	require.NoError(t, err)
	assert.Equal(t, []interface{}{"solo"}, got)
}

func TestFilterKnown(t *testing.T) {
	r := NewRegistry(testCatalog())

	kept, dropped := r.FilterKnown("Person", map[string]interface{}{
		"role":      "Lead",
		"shoe_size": 44,
		"hobby":     "chess",
	})

	assert.Equal(t, map[string]interface{}{"role": "Lead"}, kept)
	assert.Equal(t, []string{"hobby", "shoe_size"}, dropped)
}

func TestDescribeType(t *testing.T) {
	r := NewRegistry(testCatalog())

	assert.Equal(t, "A human being mentioned in the documents.", r.DescribeType("Person"))
	assert.Contains(t, r.DescribeType("Spaceship"), "no description")
}

func TestLoadCatalogFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.json")
	payload := `{
		"meta": {"version": "1"},
		"nodes": {"Person": {"description": "human", "properties": {"role": {"type": "string"}}}},
		"edges": {"KNOWS": {"source_types": ["Person"], "target_types": ["Person"]}}
	}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))

	r, err := Load(path)

	require.NoError(t, err)
	assert.True(t, r.HasNodeType("Person"))
	assert.NoError(t, r.ValidateEdge("KNOWS", "Person", "Person"))
}
