// Package schema infers JSON Schemas for capability parameters from code
// usage and computes provides-edge coverage between a producer's output
// schema and a consumer's input schema (spec §3 ProvidesEdge, §4.1 step 3,
// §4.6 Schema Inferrer). Grounded on the teacher's registry/service.go, which
// compiles and validates payloads with the same santhosh-tekuri/jsonschema/v6
// compiler used here.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/casys-ai/pml/pkg/capability"
)

// Document is a parsed JSON Schema document kept both as the compiled
// validator (for Validate) and as the raw property map (for coverage
// computation, which only needs key names and declared types).
type Document struct {
	Raw        []byte
	Required   []string
	Properties map[string]PropertyType
	compiled   *jsonschema.Schema
}

// PropertyType is the coarse JSON Schema type used for the compatibility
// table in spec §3 (identical -> true; string->any, object->any, number->string -> true; else false).
type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeNumber  PropertyType = "number"
	TypeBoolean PropertyType = "boolean"
	TypeObject  PropertyType = "object"
	TypeArray   PropertyType = "array"
	TypeAny     PropertyType = "any"
	TypeUnknown PropertyType = "unknown"
)

// Compile parses raw JSON Schema bytes into a Document, compiling it for
// later Validate calls. An empty or nil input yields an empty Document
// (no required keys, no declared properties) rather than an error, since
// capabilities without an explicit schema are legal (Schema Inferrer falls
// back to "unknown" per spec §4.6).
func Compile(raw []byte) (*Document, error) {
	if len(raw) == 0 {
		return &Document{Properties: map[string]PropertyType{}}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode json schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	d := &Document{Raw: raw, Properties: map[string]PropertyType{}, compiled: compiled}
	if req, ok := doc["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				d.Required = append(d.Required, s)
			}
		}
	}
	if props, ok := doc["properties"].(map[string]any); ok {
		for name, v := range props {
			d.Properties[name] = propertyType(v)
		}
	}
	return d, nil
}

func propertyType(v any) PropertyType {
	m, ok := v.(map[string]any)
	if !ok {
		return TypeUnknown
	}
	t, _ := m["type"].(string)
	switch t {
	case "string":
		return TypeString
	case "number", "integer":
		return TypeNumber
	case "boolean":
		return TypeBoolean
	case "object":
		return TypeObject
	case "array":
		return TypeArray
	default:
		return TypeUnknown
	}
}

// Validate checks payloadJSON against the compiled schema. A Document with
// no compiled schema (empty input) always validates.
func (d *Document) Validate(payloadJSON []byte) error {
	if d == nil || d.compiled == nil {
		return nil
	}
	var payload any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return d.compiled.Validate(payload)
}

// typeCompatible implements spec §3's compatibility table: identical types
// are compatible; string->any, object->any, number->string are compatible;
// everything else is not.
func typeCompatible(from, to PropertyType) bool {
	if from == to {
		return true
	}
	switch {
	case to == TypeAny && (from == TypeString || from == TypeObject):
		return true
	case from == TypeNumber && to == TypeString:
		return true
	default:
		return false
	}
}

// ProvidesEdge computes the coverage classification and field mapping
// between a producer's output schema and a consumer's input schema, per
// spec §3's ProvidesEdge rule:
//
//	strict  iff consumer.required ⊆ producer.output keys
//	partial iff intersection with required is non-empty but not a superset
//	optional iff only optional keys intersect
//	(coverage=="" , no edge) otherwise
func ProvidesEdge(producer, consumer *Document) (capability.Coverage, []capability.FieldMapping) {
	if producer == nil || consumer == nil {
		return "", nil
	}

	producerKeys := make(map[string]PropertyType, len(producer.Properties))
	for k, t := range producer.Properties {
		producerKeys[k] = t
	}

	var fields []capability.FieldMapping
	requiredHit := 0
	for _, req := range consumer.Required {
		if pt, ok := producerKeys[req]; ok {
			fields = append(fields, capability.FieldMapping{
				FromField:      req,
				ToField:        req,
				TypeCompatible: typeCompatible(pt, consumer.Properties[req]),
			})
			requiredHit++
		}
	}

	optionalHit := 0
	for name, pt := range producer.Properties {
		if contains(consumer.Required, name) {
			continue
		}
		if _, isConsumerProp := consumer.Properties[name]; isConsumerProp {
			fields = append(fields, capability.FieldMapping{
				FromField:      name,
				ToField:        name,
				TypeCompatible: typeCompatible(pt, consumer.Properties[name]),
			})
			optionalHit++
		}
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].FromField < fields[j].FromField })

	switch {
	case len(consumer.Required) > 0 && requiredHit == len(consumer.Required):
		return capability.CoverageStrict, fields
	case requiredHit > 0:
		return capability.CoveragePartial, fields
	case optionalHit > 0:
		return capability.CoverageOptional, fields
	default:
		return "", nil
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// InferParameterSchema walks a set of observed `args.X` usages (collected by
// the Static Structure Builder) mapped back through a tool's input schema,
// producing the capability's own parameter schema (spec §4.6 Schema
// Inferrer). Positions that can't be resolved to a known tool property fall
// back to "unknown" but are still emitted for observability.
func InferParameterSchema(observedFields map[string]string, toolInput *Document) []byte {
	properties := map[string]any{}
	var required []string
	for field, fromTool := range observedFields {
		t := TypeUnknown
		if toolInput != nil {
			if pt, ok := toolInput.Properties[fromTool]; ok {
				t = pt
			}
		}
		jsType := "string"
		switch t {
		case TypeNumber:
			jsType = "number"
		case TypeBoolean:
			jsType = "boolean"
		case TypeObject:
			jsType = "object"
		case TypeArray:
			jsType = "array"
		case TypeUnknown:
			jsType = "string"
		}
		properties[field] = map[string]any{"type": jsType}
		required = append(required, field)
	}
	sort.Strings(required)
	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	raw, _ := json.Marshal(doc)
	return raw
}
