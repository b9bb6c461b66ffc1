// Package schema defines the declarative output contracts for structured
// generation. A Contract names the task, declares the expected JSON shape as
// plain data, and is used both to render provider instructions and to
// validate what the provider returns.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/avenna/biolit/internal/engine"
)

// FieldType is the declared type of a contract field.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeStringList FieldType = "string[]"
)

// Field declares a single expected output field.
type Field struct {
	Name        string
	Type        FieldType
	Description string
}

// Contract is the authority for what counts as a valid generation result.
type Contract struct {
	// Name identifies the shape (description, title, keywords, assays, template).
	Name string
	// Task is the instruction block describing the generation job.
	Task string
	// Fields declare the expected JSON object shape, in render order.
	Fields []Field
}

// Description is the one-paragraph study summary contract.
func Description() Contract {
	return Contract{
		Name: "description",
		Task: "You are an expert at reading scientific articles. " +
			"Your task is to write a comprehensive one-paragraph summary of the study, " +
			"including assays used, factors studied, and key results.",
		Fields: []Field{
			{Name: "description", Type: TypeString, Description: "One-paragraph summary of the study"},
		},
	}
}

// Title is the exact-article-title extraction contract.
func Title() Contract {
	return Contract{
		Name: "title",
		Task: "Your task is to extract the article's exact title as it appears " +
			"at the top of the paper.",
		Fields: []Field{
			{Name: "title", Type: TypeString, Description: "The article's exact title"},
		},
	}
}

// Keywords is the topical-terms extraction contract.
func Keywords() Contract {
	return Contract{
		Name: "keywords",
		Task: "You are an expert at reading scientific articles. " +
			"Your task is to extract 4-6 key topical terms from the study.",
		Fields: []Field{
			{Name: "keywords", Type: TypeStringList, Description: "4-6 key topical terms"},
		},
	}
}

// Assays is the experimental-assay extraction contract.
func Assays() Contract {
	return Contract{
		Name: "assays",
		Task: "You are an expert at reading scientific articles. " +
			"Your task is to identify and extract all experimental assays used in the study. " +
			"An assay is a laboratory procedure or test designed to measure, detect, or analyze " +
			"a specific biological component or process (e.g., Western Blotting, ELISA, PCR, " +
			"Calcium Uptake, Cell viability). Do NOT include sample preparation steps, " +
			"statistical methods, general procedures, or descriptions.",
		Fields: []Field{
			{Name: "assays", Type: TypeString, Description: "Comma-separated experimental assay names"},
		},
	}
}

// FromTemplate builds a contract from a template-declared field map, where
// each entry maps a field name to the instruction describing what to extract.
// All template fields are strings. Field order is name-sorted so rendered
// instructions are deterministic.
func FromTemplate(name string, fields map[string]string) (Contract, error) {
	if len(fields) == 0 {
		return Contract{}, fmt.Errorf("template %q declares no fields", name)
	}
	names := make([]string, 0, len(fields))
	for n := range fields {
		if n == "" {
			return Contract{}, fmt.Errorf("template %q has an unnamed field", name)
		}
		names = append(names, n)
	}
	sort.Strings(names)

	c := Contract{
		Name: "template:" + name,
		Task: "You are an expert at reading scientific articles. " +
			"Your task is to extract the requested fields from the study.",
	}
	for _, n := range names {
		c.Fields = append(c.Fields, Field{Name: n, Type: TypeString, Description: fields[n]})
	}
	return c, nil
}

// Format renders the contract as a provider output constraint.
func (c Contract) Format() *engine.Schema {
	s := &engine.Schema{
		Type:       "object",
		Properties: make(map[string]engine.SchemaProperty, len(c.Fields)),
	}
	for _, f := range c.Fields {
		prop := engine.SchemaProperty{Description: f.Description}
		switch f.Type {
		case TypeStringList:
			prop.Type = "array"
			prop.Items = &engine.SchemaProperty{Type: "string"}
		default:
			prop.Type = "string"
		}
		s.Properties[f.Name] = prop
		s.Required = append(s.Required, f.Name)
	}
	return s
}

// Instructions renders the full instruction block: the task description plus
// the machine-readable shape the response must follow.
func (c Contract) Instructions() string {
	shape, _ := json.Marshal(c.Format())
	var b strings.Builder
	b.WriteString(c.Task)
	b.WriteString(" Respond ONLY with JSON, following this schema:\n\n")
	b.Write(shape)
	b.WriteString("\n\n")
	return b.String()
}

// Validate parses raw provider output against the contract. It tolerates
// fenced output (```json ... ```), requires every declared field to be
// present with the declared type, and returns only the declared fields.
func (c Contract) Validate(raw string) (map[string]any, error) {
	cleaned := stripFences(raw)

	var parsed map[string]any
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("output is not a JSON object: %w", err)
	}

	result := make(map[string]any, len(c.Fields))
	for _, f := range c.Fields {
		v, ok := parsed[f.Name]
		if !ok {
			return nil, fmt.Errorf("missing required field %q", f.Name)
		}
		switch f.Type {
		case TypeString:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("field %q: expected string, got %T", f.Name, v)
			}
			result[f.Name] = s
		case TypeStringList:
			items, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("field %q: expected array of strings, got %T", f.Name, v)
			}
			list := make([]string, len(items))
			for i, item := range items {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("field %q: element %d is %T, not string", f.Name, i, item)
				}
				list[i] = s
			}
			result[f.Name] = list
		default:
			return nil, fmt.Errorf("field %q: unknown declared type %q", f.Name, f.Type)
		}
	}
	return result, nil
}

// stripFences removes a surrounding markdown code fence, if present.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
