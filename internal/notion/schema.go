package notion

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"occam/internal/apperr"
	"occam/internal/config"
)

// Logical record fields and the Notion property type each must resolve to.
const (
	fieldTitle            = "title"
	fieldSummary          = "summary"
	fieldCriticalThinking = "critical_thinking"
	fieldTags             = "tags"
	fieldScore            = "score"
	fieldURL              = "url"
)

var fieldTypes = map[string]string{
	fieldTitle:            "title",
	fieldSummary:          "rich_text",
	fieldCriticalThinking: "rich_text",
	fieldTags:             "multi_select",
	fieldScore:            "number",
	fieldURL:              "url",
}

// fieldOrder keeps reports stable.
var fieldOrder = []string{fieldTitle, fieldSummary, fieldCriticalThinking, fieldTags, fieldScore, fieldURL}

// Resolution records how one logical field resolved against the live schema.
type Resolution struct {
	Field      string
	Configured string
	Property   string // actual property name in the database, "" if unresolved
	WantType   string
	GotType    string // "" if the property was not found
	OK         bool
}

// SchemaReport is the result of checking every logical field against the
// database schema.
type SchemaReport struct {
	Resolutions []Resolution
	// Available lists the property names discovered in the database, for
	// operator correction when resolution fails.
	Available []string
}

// OK reports whether every logical field resolved to a property of the
// expected type.
func (r *SchemaReport) OK() bool {
	for _, res := range r.Resolutions {
		if !res.OK {
			return false
		}
	}
	return true
}

// Err returns a KindSchemaMismatch error describing the unresolved fields,
// or nil when the schema matches.
func (r *SchemaReport) Err() error {
	if r.OK() {
		return nil
	}
	var problems []string
	for _, res := range r.Resolutions {
		if res.OK {
			continue
		}
		if res.Property == "" {
			problems = append(problems, fmt.Sprintf("%s: property %q not found", res.Field, res.Configured))
		} else {
			problems = append(problems, fmt.Sprintf("%s: property %q has type %s, want %s",
				res.Field, res.Property, res.GotType, res.WantType))
		}
	}
	return apperr.Newf(apperr.KindSchemaMismatch,
		"database schema does not match configuration: %s (available properties: %s)",
		strings.Join(problems, "; "), strings.Join(r.Available, ", "))
}

// checkSchema resolves each configured property name against the database
// schema, case-insensitively, and verifies the property type.
func checkSchema(ctx context.Context, client *Client, databaseID string, props config.Properties) (*SchemaReport, error) {
	schema, err := client.getDatabase(ctx, databaseID)
	if err != nil {
		if retryableStore(err) {
			return nil, apperr.Wrap(apperr.KindStoreUnavailable, "could not fetch database schema", err)
		}
		return nil, apperr.Wrap(apperr.KindSchemaMismatch, "could not fetch database schema", err)
	}

	configured := map[string]string{
		fieldTitle:            props.Title,
		fieldSummary:          props.Summary,
		fieldCriticalThinking: props.CriticalThinking,
		fieldTags:             props.Tags,
		fieldScore:            props.Score,
		fieldURL:              props.URL,
	}

	available := make([]string, 0, len(schema))
	for name := range schema {
		available = append(available, name)
	}
	sort.Strings(available)

	report := &SchemaReport{Available: available}
	for _, field := range fieldOrder {
		res := Resolution{
			Field:      field,
			Configured: configured[field],
			WantType:   fieldTypes[field],
		}
		if actual, prop, ok := findProperty(schema, configured[field]); ok {
			res.Property = actual
			res.GotType = prop.Type
			res.OK = prop.Type == res.WantType
		}
		report.Resolutions = append(report.Resolutions, res)
	}
	return report, nil
}

// findProperty resolves a configured name against the schema, exact match
// first, then case-insensitive.
func findProperty(schema map[string]property, configured string) (string, property, bool) {
	if p, ok := schema[configured]; ok {
		return configured, p, true
	}
	want := strings.ToLower(strings.TrimSpace(configured))
	for name, p := range schema {
		if strings.ToLower(strings.TrimSpace(name)) == want {
			return name, p, true
		}
	}
	return "", property{}, false
}

// resolved maps logical fields to actual property names after a successful
// schema check.
func (r *SchemaReport) resolved() map[string]string {
	m := make(map[string]string, len(r.Resolutions))
	for _, res := range r.Resolutions {
		m[res.Field] = res.Property
	}
	return m
}
