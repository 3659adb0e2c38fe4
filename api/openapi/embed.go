// Package openapi embeds the Run Manager's WES OpenAPI document and loads
// it once at startup, so the Router can answer GET /service-info's
// supported_wes_versions from the same document a client would validate
// requests against, instead of hand-maintaining the string twice.
package openapi

import (
	"embed"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed wes.yaml
var fs embed.FS

// Document wraps the loaded spec with the few facts callers actually need,
// so nothing outside this package has to know kin-openapi's API.
type Document struct {
	doc *openapi3.T
}

// Load parses the embedded WES OpenAPI document.
func Load() (*Document, error) {
	data, err := fs.ReadFile("wes.yaml")
	if err != nil {
		return nil, fmt.Errorf("openapi: read embedded document: %w", err)
	}
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: parse embedded document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("openapi: invalid embedded document: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Version returns the document's info.version, e.g. "sapporo-wes-1.1.0".
func (d *Document) Version() string {
	if d == nil || d.doc.Info == nil {
		return ""
	}
	return d.doc.Info.Version
}

// EnumStrings returns the string enum values declared on a named component
// schema (e.g. "WorkflowTypeEnum"), for cross-checking accepted values
// against the same source of truth a client's generated bindings would use.
func (d *Document) EnumStrings(schemaName string) []string {
	if d == nil {
		return nil
	}
	ref, ok := d.doc.Components.Schemas[schemaName]
	if !ok || ref.Value == nil {
		return nil
	}
	var out []string
	for _, v := range ref.Value.Enum {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
