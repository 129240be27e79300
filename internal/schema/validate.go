// Package schema validates API request bodies against embedded JSON schemas.
package schema

import (
	"embed"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"github.com/menta2k/yolo-annotator/internal/errs"
)

//go:embed schemas/*.json
var schemasFS embed.FS

// Validator holds the compiled request schemas
type Validator struct {
	save    *jsonschema.Schema
	augment *jsonschema.Schema
}

// New compiles the embedded schemas
func New() (*Validator, error) {
	save, err := loadSchema("schemas/save_request.schema.json")
	if err != nil {
		return nil, err
	}
	augment, err := loadSchema("schemas/augment_request.schema.json")
	if err != nil {
		return nil, err
	}
	return &Validator{save: save, augment: augment}, nil
}

// ValidateSave checks a save-annotations body
func (v *Validator) ValidateSave(data []byte) error {
	return validateJSON(v.save, data)
}

// ValidateAugment checks a start-augmentation body
func (v *Validator) ValidateAugment(data []byte) error {
	return validateJSON(v.augment, data)
}

func loadSchema(name string) (*jsonschema.Schema, error) {
	data, err := schemasFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return errs.New(errs.CategoryInvalidInput, "schema_validation_failed", "schema validation failed: %v", result.Errors)
}
