package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalid is returned when the persisted document violates the schema.
var ErrInvalid = errors.New("invalid plugin configuration")

const documentSchema = `{
  "type": "object",
  "properties": {
    "plugins": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "enabled": {"type": "boolean"}
        }
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	return schema, schemaErr
}

// Validate checks a configuration document against the store schema.
func Validate(doc map[string]any) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	res, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
