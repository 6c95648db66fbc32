package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// schemaDoc constrains the shape of a config document. Range checks that
// depend on more than one field live in Config.Validate.
const schemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "workerCounts": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "integer", "minimum": 1}
    },
    "burstDurationSeconds": {"type": "integer", "minimum": 1},
    "pollIntervalSeconds": {"type": "integer", "minimum": 1},
    "convergenceTimeoutSeconds": {"type": "integer", "minimum": 1},
    "throughputThreshold": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
    "batchSize": {"type": "integer", "minimum": 1},
    "documentSize": {"type": "integer", "minimum": 16},
    "target": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "kind": {"type": "string", "enum": ["local", "http"]},
        "members": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "jwtSecret": {"type": "string"},
        "h2c": {"type": "boolean"},
        "local": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "nodes": {"type": "integer", "minimum": 2},
            "dataDir": {"type": "string"},
            "logStore": {"type": "string", "enum": ["inmem", "bolt", "pebble", "badger"]},
            "recordStore": {"type": "string", "enum": ["memory", "pebble", "badger", "sqlite"]},
            "replicaApplyDelayMicros": {"type": "integer", "minimum": 0}
          }
        }
      }
    }
  }
}`

var configSchema = mustSchema(schemaDoc)

func mustSchema(doc string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	return s
}

// ValidationErrorItem is one schema violation.
type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// SchemaError reports every schema violation in a config document.
type SchemaError struct {
	Errors []ValidationErrorItem
}

func (e *SchemaError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		parts = append(parts, item.Path+": "+item.Message)
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

func validateSchema(doc []byte) error {
	res, err := configSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if res.Valid() {
		return nil
	}
	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		items = append(items, ValidationErrorItem{
			Path:    item.Field(),
			Message: item.Description(),
		})
	}
	return &SchemaError{Errors: items}
}
