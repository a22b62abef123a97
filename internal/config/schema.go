package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// durationPattern accepts the strings time.ParseDuration understands.
const durationPattern = `^-?([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// JSONSchema returns the JSON Schema for an mxbot config file.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag: "yaml",
			Mapper:       mapSchemaType,
		}
		schema := r.Reflect(&Config{})
		schema.Title = "mxbot configuration"
		schema.Description = "Matrix credentials, command dispatch, sync store and telemetry settings for mxbot."
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

// mapSchemaType describes durations as the strings the YAML decoder reads.
func mapSchemaType(t reflect.Type) *jsonschema.Schema {
	if t == reflect.TypeOf(time.Duration(0)) {
		return &jsonschema.Schema{
			Type:     "string",
			Pattern:  durationPattern,
			Examples: []any{"5s", "1m30s"},
		}
	}
	return nil
}
