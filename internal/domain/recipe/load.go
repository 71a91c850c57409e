package recipe

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

//go:embed recipe.schema.json
var schemaSource string

// compiledSchema is built once on first use.
//
//nolint:gochecknoglobals // Schema compilation is deterministic and shared.
var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("recipe.schema.json", schemaSource)
})

// errSchemaUnavailable wraps a failure to compile the embedded schema.
var errSchemaUnavailable = errors.New("recipe schema unavailable")

// Load reads and validates the recipe at path.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read recipe %s: %w", path, err)
	}

	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return r, nil
}

// Parse validates a YAML recipe document and decodes it.
func Parse(data []byte) (*Recipe, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var r Recipe
	if err := decoder.Decode(&r); err != nil {
		return nil, &MalformedError{Reason: "cannot decode document", Err: err}
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}

	return &r, nil
}

// Marshal renders the recipe as a YAML document.
func Marshal(r *Recipe) ([]byte, error) {
	var buf bytes.Buffer

	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)

	if err := encoder.Encode(r); err != nil {
		return nil, fmt.Errorf("encode recipe: %w", err)
	}

	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encode recipe: %w", err)
	}

	return buf.Bytes(), nil
}

// validateDocument checks the raw document against the embedded JSON Schema.
func validateDocument(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("%w: %w", errSchemaUnavailable, err)
	}

	jsonData, err := sigsyaml.YAMLToJSON(data)
	if err != nil {
		return &MalformedError{Reason: "not a YAML document", Err: err}
	}

	var document any
	if err = json.Unmarshal(jsonData, &document); err != nil {
		return &MalformedError{Reason: "not a YAML document", Err: err}
	}

	if err = schema.Validate(document); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return &MalformedError{
				Field:  validationErr.InstanceLocation,
				Reason: "does not match the recipe schema",
				Err:    err,
			}
		}

		return &MalformedError{Reason: "does not match the recipe schema", Err: err}
	}

	return nil
}
