package capability

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a Go type into the map[string]any parameter
// contract a Spec declares per operation, using struct tags:
//
//	type ReadFileParams struct {
//	    Path string `json:"path" jsonschema:"required,description=File path to read"`
//	}
//
// Mirrors the reflection approach used elsewhere in the example corpus for
// generating LLM-facing tool schemas from Go parameter structs.
func GenerateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("capability: marshal schema: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("capability: unmarshal schema: %w", err)
	}
	return result, nil
}
