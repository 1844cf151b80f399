package gateway

import (
	"fmt"

	json "github.com/goccy/go-json"
	invopop "github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonschema"
)

// Structured outputs accept a subset of JSON Schema: no $ref and no
// additional properties.
var reflector = invopop.Reflector{
	AllowAdditionalProperties: false,
	DoNotReference:            true,
	Anonymous:                 true,
}

// SchemaFor reflects the JSON Schema of T from its json and jsonschema
// struct tags.
func SchemaFor[T any]() json.RawMessage {
	var v T
	schema := reflector.Reflect(v)
	// The $schema keyword is noise in tool definitions.
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		// Reflected schemas only contain marshalable values.
		panic(fmt.Sprintf("marshal schema for %T: %v", v, err))
	}
	return raw
}

// FunctionToolFor builds a function tool whose parameters are the schema of T.
func FunctionToolFor[T any](name, description string) Tool {
	return FunctionTool(name, description, SchemaFor[T]())
}

// JSONSchemaFormatFor requests strict structured output shaped like T.
func JSONSchemaFormatFor[T any](name string) *ResponseFormat {
	return &ResponseFormat{
		Type: "json_schema",
		JSONSchema: &JSONSchema{
			Name:   name,
			Strict: true,
			Schema: SchemaFor[T](),
		},
	}
}

// ValidateJSON checks that data is valid JSON conforming to schema. It is
// meant for streamed tool-call arguments and json_schema structured output,
// both of which only become valid once the stream completes.
func ValidateJSON(schema json.RawMessage, data string) error {
	var value any
	if err := json.Unmarshal([]byte(data), &value); err != nil {
		return NewParseError("arguments are not valid JSON", err)
	}
	if len(schema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile([]byte(schema))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	result := compiled.Validate(value)
	if !result.IsValid() {
		return NewParseError(fmt.Sprintf("schema validation failed: %s", result.Error()), nil)
	}
	return nil
}

// ValidateToolCall checks call against the parameters schema of the tool
// with the same function name.
func ValidateToolCall(call ToolCall, tools []Tool) error {
	for _, t := range tools {
		if t.Function.Name == call.Function.Name {
			return ValidateJSON(t.Function.Parameters, call.Function.Arguments)
		}
	}
	return fmt.Errorf("%w: unknown tool %q", ErrInvalidRequest, call.Function.Name)
}

// DecodeArguments unmarshals the arguments of a completed tool call into v.
func DecodeArguments(call ToolCall, v any) error {
	if err := json.Unmarshal([]byte(call.Function.Arguments), v); err != nil {
		return NewParseError("decode tool arguments for "+call.Function.Name, err)
	}
	return nil
}
