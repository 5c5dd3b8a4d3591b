package usecase

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

// ArgValidator checks tool-call arguments against a tool's input schema.
// Compiled schemas are memoized by their source text.
type ArgValidator struct {
	compiler *jsonschema.Compiler
	mu       sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewArgValidator creates an empty validator.
func NewArgValidator() *ArgValidator {
	return &ArgValidator{
		compiler: jsonschema.NewCompiler(),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Validate returns an error wrapping domain.ErrInvalidArguments when args do
// not satisfy the tool's input schema. Tools without a schema accept anything.
func (v *ArgValidator) Validate(tool domain.ToolDescriptor, args json.RawMessage) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schema, err := v.compile(tool.InputSchema)
	if err != nil {
		// An uncompilable schema is the backend's problem; let the call through.
		return nil
	}

	var data any = map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &data); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidArguments, err)
		}
	}

	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidArguments, result.Error())
	}
	return nil
}

func (v *ArgValidator) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.schemas[key]; ok {
		return s, nil
	}
	s, err := v.compiler.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	v.schemas[key] = s
	return s, nil
}
