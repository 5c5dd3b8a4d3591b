package usecase

import (
	"encoding/json"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

// emptyObjectSchema is advertised for tools that publish no input schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// ModelToolSchemas converts discovered tools into function descriptors for
// the model, one per tool in cache order.
func ModelToolSchemas(tools []domain.ToolDescriptor) []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, domain.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  modelParameters(t.InputSchema),
		})
	}
	return out
}

// modelParameters drops the top-level "title" key, which several endpoints
// reject inside function parameters. Nested titles are left alone.
func modelParameters(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 || string(schema) == "null" {
		return emptyObjectSchema
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(schema, &obj); err != nil {
		return emptyObjectSchema
	}
	if _, ok := obj["title"]; !ok {
		return schema
	}
	delete(obj, "title")
	data, err := json.Marshal(obj)
	if err != nil {
		return emptyObjectSchema
	}
	return data
}
