package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/triadflow/triad/pkg/nodedef"
)

// DefinitionExecutor runs llm-type node definitions through a Client. It
// satisfies the self-describing runner's LLMExecutor contract.
type DefinitionExecutor struct {
	client Client
}

// NewDefinitionExecutor wraps a client.
func NewDefinitionExecutor(client Client) *DefinitionExecutor {
	return &DefinitionExecutor{client: client}
}

// ExecuteDefinition prompts the model with the definition's description and
// the node inputs, preferring a JSON object response but degrading to raw
// text under a "text" key.
func (e *DefinitionExecutor) ExecuteDefinition(ctx context.Context, def *nodedef.Definition, inputs map[string]any) (map[string]any, error) {
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode inputs for %s: %w", def.Name, err)
	}

	system := def.Description
	if system == "" {
		system = "You are the execution body of the node " + def.Name + "."
	}
	response, err := e.client.Complete(ctx, []Message{
		{Role: RoleSystem, Content: system + " Respond with a single JSON object."},
		{Role: RoleUser, Content: string(encoded)},
	})
	if err != nil {
		return nil, err
	}

	if output, ok := ExtractJSONObject(response); ok {
		return output, nil
	}
	return map[string]any{"text": response}, nil
}

// ExtractJSONObject finds and decodes the first top-level JSON object in
// text. Models frequently wrap JSON in prose or code fences; this peels
// both.
func ExtractJSONObject(text string) (map[string]any, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				var out map[string]any
				if err := json.Unmarshal([]byte(text[start:i+1]), &out); err != nil {
					return nil, false
				}
				return out, true
			}
		}
	}
	return nil, false
}
