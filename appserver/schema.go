package appserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// OutputSchemaFor reflects a JSON schema from a Go struct type, suitable
// for constraining a turn's final message to structured output.
func OutputSchemaFor[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	var zero T
	schema := reflector.Reflect(zero)

	data, err := json.Marshal(schema)
	if err != nil {
		// Only reachable with a type the reflector cannot serialize.
		panic(fmt.Sprintf("failed to generate schema for type %T: %v", zero, err))
	}
	return data
}

type turnStartSchemaParams struct {
	ThreadID     string          `json:"threadId"`
	Input        []UserInput     `json:"input"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// StartTurnWithSchema is StartTurn with an output schema attached, asking
// the agent to shape its final message as matching JSON.
func (c *Conn) StartTurnWithSchema(ctx context.Context, threadID, text string, schema json.RawMessage) (string, error) {
	if len(schema) == 0 {
		return c.StartTurn(ctx, threadID, text)
	}
	if threadID == "" {
		return "", fmt.Errorf("turn/start: empty thread id")
	}

	result, err := c.call(ctx, MethodTurnStart, turnStartSchemaParams{
		ThreadID:     threadID,
		Input:        TextInput(text),
		OutputSchema: schema,
	})
	if err != nil {
		return "", err
	}

	var env idEnvelope
	if err := json.Unmarshal(result, &env); err != nil {
		return "", &ProtocolError{Message: "bad turn/start response", Line: string(result), Cause: err}
	}
	id := env.turnID()
	if id == "" {
		return "", &ProtocolError{Message: "turn/start response has no turn id", Line: string(result)}
	}
	return id, nil
}
