package appserver

import (
	"context"
	"encoding/json"
	"fmt"
)

// ClientInfo identifies this client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the parameters for the initialize request.
type InitializeParams struct {
	ClientInfo ClientInfo `json:"clientInfo"`
}

// AgentInfo identifies the agent, when it reports a structured identity.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the agent's handshake response. Different agent
// builds report either a flat userAgent string or a structured agentInfo
// object; both are tolerated.
type InitializeResult struct {
	UserAgent string    `json:"userAgent"`
	AgentInfo AgentInfo `json:"agentInfo"`
}

// ThreadStartParams are the parameters for thread/start.
type ThreadStartParams struct {
	Cwd            *string `json:"cwd,omitempty"`
	Model          *string `json:"model,omitempty"`
	ApprovalPolicy *string `json:"approvalPolicy,omitempty"`
	Sandbox        *string `json:"sandbox,omitempty"`
}

// UserInput is one element of a turn's input list.
type UserInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextInput builds the single-element text input list used for prompts.
func TextInput(text string) []UserInput {
	return []UserInput{{Type: "text", Text: text}}
}

type turnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

type turnSteerParams struct {
	ThreadID       string      `json:"threadId"`
	ExpectedTurnID string      `json:"expectedTurnId"`
	Input          []UserInput `json:"input"`
}

type turnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// idEnvelope matches both id shapes agents emit: the flat threadId/turnId
// fields and the nested thread/turn objects.
type idEnvelope struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Thread   struct {
		ID string `json:"id"`
	} `json:"thread"`
	Turn struct {
		ID string `json:"id"`
	} `json:"turn"`
}

func (e *idEnvelope) threadID() string {
	if e.ThreadID != "" {
		return e.ThreadID
	}
	return e.Thread.ID
}

func (e *idEnvelope) turnID() string {
	if e.TurnID != "" {
		return e.TurnID
	}
	return e.Turn.ID
}

// StartThread creates a new conversation thread and returns its id.
func (c *Conn) StartThread(ctx context.Context, params ThreadStartParams) (string, error) {
	result, err := c.call(ctx, MethodThreadStart, params)
	if err != nil {
		return "", err
	}

	var env idEnvelope
	if err := json.Unmarshal(result, &env); err != nil {
		return "", &ProtocolError{Message: "bad thread/start response", Line: string(result), Cause: err}
	}
	id := env.threadID()
	if id == "" {
		return "", &ProtocolError{Message: "thread/start response has no thread id", Line: string(result)}
	}
	c.logger.Debug("thread started", "thread_id", id)
	return id, nil
}

// StartTurn submits prompt text to a thread and returns the new turn's id.
// The turn runs asynchronously; completion arrives as a turn/completed
// notification.
func (c *Conn) StartTurn(ctx context.Context, threadID, text string) (string, error) {
	if threadID == "" {
		return "", fmt.Errorf("turn/start: empty thread id")
	}

	result, err := c.call(ctx, MethodTurnStart, turnStartParams{
		ThreadID: threadID,
		Input:    TextInput(text),
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
	c.logger.Debug("turn started", "thread_id", threadID, "turn_id", id)
	return id, nil
}

// SteerTurn injects additional input into a running turn. expectedTurnID
// guards against racing a turn boundary: the agent rejects the steer if the
// active turn is no longer the one named.
func (c *Conn) SteerTurn(ctx context.Context, threadID, expectedTurnID, text string) error {
	if expectedTurnID == "" {
		return fmt.Errorf("turn/steer: empty expected turn id")
	}

	_, err := c.call(ctx, MethodTurnSteer, turnSteerParams{
		ThreadID:       threadID,
		ExpectedTurnID: expectedTurnID,
		Input:          TextInput(text),
	})
	return err
}

// InterruptTurn asks the agent to abort a running turn. The turn still
// finishes through a turn/completed notification with status interrupted.
func (c *Conn) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	_, err := c.call(ctx, MethodTurnInterrupt, turnInterruptParams{
		ThreadID: threadID,
		TurnID:   turnID,
	})
	return err
}
