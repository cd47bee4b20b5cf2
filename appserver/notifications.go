package appserver

import "encoding/json"

// Turn statuses reported by turn/completed.
const (
	TurnStatusCompleted   = "completed"
	TurnStatusFailed      = "failed"
	TurnStatusInterrupted = "interrupted"
	TurnStatusInProgress  = "inProgress"
)

// TurnError carries the agent's failure detail for a failed turn.
type TurnError struct {
	Message string `json:"message"`
}

// TokenUsage is the usage accounting a finished turn reports.
type TokenUsage struct {
	CachedInputTokens int64 `json:"cachedInputTokens"`
	InputTokens       int64 `json:"inputTokens"`
	OutputTokens      int64 `json:"outputTokens"`
	TotalTokens       int64 `json:"totalTokens"`
}

// TurnInfo is the turn object embedded in turn lifecycle notifications.
type TurnInfo struct {
	Error  *TurnError  `json:"error,omitempty"`
	Usage  *TokenUsage `json:"usage,omitempty"`
	ID     string      `json:"id"`
	Status string      `json:"status"`
}

// TurnCompleted is the payload of a turn/completed notification.
type TurnCompleted struct {
	ThreadID string   `json:"threadId"`
	Turn     TurnInfo `json:"turn"`
}

// ParseTurnCompleted decodes a turn/completed payload, tolerating both the
// nested turn object and flat turnId/status fields.
func ParseTurnCompleted(params json.RawMessage) (TurnCompleted, error) {
	var tc TurnCompleted
	if err := json.Unmarshal(params, &tc); err != nil {
		return TurnCompleted{}, &ProtocolError{Message: "bad turn/completed payload", Line: string(params), Cause: err}
	}
	if tc.Turn.ID == "" || tc.Turn.Status == "" || tc.Turn.Usage == nil {
		var flat struct {
			TurnID string      `json:"turnId"`
			Status string      `json:"status"`
			Usage  *TokenUsage `json:"usage"`
		}
		if err := json.Unmarshal(params, &flat); err == nil {
			if tc.Turn.ID == "" {
				tc.Turn.ID = flat.TurnID
			}
			if tc.Turn.Status == "" {
				tc.Turn.Status = flat.Status
			}
			if tc.Turn.Usage == nil {
				tc.Turn.Usage = flat.Usage
			}
		}
	}
	return tc, nil
}

// ItemCompleted is the payload of an item/completed notification.
type ItemCompleted struct {
	Item     json.RawMessage `json:"item"`
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId"`
}

// AgentMessage is an agent-authored text item.
type AgentMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ParseAgentMessage extracts an agent message from an item/completed
// payload. ok is false when the completed item is some other type, such as
// a command execution or file change.
func ParseAgentMessage(params json.RawMessage) (AgentMessage, bool) {
	var ic ItemCompleted
	if err := json.Unmarshal(params, &ic); err != nil {
		return AgentMessage{}, false
	}
	var item struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(ic.Item, &item); err != nil {
		return AgentMessage{}, false
	}
	if item.Type != "agentMessage" {
		return AgentMessage{}, false
	}
	return AgentMessage{ID: item.ID, Text: item.Text}, true
}

// ParseIDs pulls thread and turn ids out of any notification payload that
// carries them, regardless of which shape the agent used.
func ParseIDs(params json.RawMessage) (threadID, turnID string) {
	var env idEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		return "", ""
	}
	return env.threadID(), env.turnID()
}
