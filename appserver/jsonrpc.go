package appserver

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// JSON-RPC methods the connection sends to the agent.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification, completes the handshake
	MethodThreadStart   = "thread/start"
	MethodTurnStart     = "turn/start"
	MethodTurnSteer     = "turn/steer"
	MethodTurnInterrupt = "turn/interrupt"
)

// Notification methods the agent sends to the connection. Delta variants
// stream partial output and carry no state the turn driver depends on.
const (
	NotifyThreadStarted = "thread/started"
	NotifyTurnStarted   = "turn/started"
	NotifyTurnCompleted = "turn/completed"
	NotifyItemStarted   = "item/started"
	NotifyItemCompleted = "item/completed"

	NotifyAgentMessageDelta = "item/agentMessage/delta"
	NotifyReasoningDelta    = "item/reasoning/textDelta"
	NotifyCommandOutput     = "item/commandExecution/outputDelta"
)

// Agent-initiated request methods. Each must receive exactly one response
// before the agent will proceed.
const (
	MethodCommandApproval    = "item/commandExecution/requestApproval"
	MethodFileChangeApproval = "item/fileChange/requestApproval"
)

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request (either direction).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	Error   *WireError      `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	ID      int64           `json:"id"`
}

// Notification is a JSON-RPC 2.0 request without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// WireError is the error object of a JSON-RPC 2.0 response.
type WireError struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
}

// inboundKind discriminates the three shapes a line from the agent can take.
type inboundKind int

const (
	inboundRequest      inboundKind = iota // method and id: the agent wants an answer
	inboundNotification                    // method, no id: fire-and-forget event
	inboundResponse                        // id, no method: reply to one of our calls
)

// inboundMessage is one classified line from the agent's stdout.
type inboundMessage struct {
	Params json.RawMessage
	Result json.RawMessage
	Err    *WireError
	Method string
	ID     int64
	Kind   inboundKind
}

// classifyMessage parses one stdout line and decides which of the three
// message shapes it is. All routing flows through here; call sites never
// sniff raw JSON themselves.
func classifyMessage(line []byte) (inboundMessage, error) {
	var base struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  *WireError      `json:"error"`
	}
	if err := json.Unmarshal(line, &base); err != nil {
		return inboundMessage{}, &ProtocolError{Message: "malformed message", Line: string(line), Cause: err}
	}

	switch {
	case base.Method != "" && base.ID != nil:
		return inboundMessage{Kind: inboundRequest, ID: *base.ID, Method: base.Method, Params: base.Params}, nil
	case base.ID != nil:
		return inboundMessage{Kind: inboundResponse, ID: *base.ID, Result: base.Result, Err: base.Error}, nil
	case base.Method != "":
		return inboundMessage{Kind: inboundNotification, Method: base.Method, Params: base.Params}, nil
	default:
		return inboundMessage{}, &ProtocolError{Message: "message has neither method nor id", Line: string(line)}
	}
}

// idGenerator hands out request ids unique for the connection's lifetime.
type idGenerator struct {
	next atomic.Int64
}

func (g *idGenerator) Next() int64 {
	return g.next.Add(1)
}

func newRequest(id int64, method string, params any) (*Request, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: data}, nil
}

func newNotification(method string, params any) (*Notification, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: data}, nil
}

func newResponse(id int64, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: data}, nil
}

func newErrorResponse(id int64, code int, message string) *Response {
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &WireError{Code: code, Message: message},
	}
}

// requestSummaryLimit bounds how much of a request we replay in error text.
const requestSummaryLimit = 2000

// requestSummary renders a request compactly for diagnostics. Long params
// are truncated so a huge prompt cannot flood an error message.
func requestSummary(method string, params json.RawMessage) string {
	s := method
	if len(params) > 0 {
		s += " " + string(params)
	}
	if len(s) > requestSummaryLimit {
		s = s[:requestSummaryLimit] + "...(truncated)"
	}
	return s
}
