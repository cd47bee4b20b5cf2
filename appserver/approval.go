package appserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Decision is an approval decision sent back to the agent.
type Decision string

const (
	DecisionAccept           Decision = "accept"
	DecisionAcceptForSession Decision = "acceptForSession"
	DecisionDecline          Decision = "decline"
	DecisionCancel           Decision = "cancel"
)

// ApprovalKind classifies what the agent wants permission for.
type ApprovalKind string

const (
	ApprovalCommand    ApprovalKind = "command"
	ApprovalFileChange ApprovalKind = "fileChange"
)

// ApprovalRequest is a normalized agent approval request, one shape for
// both command execution and file change asks.
type ApprovalRequest struct {
	Kind     ApprovalKind
	ItemID   string
	ThreadID string
	TurnID   string
	Command  string
	Cwd      string
	Reason   string
}

// Policy decides approval requests.
type Policy interface {
	Decide(ctx context.Context, req *ApprovalRequest) (Decision, error)
}

// PolicyFunc is a function adapter for Policy.
type PolicyFunc func(ctx context.Context, req *ApprovalRequest) (Decision, error)

// Decide implements Policy.
func (f PolicyFunc) Decide(ctx context.Context, req *ApprovalRequest) (Decision, error) {
	return f(ctx, req)
}

// AutoAcceptPolicy approves everything. Use with caution.
func AutoAcceptPolicy() Policy {
	return PolicyFunc(func(ctx context.Context, req *ApprovalRequest) (Decision, error) {
		return DecisionAccept, nil
	})
}

// DeclineAllPolicy declines everything.
func DeclineAllPolicy() Policy {
	return PolicyFunc(func(ctx context.Context, req *ApprovalRequest) (Decision, error) {
		return DecisionDecline, nil
	})
}

// RulePolicy approves commands whose first token matches an allowed prefix
// and, optionally, all file changes. Everything else is declined.
type RulePolicy struct {
	AllowedCommands []string
	AllowFileEdits  bool
}

// Decide implements Policy.
func (p *RulePolicy) Decide(ctx context.Context, req *ApprovalRequest) (Decision, error) {
	switch req.Kind {
	case ApprovalFileChange:
		if p.AllowFileEdits {
			return DecisionAccept, nil
		}
		return DecisionDecline, nil
	case ApprovalCommand:
		for _, allowed := range p.AllowedCommands {
			if req.Command == allowed || strings.HasPrefix(req.Command, allowed+" ") {
				return DecisionAccept, nil
			}
		}
		return DecisionDecline, nil
	default:
		return DecisionDecline, nil
	}
}

type commandApprovalParams struct {
	ItemID   string  `json:"itemId"`
	ThreadID string  `json:"threadId"`
	TurnID   string  `json:"turnId"`
	Command  *string `json:"command,omitempty"`
	Cwd      *string `json:"cwd,omitempty"`
	Reason   *string `json:"reason,omitempty"`
}

type fileChangeApprovalParams struct {
	ItemID    string  `json:"itemId"`
	ThreadID  string  `json:"threadId"`
	TurnID    string  `json:"turnId"`
	GrantRoot *string `json:"grantRoot,omitempty"`
	Reason    *string `json:"reason,omitempty"`
}

type approvalResponse struct {
	Decision Decision `json:"decision"`
}

// Gate answers agent-initiated approval requests by consulting a Policy.
// A policy failure never blocks the agent: the request is declined so the
// turn can proceed. acceptForSession decisions are remembered and replayed
// for identical commands without consulting the policy again.
type Gate struct {
	policy Policy
	logger *slog.Logger

	mu             sync.Mutex
	sessionAllowed map[string]bool
}

// NewGate creates a gate backed by policy.
func NewGate(policy Policy) *Gate {
	return &Gate{
		policy:         policy,
		logger:         nopLogger,
		sessionAllowed: make(map[string]bool),
	}
}

// SetLogger replaces the gate's logger.
func (g *Gate) SetLogger(l *slog.Logger) {
	if l != nil {
		g.logger = l
	}
}

// Handle decides one agent request and returns the wire-level result. An
// UnsupportedMethodError tells the connection to answer method-not-found.
func (g *Gate) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodCommandApproval:
		var p commandApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &ProtocolError{Message: "bad command approval params", Line: string(params), Cause: err}
		}
		req := &ApprovalRequest{
			Kind:     ApprovalCommand,
			ItemID:   p.ItemID,
			ThreadID: p.ThreadID,
			TurnID:   p.TurnID,
			Command:  deref(p.Command),
			Cwd:      deref(p.Cwd),
			Reason:   deref(p.Reason),
		}
		return approvalResponse{Decision: g.decide(ctx, req)}, nil

	case MethodFileChangeApproval:
		var p fileChangeApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &ProtocolError{Message: "bad file change approval params", Line: string(params), Cause: err}
		}
		req := &ApprovalRequest{
			Kind:     ApprovalFileChange,
			ItemID:   p.ItemID,
			ThreadID: p.ThreadID,
			TurnID:   p.TurnID,
			Reason:   deref(p.Reason),
		}
		return approvalResponse{Decision: g.decide(ctx, req)}, nil

	default:
		return nil, &UnsupportedMethodError{Method: method}
	}
}

func (g *Gate) decide(ctx context.Context, req *ApprovalRequest) Decision {
	if req.Kind == ApprovalCommand && req.Command != "" {
		g.mu.Lock()
		allowed := g.sessionAllowed[req.Command]
		g.mu.Unlock()
		if allowed {
			return DecisionAccept
		}
	}

	decision, err := g.policy.Decide(ctx, req)
	if err != nil {
		g.logger.Warn("approval policy failed, declining",
			"kind", req.Kind, "command", req.Command, "error", err)
		return DecisionDecline
	}

	if decision == DecisionAcceptForSession && req.Kind == ApprovalCommand && req.Command != "" {
		g.mu.Lock()
		g.sessionAllowed[req.Command] = true
		g.mu.Unlock()
	}

	g.logger.Debug("approval decided",
		"kind", req.Kind, "command", req.Command, "decision", decision)
	return decision
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
