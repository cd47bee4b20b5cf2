package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func decide(t *testing.T, g *Gate, method, params string) Decision {
	t.Helper()
	result, err := g.Handle(context.Background(), method, json.RawMessage(params))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	resp, ok := result.(approvalResponse)
	if !ok {
		t.Fatalf("result type %T", result)
	}
	return resp.Decision
}

func TestGateDecisions(t *testing.T) {
	cmdParams := `{"itemId":"i1","threadId":"th","turnId":"tu","command":"git status","cwd":"/tmp"}`
	editParams := `{"itemId":"i2","threadId":"th","turnId":"tu","reason":"apply patch"}`

	tests := []struct {
		name     string
		policy   Policy
		method   string
		params   string
		want     Decision
	}{
		{"auto accept command", AutoAcceptPolicy(), MethodCommandApproval, cmdParams, DecisionAccept},
		{"auto accept edit", AutoAcceptPolicy(), MethodFileChangeApproval, editParams, DecisionAccept},
		{"decline all command", DeclineAllPolicy(), MethodCommandApproval, cmdParams, DecisionDecline},
		{"decline all edit", DeclineAllPolicy(), MethodFileChangeApproval, editParams, DecisionDecline},
		{"rule allows prefix", &RulePolicy{AllowedCommands: []string{"git"}}, MethodCommandApproval, cmdParams, DecisionAccept},
		{"rule rejects other", &RulePolicy{AllowedCommands: []string{"ls"}}, MethodCommandApproval, cmdParams, DecisionDecline},
		{"rule edits off", &RulePolicy{AllowedCommands: []string{"git"}}, MethodFileChangeApproval, editParams, DecisionDecline},
		{"rule edits on", &RulePolicy{AllowFileEdits: true}, MethodFileChangeApproval, editParams, DecisionAccept},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(tt.policy)
			if got := decide(t, g, tt.method, tt.params); got != tt.want {
				t.Errorf("decision = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRulePolicyPrefixIsTokenBounded(t *testing.T) {
	g := NewGate(&RulePolicy{AllowedCommands: []string{"git"}})
	// "gitevil" must not ride on the "git" prefix.
	got := decide(t, g, MethodCommandApproval, `{"itemId":"i","threadId":"t","turnId":"u","command":"gitevil --rm"}`)
	if got != DecisionDecline {
		t.Errorf("decision = %q, want decline", got)
	}
}

func TestGatePolicyErrorDeclines(t *testing.T) {
	g := NewGate(PolicyFunc(func(ctx context.Context, req *ApprovalRequest) (Decision, error) {
		return "", errors.New("policy backend unavailable")
	}))
	got := decide(t, g, MethodCommandApproval, `{"itemId":"i","threadId":"t","turnId":"u","command":"rm -rf /"}`)
	if got != DecisionDecline {
		t.Errorf("decision = %q, want decline on policy failure", got)
	}
}

func TestGateUnknownMethod(t *testing.T) {
	g := NewGate(AutoAcceptPolicy())
	_, err := g.Handle(context.Background(), "item/tool/requestUserInput", json.RawMessage(`{}`))
	var unsupported *UnsupportedMethodError
	if !errors.As(err, &unsupported) {
		t.Fatalf("err = %v, want *UnsupportedMethodError", err)
	}
	if unsupported.Method != "item/tool/requestUserInput" {
		t.Errorf("method = %q", unsupported.Method)
	}
}

func TestGateSessionApprovalRemembered(t *testing.T) {
	calls := 0
	g := NewGate(PolicyFunc(func(ctx context.Context, req *ApprovalRequest) (Decision, error) {
		calls++
		return DecisionAcceptForSession, nil
	}))

	params := `{"itemId":"i","threadId":"t","turnId":"u","command":"make test"}`
	if got := decide(t, g, MethodCommandApproval, params); got != DecisionAcceptForSession {
		t.Fatalf("first decision = %q", got)
	}
	if got := decide(t, g, MethodCommandApproval, params); got != DecisionAccept {
		t.Fatalf("second decision = %q, want accept from session memory", got)
	}
	if calls != 1 {
		t.Errorf("policy consulted %d times, want 1", calls)
	}
}

func TestNormalizedRequestFields(t *testing.T) {
	var captured *ApprovalRequest
	g := NewGate(PolicyFunc(func(ctx context.Context, req *ApprovalRequest) (Decision, error) {
		captured = req
		return DecisionAccept, nil
	}))

	decide(t, g, MethodCommandApproval,
		`{"itemId":"item9","threadId":"th9","turnId":"tu9","command":"go vet ./...","cwd":"/work","reason":"lint"}`)

	if captured == nil {
		t.Fatal("policy never consulted")
	}
	if captured.Kind != ApprovalCommand {
		t.Errorf("kind = %q", captured.Kind)
	}
	if captured.ItemID != "item9" || captured.ThreadID != "th9" || captured.TurnID != "tu9" {
		t.Errorf("ids not carried: %+v", captured)
	}
	if captured.Command != "go vet ./..." || captured.Cwd != "/work" || captured.Reason != "lint" {
		t.Errorf("fields not carried: %+v", captured)
	}
}
