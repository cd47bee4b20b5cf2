package appserver

import (
	"errors"
	"testing"
)

func TestClassifyMessage(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		kind   inboundKind
		method string
		id     int64
	}{
		{"request", `{"jsonrpc":"2.0","id":5,"method":"item/commandExecution/requestApproval","params":{}}`, inboundRequest, MethodCommandApproval, 5},
		{"response", `{"jsonrpc":"2.0","id":3,"result":{"ok":true}}`, inboundResponse, "", 3},
		{"error response", `{"jsonrpc":"2.0","id":4,"error":{"code":-32000,"message":"nope"}}`, inboundResponse, "", 4},
		{"notification", `{"jsonrpc":"2.0","method":"turn/completed","params":{}}`, inboundNotification, NotifyTurnCompleted, 0},
		{"zero id request", `{"jsonrpc":"2.0","id":0,"method":"ping"}`, inboundRequest, "ping", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := classifyMessage([]byte(tt.line))
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if msg.Kind != tt.kind {
				t.Errorf("kind = %d, want %d", msg.Kind, tt.kind)
			}
			if msg.Method != tt.method {
				t.Errorf("method = %q, want %q", msg.Method, tt.method)
			}
			if msg.ID != tt.id {
				t.Errorf("id = %d, want %d", msg.ID, tt.id)
			}
		})
	}
}

func TestClassifyMessageRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		`not json at all`,
		`{"jsonrpc":"2.0"}`,
		`{"jsonrpc":"2.0","params":{}}`,
	} {
		_, err := classifyMessage([]byte(line))
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Errorf("classify(%q) err = %v, want *ProtocolError", line, err)
		}
	}
}

func TestErrorResponseClassification(t *testing.T) {
	msg, err := classifyMessage([]byte(`{"jsonrpc":"2.0","id":8,"error":{"code":-32601,"message":"method not found"}}`))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if msg.Err == nil {
		t.Fatal("error field not parsed")
	}
	if msg.Err.Code != ErrCodeMethodNotFound {
		t.Errorf("code = %d", msg.Err.Code)
	}
}

func TestIDGeneratorMonotonic(t *testing.T) {
	g := &idGenerator{}
	prev := int64(0)
	for i := 0; i < 100; i++ {
		id := g.Next()
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
}
