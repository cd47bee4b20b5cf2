package driver

import (
	"strings"

	"github.com/bazelment/coxswain/appserver"
)

// failureMarker flags an agent message as a declared failure. The agent is
// instructed to open its final message with this marker when it cannot
// complete the work; the marker outranks the turn's own completed status.
const failureMarker = "FAILED:"

// Result is the outcome of one turn.
type Result struct {
	Usage       *appserver.TokenUsage
	ThreadID    string
	TurnID      string
	Status      string
	Message     string
	FailureText string
	ErrorText   string
	Attempts    int
	Inactivity  bool
}

// Failed reports whether the turn counts as unsuccessful. A failure marker
// in the agent's output fails the turn even when the agent reported the
// turn status as completed.
func (r Result) Failed() bool {
	if r.FailureText != "" {
		return true
	}
	return r.Status != appserver.TurnStatusCompleted
}

// declaredFailure checks whether the first non-blank line of an agent
// message carries the failure marker.
func declaredFailure(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		return strings.HasPrefix(trimmed, failureMarker)
	}
	return false
}
