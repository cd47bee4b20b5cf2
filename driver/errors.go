package driver

import (
	"errors"
	"fmt"
)

// ErrStaleSteer is returned by Steer when the named turn is no longer the
// active one. The steer is rejected locally, before anything hits the wire.
var ErrStaleSteer = errors.New("steer target is not the active turn")

// ErrNoActiveTurn is returned by Steer when no turn is running at all.
var ErrNoActiveTurn = errors.New("no active turn")

// errStartInactive marks a turn/start call abandoned by the inactivity
// watchdog before the agent acknowledged it.
var errStartInactive = errors.New("agent silent during turn start")

// TurnFailedError reports that a turn did not reach a usable result after
// every allowed attempt.
type TurnFailedError struct {
	LastStatus  string
	LastMessage string
	Attempts    int
	Inactivity  bool
}

func (e *TurnFailedError) Error() string {
	if e.Inactivity {
		return fmt.Sprintf("turn failed after %d attempts: agent went silent (last status %q)", e.Attempts, e.LastStatus)
	}
	return fmt.Sprintf("turn failed after %d attempts (last status %q)", e.Attempts, e.LastStatus)
}
