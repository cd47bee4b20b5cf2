package driver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bazelment/coxswain/appserver"
)

// turnOutcome is what a finished turn resolves to.
type turnOutcome struct {
	usage   *appserver.TokenUsage
	status  string
	errText string
}

// turnState tracks one in-flight turn. done receives exactly one outcome.
type turnState struct {
	done          chan turnOutcome
	watchdog      *time.Timer
	cancelStart   context.CancelFunc
	id            string
	lastText      string
	failText      string
	interruptSent bool
	inactivity    bool
	finished      bool
}

// turnTracker holds the active turn under a lock shared with the
// notification handler.
type turnTracker struct {
	mu     sync.Mutex
	active *turnState
}

// startTurn submits a prompt and installs the inactivity watchdog. The
// watchdog is armed before the turn/start call so an agent that hangs on
// the request itself is still caught by the grace period.
func (d *Driver) startTurn(ctx context.Context, text string) (*turnState, error) {
	t := &turnState{done: make(chan turnOutcome, 1)}

	callCtx, cancel := context.WithCancel(ctx)
	t.cancelStart = cancel

	d.turns.mu.Lock()
	d.turns.active = t
	t.watchdog = time.AfterFunc(d.cfg.GracePeriod, func() { d.watchdogFire(t) })
	d.turns.mu.Unlock()

	var (
		id  string
		err error
	)
	if len(d.cfg.OutputSchema) > 0 {
		id, err = d.conn.StartTurnWithSchema(callCtx, d.threadID, text, d.cfg.OutputSchema)
	} else {
		id, err = d.conn.StartTurn(callCtx, d.threadID, text)
	}
	cancel()

	d.turns.mu.Lock()
	if err != nil {
		inactive := t.inactivity
		t.finished = true
		t.watchdog.Stop()
		d.turns.active = nil
		d.turns.mu.Unlock()
		if inactive {
			return nil, errStartInactive
		}
		return nil, err
	}
	t.id = id
	d.turns.mu.Unlock()

	d.logger.Info("turn started", "thread_id", d.threadID, "turn_id", id)
	d.emit(Event{Kind: EventTurnStarted, ThreadID: d.threadID, TurnID: id})
	return t, nil
}

// awaitTurn blocks until the turn resolves, the connection dies, or ctx
// ends. A cancelled ctx interrupts the turn best effort before returning.
func (d *Driver) awaitTurn(ctx context.Context, t *turnState) (Result, error) {
	select {
	case out := <-t.done:
		return d.finishTurn(t, out), nil

	case <-d.conn.Done():
		d.clearTurn(t)
		return Result{}, d.conn.Err()

	case <-ctx.Done():
		d.interruptActive(t)
		// Give the agent a moment to acknowledge before giving up.
		select {
		case out := <-t.done:
			return d.finishTurn(t, out), nil
		case <-time.After(5 * time.Second):
		case <-d.conn.Done():
		}
		d.clearTurn(t)
		return Result{}, ctx.Err()
	}
}

// finishTurn folds the outcome and collected messages into a Result.
func (d *Driver) finishTurn(t *turnState, out turnOutcome) Result {
	d.turns.mu.Lock()
	r := Result{
		Usage:       out.usage,
		ThreadID:    d.threadID,
		TurnID:      t.id,
		Status:      out.status,
		Message:     t.lastText,
		FailureText: t.failText,
		ErrorText:   out.errText,
		Inactivity:  t.inactivity,
	}
	if d.turns.active == t {
		d.turns.active = nil
	}
	d.turns.mu.Unlock()

	d.logger.Info("turn finished",
		"turn_id", r.TurnID, "status", r.Status, "failed", r.Failed(), "inactive", r.Inactivity)
	d.emit(Event{Kind: EventTurnCompleted, ThreadID: r.ThreadID, TurnID: r.TurnID, Status: r.Status})
	return r
}

func (d *Driver) clearTurn(t *turnState) {
	d.turns.mu.Lock()
	t.finished = true
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
	if d.turns.active == t {
		d.turns.active = nil
	}
	d.turns.mu.Unlock()
}

// interruptActive sends turn/interrupt for t at most once.
func (d *Driver) interruptActive(t *turnState) {
	d.turns.mu.Lock()
	if t.finished || t.interruptSent || t.id == "" {
		d.turns.mu.Unlock()
		return
	}
	t.interruptSent = true
	id := t.id
	d.turns.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.conn.InterruptTurn(ctx, d.threadID, id); err != nil {
		d.logger.Warn("turn/interrupt failed", "turn_id", id, "error", err)
	}
}

// watchdogFire handles inactivity expiry: mark the turn inactive and
// interrupt it. Fires at most once per turn; a turn that produced no
// turn/start response yet has its pending call cancelled instead.
func (d *Driver) watchdogFire(t *turnState) {
	d.turns.mu.Lock()
	if t.finished || t.interruptSent {
		d.turns.mu.Unlock()
		return
	}
	t.inactivity = true
	t.interruptSent = true
	id := t.id
	cancel := t.cancelStart
	d.turns.mu.Unlock()

	d.logger.Warn("agent inactive, interrupting turn",
		"thread_id", d.threadID, "turn_id", id)

	if id == "" {
		if cancel != nil {
			cancel()
		}
		return
	}

	ctx, cancelCall := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCall()
	if err := d.conn.InterruptTurn(ctx, d.threadID, id); err != nil {
		d.logger.Warn("turn/interrupt failed", "turn_id", id, "error", err)
		// The completion we are waiting for may never come; resolve the
		// turn locally so the waiter is not stranded.
		d.resolve(t, turnOutcome{status: appserver.TurnStatusInterrupted, errText: "agent unresponsive"})
	}
}

// resolve delivers an outcome exactly once.
func (d *Driver) resolve(t *turnState, out turnOutcome) {
	d.turns.mu.Lock()
	if t.finished {
		d.turns.mu.Unlock()
		return
	}
	t.finished = true
	if t.watchdog != nil {
		t.watchdog.Stop()
	}
	d.turns.mu.Unlock()

	t.done <- out
}

// handleNotification runs on the connection's read loop. Every
// notification belonging to the active turn counts as agent activity and
// re-arms the idle timer.
func (d *Driver) handleNotification(method string, params json.RawMessage) {
	d.turns.mu.Lock()
	t := d.turns.active
	if t == nil || t.finished {
		d.turns.mu.Unlock()
		return
	}
	if !t.interruptSent && t.watchdog != nil {
		t.watchdog.Reset(d.cfg.IdlePeriod)
	}
	d.turns.mu.Unlock()

	switch method {
	case appserver.NotifyItemCompleted:
		msg, ok := appserver.ParseAgentMessage(params)
		if !ok {
			return
		}
		d.turns.mu.Lock()
		t.lastText = msg.Text
		if t.failText == "" && declaredFailure(msg.Text) {
			t.failText = msg.Text
		}
		d.turns.mu.Unlock()
		d.emit(Event{Kind: EventAgentMessage, ThreadID: d.threadID, TurnID: t.id, Text: msg.Text})

	case appserver.NotifyTurnCompleted:
		tc, err := appserver.ParseTurnCompleted(params)
		if err != nil {
			d.logger.Warn("unparseable turn/completed", "error", err)
			return
		}
		d.turns.mu.Lock()
		match := t.id == "" || tc.Turn.ID == "" || tc.Turn.ID == t.id
		d.turns.mu.Unlock()
		if !match {
			return
		}
		out := turnOutcome{status: tc.Turn.Status, usage: tc.Turn.Usage}
		if tc.Turn.Error != nil {
			out.errText = tc.Turn.Error.Message
		}
		d.resolve(t, out)
	}
}
