package driver

import (
	"context"
	"errors"

	"github.com/bazelment/coxswain/appserver"
	"github.com/bazelment/coxswain/inputfeed"
)

// runSingle executes the configured prompt once, retrying a failed turn by
// prompting the agent to continue. Inactivity interrupts count against the
// same retry limit as failed turns.
func (d *Driver) runSingle(ctx context.Context) (Result, error) {
	prompt := d.cfg.Prompt
	var last Result

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.logger.Info("retrying turn", "attempt", attempt, "max", d.cfg.MaxAttempts)
			prompt = continuePrompt
		}

		t, err := d.startTurn(ctx, prompt)
		if errors.Is(err, errStartInactive) {
			last = Result{
				ThreadID:   d.threadID,
				Status:     appserver.TurnStatusInterrupted,
				Attempts:   attempt,
				Inactivity: true,
			}
			continue
		}
		if err != nil {
			return Result{}, err
		}

		r, err := d.awaitTurn(ctx, t)
		if err != nil {
			return Result{}, err
		}
		r.Attempts = attempt
		last = r
		if !r.Failed() {
			return r, nil
		}
	}

	return last, &TurnFailedError{
		Attempts:    d.cfg.MaxAttempts,
		LastStatus:  last.Status,
		LastMessage: lastMessage(last),
		Inactivity:  last.Inactivity,
	}
}

func lastMessage(r Result) string {
	if r.FailureText != "" {
		return r.FailureText
	}
	return r.Message
}

// runSteered runs one prompt while forwarding feed items as steering input
// to the running turn. Items arriving after the turn ends are dropped.
func (d *Driver) runSteered(ctx context.Context) (Result, error) {
	t, err := d.startTurn(ctx, d.cfg.Prompt)
	if err != nil {
		if errors.Is(err, errStartInactive) {
			return Result{}, &TurnFailedError{
				Attempts:   1,
				LastStatus: appserver.TurnStatusInterrupted,
				Inactivity: true,
			}
		}
		return Result{}, err
	}

	steerCtx, stopSteering := context.WithCancel(ctx)
	defer stopSteering()
	go d.pumpSteering(steerCtx, t)

	r, err := d.awaitTurn(ctx, t)
	r.Attempts = 1
	return r, err
}

// pumpSteering drains the feed into the active turn until the turn ends.
func (d *Driver) pumpSteering(ctx context.Context, t *turnState) {
	for {
		item, err := d.feed.Next(ctx)
		if err != nil {
			return
		}
		if err := d.Steer(ctx, t.id, item.Text); err != nil {
			d.logger.Warn("steer dropped", "source", item.Source, "error", err)
			if errors.Is(err, ErrStaleSteer) || errors.Is(err, ErrNoActiveTurn) {
				return
			}
		}
	}
}

// Steer injects text into the running turn named by expectedTurnID. A
// stale or absent target is rejected locally; nothing goes on the wire.
func (d *Driver) Steer(ctx context.Context, expectedTurnID, text string) error {
	d.turns.mu.Lock()
	t := d.turns.active
	if t == nil || t.finished {
		d.turns.mu.Unlock()
		return ErrNoActiveTurn
	}
	if t.id == "" || t.id != expectedTurnID {
		d.turns.mu.Unlock()
		return ErrStaleSteer
	}
	d.turns.mu.Unlock()

	if err := d.conn.SteerTurn(ctx, d.threadID, expectedTurnID, text); err != nil {
		return err
	}
	d.emit(Event{Kind: EventTurnSteered, ThreadID: d.threadID, TurnID: expectedTurnID, Text: text})
	return nil
}

// runChat runs an interactive session: feed items start turns when the
// thread is idle and steer the turn otherwise. The session ends when the
// feed closes and the last turn resolves. Chat turns are not retried.
func (d *Driver) runChat(ctx context.Context) ([]Result, error) {
	items := make(chan inputfeed.Item)
	feedErr := make(chan error, 1)
	go func() {
		for {
			item, err := d.feed.Next(ctx)
			if err != nil {
				feedErr <- err
				return
			}
			select {
			case items <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		results []Result
		active  *turnState
		closing bool
	)

	for {
		var done chan turnOutcome
		if active != nil {
			done = active.done
		} else if closing {
			return results, nil
		}

		select {
		case item := <-items:
			if active != nil {
				err := d.Steer(ctx, active.id, item.Text)
				if err == nil {
					continue
				}
				if !errors.Is(err, ErrNoActiveTurn) && !errors.Is(err, ErrStaleSteer) {
					d.logger.Warn("chat steer failed", "error", err)
					continue
				}
				// The turn ended while the item was in flight. Collect the
				// outcome, then treat the item as the next prompt instead
				// of dropping it.
				select {
				case out := <-active.done:
					r := d.finishTurn(active, out)
					r.Attempts = 1
					results = append(results, r)
				case <-d.conn.Done():
					d.clearTurn(active)
					return results, d.conn.Err()
				}
				active = nil
			}
			t, err := d.startTurn(ctx, item.Text)
			if errors.Is(err, errStartInactive) {
				results = append(results, Result{
					ThreadID:   d.threadID,
					Status:     appserver.TurnStatusInterrupted,
					Attempts:   1,
					Inactivity: true,
				})
				continue
			}
			if err != nil {
				return results, err
			}
			active = t

		case out := <-done:
			r := d.finishTurn(active, out)
			r.Attempts = 1
			results = append(results, r)
			active = nil

		case err := <-feedErr:
			if !errors.Is(err, inputfeed.ErrClosed) {
				return results, err
			}
			closing = true
			if active == nil {
				return results, nil
			}

		case <-d.conn.Done():
			if active != nil {
				d.clearTurn(active)
			}
			return results, d.conn.Err()

		case <-ctx.Done():
			if active != nil {
				d.interruptActive(active)
				select {
				case out := <-active.done:
					r := d.finishTurn(active, out)
					r.Attempts = 1
					results = append(results, r)
				case <-d.conn.Done():
				}
			}
			return results, ctx.Err()
		}
	}
}
