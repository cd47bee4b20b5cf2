// Package driver runs agent turns to completion. It owns the turn lifecycle
// on top of an app-server connection: starting turns, feeding steering
// input, watching for agent inactivity, and classifying outcomes.
package driver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/bazelment/coxswain/appserver"
	"github.com/bazelment/coxswain/inputfeed"
)

// Mode selects how the driver runs turns.
type Mode int

const (
	// ModeSingle runs one prompt to completion, retrying a failed turn by
	// asking the agent to continue.
	ModeSingle Mode = iota

	// ModeChat runs an interactive session: each input item starts a turn
	// when the thread is idle, or steers the running turn.
	ModeChat

	// ModeSteered runs one prompt while accepting steering input for the
	// duration of that turn.
	ModeSteered
)

// agentConn is the slice of the connection the driver uses. Satisfied by
// *appserver.Conn; tests substitute their own.
type agentConn interface {
	OnNotification(appserver.NotificationHandler)
	StartThread(ctx context.Context, params appserver.ThreadStartParams) (string, error)
	StartTurn(ctx context.Context, threadID, text string) (string, error)
	StartTurnWithSchema(ctx context.Context, threadID, text string, schema json.RawMessage) (string, error)
	SteerTurn(ctx context.Context, threadID, expectedTurnID, text string) error
	InterruptTurn(ctx context.Context, threadID, turnID string) error
	Close() error
	Done() <-chan struct{}
	Err() error
}

// Config holds driver configuration.
type Config struct {
	Conn         *appserver.Conn
	Feed         *inputfeed.Feed
	Logger       *slog.Logger
	OnEvent      func(Event)
	StopInputs   func()
	OutputSchema json.RawMessage
	Prompt       string
	ThreadParams appserver.ThreadStartParams
	Mode         Mode
	GracePeriod  time.Duration
	IdlePeriod   time.Duration
	MaxAttempts  int
}

const (
	// defaultGracePeriod is how long a fresh turn may stay silent before
	// the watchdog interrupts it. Generous because agent startup and
	// context loading are front-loaded.
	defaultGracePeriod = 60 * time.Second

	// defaultIdlePeriod is the silence allowance once a turn has shown
	// activity. Long turns are normal; a totally silent agent is not.
	defaultIdlePeriod = 10 * time.Minute

	defaultMaxAttempts = 3

	// continuePrompt nudges the agent to pick the work back up after a
	// failed attempt.
	continuePrompt = "continue"
)

// Driver executes turns against one agent thread.
type Driver struct {
	cfg      Config
	conn     agentConn
	feed     *inputfeed.Feed
	logger   *slog.Logger
	threadID string

	// turn state lives in turn.go
	turns turnTracker
}

// New creates a driver. Conn must not have been started yet: the driver
// registers its notification handler before the read loop can deliver
// anything.
func New(cfg Config) *Driver {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if cfg.IdlePeriod <= 0 {
		cfg.IdlePeriod = defaultIdlePeriod
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(127)}))
	}
	if cfg.Feed == nil {
		cfg.Feed = inputfeed.New()
	}

	d := &Driver{
		cfg:    cfg,
		conn:   cfg.Conn,
		feed:   cfg.Feed,
		logger: cfg.Logger,
	}
	if cfg.Conn != nil {
		cfg.Conn.OnNotification(d.handleNotification)
	}
	return d
}

// newWithConn is the test seam: like New but with an injected connection.
func newWithConn(cfg Config, conn agentConn) *Driver {
	d := New(cfg)
	d.conn = conn
	conn.OnNotification(d.handleNotification)
	return d
}

// Run starts the agent, opens a thread, and executes turns per the
// configured mode. Cleanup is unconditional: input sources are stopped,
// the feed is closed, and the connection is torn down no matter how the
// run ends.
func (d *Driver) Run(ctx context.Context) (results []Result, err error) {
	defer func() {
		if d.cfg.StopInputs != nil {
			d.cfg.StopInputs()
		}
		d.feed.Close()
		if cerr := d.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	threadID, err := d.conn.StartThread(ctx, d.cfg.ThreadParams)
	if err != nil {
		return nil, err
	}
	d.threadID = threadID
	d.emit(Event{Kind: EventThreadStarted, ThreadID: threadID})

	switch d.cfg.Mode {
	case ModeChat:
		return d.runChat(ctx)
	case ModeSteered:
		return wrapResult(d.runSteered(ctx))
	default:
		return wrapResult(d.runSingle(ctx))
	}
}

// wrapResult lifts a single-turn outcome into the results slice, keeping a
// partial result visible next to its error.
func wrapResult(r Result, err error) ([]Result, error) {
	if r == (Result{}) {
		return nil, err
	}
	return []Result{r}, err
}

// ThreadID reports the thread opened by Run. Empty before Run.
func (d *Driver) ThreadID() string {
	return d.threadID
}

func (d *Driver) emit(ev Event) {
	if d.cfg.OnEvent != nil {
		d.cfg.OnEvent(ev)
	}
}
