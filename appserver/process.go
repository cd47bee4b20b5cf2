package appserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/bazelment/coxswain/internal/procattr"
)

// agentProcess owns the agent subprocess and its stdio pipes. Exactly one
// goroutine calls Wait on the command; everyone else observes the exit
// through Exited.
type agentProcess struct {
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	cmd     *exec.Cmd
	reader  *bufio.Reader
	encoder *json.Encoder
	exited  chan error

	mu       sync.Mutex
	started  bool
	stopping bool
}

func newAgentProcess() *agentProcess {
	return &agentProcess{exited: make(chan error, 1)}
}

// Start spawns the agent process with its own process group so a later
// group signal cannot hit the parent.
func (p *agentProcess) Start(ctx context.Context, cfg Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	p.cmd = exec.CommandContext(ctx, cfg.BinaryPath, cfg.BinaryArgs...)
	p.cmd.Dir = cfg.WorkDir
	procattr.Apply(p.cmd)

	if len(cfg.Env) > 0 {
		p.cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			p.cmd.Env = append(p.cmd.Env, k+"="+v)
		}
	}

	var err error
	p.stdin, err = p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	p.stdout, err = p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	p.stderr, err = p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start agent process: %w", err)
	}

	p.reader = bufio.NewReader(p.stdout)
	p.encoder = json.NewEncoder(p.stdin)
	p.started = true

	go func() {
		p.exited <- p.cmd.Wait()
		close(p.exited)
	}()

	return nil
}

// Exited yields the process's exit result once. The channel is closed
// after the result is delivered.
func (p *agentProcess) Exited() <-chan error {
	return p.exited
}

// ReadLine reads one newline-delimited message from the agent's stdout.
func (p *agentProcess) ReadLine() ([]byte, error) {
	p.mu.Lock()
	reader := p.reader
	p.mu.Unlock()

	if reader == nil {
		return nil, io.EOF
	}

	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	return line, nil
}

// WriteJSON writes one message to the agent's stdin, newline terminated.
func (p *agentProcess) WriteJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.encoder == nil {
		return ErrNotStarted
	}
	if p.stopping {
		return ErrConnClosed
	}
	return p.encoder.Encode(v)
}

// Stop shuts the process down, escalating: close stdin, then SIGINT the
// process group, then SIGKILL it. Safe to call more than once.
func (p *agentProcess) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	if p.stdin != nil {
		p.stdin.Close()
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	if p.cmd.Process != nil {
		_ = procattr.SignalGroup(p.cmd.Process, syscall.SIGINT)
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(500 * time.Millisecond):
	}

	if p.cmd.Process != nil {
		_ = procattr.KillGroup(p.cmd.Process)
	}
	select {
	case <-p.exited:
	case <-time.After(200 * time.Millisecond):
	}
	return nil
}

// startStderrReader forwards the agent's stderr chunks to handler until
// the pipe closes. onExit runs when the reader goroutine finishes.
func (p *agentProcess) startStderrReader(handler func([]byte), onExit func()) {
	if p.stderr == nil || handler == nil {
		if onExit != nil {
			onExit()
		}
		return
	}
	go func() {
		if onExit != nil {
			defer onExit()
		}
		buf := make([]byte, 4096)
		for {
			n, err := p.stderr.Read(buf)
			if n > 0 {
				handler(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
}

// exitError converts a Wait result into a ProcessError carrying the exit
// code or fatal signal.
func exitError(waitErr error) *ProcessError {
	pe := &ProcessError{Cause: waitErr, ExitCode: 0}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		pe.ExitCode = ee.ExitCode()
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			pe.ExitCode = -1
			pe.Signal = ws.Signal().String()
		}
	}
	return pe
}
