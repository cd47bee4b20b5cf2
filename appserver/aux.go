package appserver

import (
	"log/slog"
	"net"
	"os"
	"sync"
)

// auxSocketEnv names a unix socket that receives a copy of every agent
// message, for out-of-band monitoring. Unset means no forwarding.
const auxSocketEnv = "AGENT_OUTPUT_SOCKET"

// auxForwarder mirrors raw agent output lines to a monitoring socket.
// Forwarding is best effort: a missing socket or a write failure disables
// the forwarder without touching the connection.
type auxForwarder struct {
	logger *slog.Logger
	conn   net.Conn
	mu     sync.Mutex
	dead   bool
}

// newAuxForwarder dials the socket named by AGENT_OUTPUT_SOCKET. Returns
// nil when forwarding is not configured or the socket is unreachable.
func newAuxForwarder(logger *slog.Logger) *auxForwarder {
	path := os.Getenv(auxSocketEnv)
	if path == "" {
		return nil
	}
	conn, err := net.Dial("unix", path)
	if err != nil {
		logger.Warn("aux output socket unreachable, forwarding disabled",
			"path", path, "error", err)
		return nil
	}
	return &auxForwarder{conn: conn, logger: logger}
}

// Forward writes one line to the socket. The first failure closes the
// socket and turns every later call into a no-op.
func (f *auxForwarder) Forward(line []byte) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.conn.Write(buf); err != nil {
		f.logger.Warn("aux forwarding failed, disabling", "error", err)
		f.dead = true
		f.conn.Close()
	}
}

// Close releases the socket.
func (f *auxForwarder) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dead {
		f.dead = true
		f.conn.Close()
	}
}
