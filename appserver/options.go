package appserver

import "log/slog"

// Config holds connection configuration.
type Config struct {
	Gate          *Gate
	StderrHandler func([]byte)
	Logger        *slog.Logger
	Env           map[string]string
	BinaryPath    string
	WorkDir       string
	ClientName    string
	ClientVersion string
	BinaryArgs    []string
}

func defaultConfig() Config {
	return Config{
		BinaryPath:    "codex",
		BinaryArgs:    []string{"app-server"},
		ClientName:    "coxswain",
		ClientVersion: "1.0.0",
		Logger:        nopLogger,
	}
}

// Option is a functional option for configuring a Conn.
type Option func(*Config)

// WithBinaryPath sets the path to the agent binary.
func WithBinaryPath(path string) Option {
	return func(c *Config) { c.BinaryPath = path }
}

// WithBinaryArgs sets the command-line arguments for the agent binary.
func WithBinaryArgs(args ...string) Option {
	return func(c *Config) { c.BinaryArgs = args }
}

// WithWorkDir sets the working directory the agent process runs in.
func WithWorkDir(dir string) Option {
	return func(c *Config) { c.WorkDir = dir }
}

// WithEnv sets additional environment variables for the agent subprocess.
func WithEnv(env map[string]string) Option {
	return func(c *Config) { c.Env = env }
}

// WithGate sets the approval gate that answers agent-initiated requests.
func WithGate(g *Gate) Option {
	return func(c *Config) { c.Gate = g }
}

// WithStderrHandler sets a handler for agent stderr output.
func WithStderrHandler(h func([]byte)) Option {
	return func(c *Config) { c.StderrHandler = h }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// WithClientName sets the client name reported during initialize.
func WithClientName(name string) Option {
	return func(c *Config) { c.ClientName = name }
}

// WithClientVersion sets the client version reported during initialize.
func WithClientVersion(version string) Option {
	return func(c *Config) { c.ClientVersion = version }
}
