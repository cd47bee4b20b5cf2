package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/coxswain/appserver"
)

func cmdApprovalReq(command string) *appserver.ApprovalRequest {
	return &appserver.ApprovalRequest{
		Kind:    appserver.ApprovalCommand,
		Command: command,
	}
}

func TestLoadFileConfigDefaults(t *testing.T) {
	cfg, err := LoadFileConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "codex", cfg.Agent)
	assert.Equal(t, []string{"app-server"}, cfg.AgentArgs)
	assert.Empty(t, cfg.AllowedCommands)
}

func TestLoadFileConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	data := `
agent: mycodex
agent_args: [server, --json]
model: gpt-5
approval_policy: on-request
allowed_commands:
  - git
  - go test
allow_file_edits: true
grace_period: 90s
idle_period: 15m
max_attempts: 5
steer_file: .steer
relay_addr: "127.0.0.1:7777"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".coxswain.yaml"), []byte(data), 0o644))

	cfg, err := LoadFileConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "mycodex", cfg.Agent)
	assert.Equal(t, []string{"server", "--json"}, cfg.AgentArgs)
	assert.Equal(t, "gpt-5", cfg.Model)
	assert.Equal(t, "on-request", cfg.ApprovalPolicy)
	assert.Equal(t, []string{"git", "go test"}, cfg.AllowedCommands)
	assert.True(t, cfg.AllowFileEdits)
	assert.Equal(t, Duration(90*time.Second), cfg.GracePeriod)
	assert.Equal(t, Duration(15*time.Minute), cfg.IdlePeriod)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, ".steer", cfg.SteerFile)
	assert.Equal(t, "127.0.0.1:7777", cfg.RelayAddr)
}

func TestLoadFileConfigRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".coxswain.yaml"), []byte("agent: [unclosed"), 0o644))

	_, err := LoadFileConfig(dir)
	assert.Error(t, err)
}

func TestSelectPolicyFromConfig(t *testing.T) {
	// Nothing configured: everything declined.
	p := selectPolicy(&FileConfig{})
	dec, err := p.Decide(testContext(t), cmdApprovalReq("rm -rf /"))
	require.NoError(t, err)
	assert.Equal(t, "decline", string(dec))

	// Allowed prefix accepted.
	p = selectPolicy(&FileConfig{AllowedCommands: []string{"go test"}})
	dec, err = p.Decide(testContext(t), cmdApprovalReq("go test ./..."))
	require.NoError(t, err)
	assert.Equal(t, "accept", string(dec))
}
