package system

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wgsteward/internal/compile"
	"wgsteward/internal/logging"
)

func testOptions(t *testing.T) compile.Options {
	t.Helper()
	dir := t.TempDir()
	return compile.Options{
		Interface:  "wg0",
		ConfigPath: filepath.Join(dir, "wg0.conf"),
	}
}

func testArtifact() *compile.Artifact {
	return &compile.Artifact{
		Interface: compile.InterfaceDescriptor{Name: "wg0", ListenPort: 51820, MTU: 1420},
		Peers: []compile.Peer{
			{Name: "alice", PublicKey: "alice-pub", AllowedIPs: []string{"10.0.1.2/32"}},
		},
		InterfaceConf:  "[Interface]\nListenPort = 51820\n",
		FirewallScript: "#!/bin/bash\n",
	}
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func TestActivateWritesFilesAndRunsWGQuick(t *testing.T) {
	opts := testOptions(t)
	runner := &MockCommandRunner{}
	runner.On("Run", "wg-quick", "down", opts.ConfigPath).Return(assert.AnError)
	runner.On("Run", "wg-quick", "up", opts.ConfigPath).Return(nil)

	a := NewWGQuickApplier(runner, opts, quietLogger())
	require.NoError(t, a.Activate(context.Background(), testArtifact()))
	runner.AssertExpectations(t)

	conf, err := os.ReadFile(opts.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, "[Interface]\nListenPort = 51820\n", string(conf))

	info, err := os.Stat(opts.RulesScriptPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	ci, err := os.Stat(opts.ConfigPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), ci.Mode().Perm())
}

func TestActivateReportsWGQuickFailure(t *testing.T) {
	opts := testOptions(t)
	runner := &MockCommandRunner{}
	runner.On("Run", "wg-quick", "down", opts.ConfigPath).Return(nil)
	runner.On("Run", "wg-quick", "up", opts.ConfigPath).Return(assert.AnError)

	a := NewWGQuickApplier(runner, opts, quietLogger())
	err := a.Activate(context.Background(), testArtifact())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "activate wg0")
}

func TestSyncPeersFeedsStrippedConfigToSyncconf(t *testing.T) {
	opts := testOptions(t)
	stripped := "[Interface]\nListenPort = 51820\n[Peer]\nPublicKey = alice-pub\n"
	runner := &MockCommandRunner{}
	runner.On("Output", "wg-quick", "strip", opts.ConfigPath).Return([]byte(stripped), nil)
	runner.On("RunInput", stripped, "wg", "syncconf", "wg0", "/dev/stdin").Return(nil)

	a := NewWGQuickApplier(runner, opts, quietLogger())
	require.NoError(t, a.SyncPeers(context.Background(), testArtifact()))
	runner.AssertExpectations(t)
}

func TestSyncPeersReportsStripFailure(t *testing.T) {
	opts := testOptions(t)
	runner := &MockCommandRunner{}
	runner.On("Output", "wg-quick", "strip", opts.ConfigPath).Return(nil, assert.AnError)

	a := NewWGQuickApplier(runner, opts, quietLogger())
	err := a.SyncPeers(context.Background(), testArtifact())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strip config for wg0")
	runner.AssertNotCalled(t, "RunInput", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestApplyFirewallRunsScript(t *testing.T) {
	opts := testOptions(t)
	runner := &MockCommandRunner{}
	runner.On("Run", "bash", opts.RulesScriptPath(), "apply").Return(nil)

	a := NewWGQuickApplier(runner, opts, quietLogger())
	require.NoError(t, a.ApplyFirewall(context.Background(), testArtifact()))
	runner.AssertExpectations(t)

	script, err := os.ReadFile(opts.RulesScriptPath())
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\n", string(script))
}

func TestDeactivate(t *testing.T) {
	opts := testOptions(t)
	runner := &MockCommandRunner{}
	runner.On("Run", "wg-quick", "down", opts.ConfigPath).Return(nil)

	a := NewWGQuickApplier(runner, opts, quietLogger())
	require.NoError(t, a.Deactivate(context.Background()))
	runner.AssertExpectations(t)
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, writeFileAtomic(path, []byte("one"), 0o600))
	require.NoError(t, writeFileAtomic(path, []byte("two"), 0o600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// No leftover temp files.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
