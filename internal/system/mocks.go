package system

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"wgsteward/internal/compile"
)

// MockCommandRunner is a mock implementation of CommandRunner for testing.
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Run(name string, args ...string) error {
	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	return result.Error(0)
}

func (m *MockCommandRunner) Output(name string, args ...string) ([]byte, error) {
	callArgs := make([]interface{}, 0, len(args)+1)
	callArgs = append(callArgs, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

func (m *MockCommandRunner) RunInput(input string, name string, args ...string) error {
	callArgs := make([]interface{}, 0, len(args)+2)
	callArgs = append(callArgs, input, name)
	for _, a := range args {
		callArgs = append(callArgs, a)
	}
	result := m.Called(callArgs...)
	return result.Error(0)
}

// RecordingApplier records apply calls in order and can be told to fail
// a specific method. Used by coordinator and engine tests.
type RecordingApplier struct {
	mu    sync.Mutex
	Calls []string
	// Applied holds the artifact passed to the most recent call.
	Applied *compile.Artifact
	// FailOn makes the named method return FailErr.
	FailOn  string
	FailErr error
}

func (r *RecordingApplier) record(name string, art *compile.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, name)
	if art != nil {
		r.Applied = art
	}
	if r.FailOn == name {
		return r.FailErr
	}
	return nil
}

func (r *RecordingApplier) Activate(ctx context.Context, art *compile.Artifact) error {
	return r.record("activate", art)
}

func (r *RecordingApplier) SyncPeers(ctx context.Context, art *compile.Artifact) error {
	return r.record("sync-peers", art)
}

func (r *RecordingApplier) ApplyFirewall(ctx context.Context, art *compile.Artifact) error {
	return r.record("apply-firewall", art)
}

func (r *RecordingApplier) Deactivate(ctx context.Context) error {
	return r.record("deactivate", nil)
}

// CallNames returns a copy of the recorded call sequence.
func (r *RecordingApplier) CallNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Calls))
	copy(out, r.Calls)
	return out
}

// Reset clears recorded state between test phases.
func (r *RecordingApplier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = nil
	r.Applied = nil
}
