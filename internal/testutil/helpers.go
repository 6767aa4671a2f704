package testutil

import (
	"os"
	"testing"
)

// RequireLiveKernel skips the test unless WGSTEWARD_LIVE_TEST is set.
// Tests behind this gate create real WireGuard interfaces and iptables
// chains and need root on a disposable host.
func RequireLiveKernel(t *testing.T) {
	t.Helper()
	if os.Getenv("WGSTEWARD_LIVE_TEST") == "" {
		t.Skip("Skipping test: requires WGSTEWARD_LIVE_TEST environment")
	}
}
