package verify

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgsteward/internal/logging"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func TestTCPFallbackReachesListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	v := NewPingVerifier(quietLogger())
	v.Privileged = false
	v.Count = 1
	v.Timeout = time.Second
	v.FallbackPort = ln.Addr().(*net.TCPAddr).Port

	// Unprivileged ICMP usually fails in test environments; the TCP
	// fallback should still report reachable.
	assert.NoError(t, v.Reachable(context.Background(), "127.0.0.1"))
}

func TestUnreachableAddress(t *testing.T) {
	v := NewPingVerifier(quietLogger())
	v.Privileged = false
	v.Count = 1
	v.Timeout = 500 * time.Millisecond
	// A port nothing listens on.
	v.FallbackPort = 1

	// TEST-NET-1, guaranteed unrouted.
	err := v.Reachable(context.Background(), "192.0.2.1")
	assert.Error(t, err)
}

func TestStaticVerifier(t *testing.T) {
	v := &StaticVerifier{Unreachable: map[string]bool{"10.0.1.3": true}}

	assert.NoError(t, v.Reachable(context.Background(), "10.0.1.2"))
	assert.Error(t, v.Reachable(context.Background(), "10.0.1.3"))
	assert.Equal(t, []string{"10.0.1.2", "10.0.1.3"}, v.Calls)
}
