// Package verify answers one question during a verification window: can
// the control host still reach a given address through the tunnel. An
// operator (or script) checks reachability before confirming a commit.
package verify

import (
	"context"
	"fmt"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"wgsteward/internal/logging"
)

// Verifier reports whether an address is reachable.
type Verifier interface {
	Reachable(ctx context.Context, addr string) error
}

// PingVerifier sends ICMP echoes and falls back to a TCP dial when ICMP
// is unavailable (unprivileged daemon, filtered echo).
type PingVerifier struct {
	// Count is the number of echoes per attempt, default 3.
	Count int
	// Timeout bounds one verification attempt, default 5s.
	Timeout time.Duration
	// Privileged selects raw ICMP sockets; needs root or CAP_NET_RAW.
	Privileged bool
	// FallbackPort is dialed over TCP when ICMP yields nothing,
	// default 22.
	FallbackPort int

	Log *logging.Logger
}

func NewPingVerifier(log *logging.Logger) *PingVerifier {
	if log == nil {
		log = logging.Default()
	}
	return &PingVerifier{
		Count:        3,
		Timeout:      5 * time.Second,
		Privileged:   true,
		FallbackPort: 22,
		Log:          log.WithComponent("verify"),
	}
}

// Reachable returns nil when at least one echo reply arrives, or the
// TCP fallback connects.
func (v *PingVerifier) Reachable(ctx context.Context, addr string) error {
	count := v.Count
	if count <= 0 {
		count = 3
	}
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	pinger.Count = count
	pinger.Timeout = timeout
	pinger.Interval = 200 * time.Millisecond
	pinger.SetPrivileged(v.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		v.Log.Debug("icmp probe failed, trying tcp", "addr", addr, "error", err)
		return v.dialFallback(ctx, addr, timeout)
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv > 0 {
		v.Log.Debug("icmp probe succeeded", "addr", addr,
			"received", stats.PacketsRecv, "rtt", stats.AvgRtt)
		return nil
	}
	v.Log.Debug("no echo replies, trying tcp", "addr", addr)
	return v.dialFallback(ctx, addr, timeout)
}

func (v *PingVerifier) dialFallback(ctx context.Context, addr string, timeout time.Duration) error {
	port := v.FallbackPort
	if port <= 0 {
		port = 22
	}
	d := net.Dialer{Timeout: timeout}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := d.DialContext(dctx, "tcp", net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", addr, err)
	}
	conn.Close()
	return nil
}

// StaticVerifier is a test double with a fixed answer per address.
type StaticVerifier struct {
	// Unreachable lists addresses that fail; everything else passes.
	Unreachable map[string]bool
	// Calls records every address checked, in order.
	Calls []string
}

func (s *StaticVerifier) Reachable(ctx context.Context, addr string) error {
	s.Calls = append(s.Calls, addr)
	if s.Unreachable[addr] {
		return fmt.Errorf("%s unreachable", addr)
	}
	return nil
}
