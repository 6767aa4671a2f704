// Package commit orchestrates applying a compiled artifact to the live
// system. A commit either lands immediately or, in safety mode, opens a
// verification window: the change is live but not yet recorded as
// last-applied, and unless the caller confirms within the deadline the
// previous artifact is restored. That makes a lockout self-healing; an
// operator who cut off their own access gets the old config back.
package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"wgsteward/internal/clock"
	"wgsteward/internal/compile"
	"wgsteward/internal/diff"
	"wgsteward/internal/logging"
	"wgsteward/internal/metrics"
	"wgsteward/internal/store"
	"wgsteward/internal/system"
	"wgsteward/internal/verify"
)

// DefaultDeadline is the safety-mode verification window.
const DefaultDeadline = 60 * time.Second

// ErrLockHeld is returned when a commit is attempted while another
// transaction holds the lock. Callers surface it as a conflict; commits
// are never queued.
var ErrLockHeld = errors.New("another commit is in progress")

// ApplyError wraps a failure from the system layer. The live system may
// be in the partial state the failed step produced; last-applied is not
// updated and nothing is retried.
type ApplyError struct {
	Step string
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply failed during %s: %v", e.Step, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// VerifyError means the candidate went live but the post-apply probe
// could not reach the verification target; the previous artifact has
// already been restored by the time the caller sees this.
type VerifyError struct {
	Target string
	Err    error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verification of %s failed after apply: %v", e.Target, e.Err)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// State is the coordinator's externally visible state.
type State string

const (
	StateIdle      State = "idle"
	StateVerifying State = "verifying"
)

// Options controls a single commit.
type Options struct {
	// Safety opens a verification window instead of finalizing
	// immediately. Scope-none commits never open one.
	Safety bool
	// Deadline overrides DefaultDeadline when positive.
	Deadline time.Duration
}

// Result describes the outcome of a commit call.
type Result struct {
	// TransactionID is set only for safety-mode commits; it is the
	// handle for Confirm and Cancel.
	TransactionID string        `json:"transaction_id,omitempty"`
	Scope         diff.Scope    `json:"-"`
	Summary       *diff.Summary `json:"summary"`
	// Finalized means the candidate became last-applied during this
	// call. False while a verification window is open.
	Finalized bool `json:"finalized"`
	// Deadline is when an unconfirmed transaction reverts.
	Deadline time.Time `json:"deadline,omitempty"`
}

// Persister records an artifact as the new last-applied state. A nil
// artifact means nothing is applied.
type Persister func(*compile.Artifact) error

// Journal persists the open verification window so a crashed daemon
// can restore the previous artifact at startup.
type Journal interface {
	SaveTransaction(txn *store.Transaction) error
	ClearTransaction() error
}

type transaction struct {
	id        string
	previous  *compile.Artifact
	candidate *compile.Artifact
	timer     clock.Timer
	deadline  time.Time
}

// Coordinator serializes commits and runs the verify-confirm-revert
// state machine. All methods are safe for concurrent use.
type Coordinator struct {
	applier system.Applier
	clock   clock.Clock
	persist Persister
	journal Journal
	log     *logging.Logger

	verifier     verify.Verifier
	verifyTarget string

	mu sync.Mutex
	// busy is true while a commit is mid-apply, before any
	// verification window opens. Together with txn it forms the global
	// commit lock: a second Commit fails fast instead of queueing
	// behind shell-outs that can take seconds.
	busy bool
	// txn is non-nil while a verification window is open.
	txn *transaction
	// finished remembers recently completed transaction IDs so a late
	// Confirm or Cancel is a no-op rather than an error.
	finished map[string]bool
}

func NewCoordinator(applier system.Applier, clk clock.Clock, persist Persister, log *logging.Logger) *Coordinator {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &Coordinator{
		applier:  applier,
		clock:    clk,
		persist:  persist,
		log:      log.WithComponent("commit"),
		finished: make(map[string]bool),
	}
}

// WithJournal enables crash recovery for verification windows.
func (c *Coordinator) WithJournal(j Journal) *Coordinator {
	c.journal = j
	return c
}

// WithVerifier probes target after every safety-mode apply. When the
// probe fails the previous artifact is restored immediately instead of
// waiting out the verification window.
func (c *Coordinator) WithVerifier(v verify.Verifier, target string) *Coordinator {
	c.verifier = v
	c.verifyTarget = target
	return c
}

// State reports idle or verifying.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txn != nil {
		return StateVerifying
	}
	return StateIdle
}

// Pending returns the open transaction ID and deadline, if any.
func (c *Coordinator) Pending() (string, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txn == nil {
		return "", time.Time{}, false
	}
	return c.txn.id, c.txn.deadline, true
}

// Commit classifies candidate against previous, applies it with the
// least invasive strategy for the scope, and either finalizes or opens
// a verification window.
func (c *Coordinator) Commit(ctx context.Context, previous, candidate *compile.Artifact, opts Options) (*Result, error) {
	c.mu.Lock()
	if c.busy || c.txn != nil {
		c.mu.Unlock()
		return nil, ErrLockHeld
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	sum := diff.Classify(previous, candidate)
	res := &Result{Scope: sum.Scope, Summary: sum}

	if sum.Scope == diff.ScopeNone {
		res.Finalized = true
		metrics.Get().CommitsTotal.WithLabelValues(sum.Scope.String(), "noop").Inc()
		return res, nil
	}

	var txn *transaction
	if opts.Safety {
		deadline := opts.Deadline
		if deadline <= 0 {
			deadline = DefaultDeadline
		}
		txn = &transaction{
			id:        uuid.New().String(),
			previous:  previous,
			candidate: candidate,
			deadline:  c.clock.Now().Add(deadline),
		}
		// Journal before touching the live system so a crash during
		// apply still leaves enough to restore from.
		if c.journal != nil {
			if err := c.journal.SaveTransaction(&store.Transaction{
				ID:        txn.id,
				Deadline:  txn.deadline,
				Previous:  previous,
				Candidate: candidate,
			}); err != nil {
				return nil, fmt.Errorf("journal transaction: %w", err)
			}
		}
	}

	start := c.clock.Now()
	if err := c.apply(ctx, sum.Scope, sum.RulesChanged, candidate); err != nil {
		c.clearJournal()
		metrics.Get().ApplyFailures.Inc()
		metrics.Get().CommitsTotal.WithLabelValues(sum.Scope.String(), "failed").Inc()
		c.log.Error("commit apply failed", "scope", sum.Scope.String(), "error", err)
		return nil, err
	}
	metrics.Get().CommitDuration.Observe(c.clock.Since(start).Seconds())

	if !opts.Safety {
		if err := c.persist(candidate); err != nil {
			return nil, fmt.Errorf("record last-applied state: %w", err)
		}
		res.Finalized = true
		metrics.Get().CommitsTotal.WithLabelValues(sum.Scope.String(), "applied").Inc()
		c.log.Info("commit finalized", "scope", sum.Scope.String())
		return res, nil
	}

	if c.verifier != nil && c.verifyTarget != "" {
		if err := c.verifier.Reachable(ctx, c.verifyTarget); err != nil {
			c.clearJournal()
			metrics.Get().CommitsTotal.WithLabelValues(sum.Scope.String(), "verify-failed").Inc()
			metrics.Get().RevertsTotal.WithLabelValues("verify-failed").Inc()
			c.log.Error("post-apply verification failed, restoring previous",
				"target", c.verifyTarget, "error", err)
			c.restore(ctx, previous, candidate)
			return nil, &VerifyError{Target: c.verifyTarget, Err: err}
		}
	}

	c.mu.Lock()
	txn.timer = c.clock.AfterFunc(c.clock.Until(txn.deadline), func() {
		c.revert(txn.id, "timeout")
	})
	c.txn = txn
	c.mu.Unlock()

	metrics.Get().CommitsTotal.WithLabelValues(sum.Scope.String(), "verifying").Inc()
	metrics.Get().VerifyingActive.Set(1)
	c.log.Info("commit applied, awaiting confirmation",
		"scope", sum.Scope.String(), "transaction", txn.id, "deadline", txn.deadline)

	res.TransactionID = txn.id
	res.Deadline = txn.deadline
	return res, nil
}

// Confirm finalizes a safety-mode commit. Confirming a transaction that
// already reverted or was already confirmed is a no-op.
func (c *Coordinator) Confirm(id string) error {
	c.mu.Lock()
	if c.txn == nil || c.txn.id != id {
		known := c.finished[id]
		c.mu.Unlock()
		if known {
			return nil
		}
		return fmt.Errorf("unknown transaction %q", id)
	}

	txn := c.txn
	if err := c.persist(txn.candidate); err != nil {
		// Keep the window open with the dead-man timer still armed;
		// the caller can retry before the deadline.
		c.mu.Unlock()
		return fmt.Errorf("record last-applied state: %w", err)
	}
	txn.timer.Stop()
	c.txn = nil
	c.finished[id] = true
	c.clearJournal()
	c.mu.Unlock()

	metrics.Get().ConfirmsTotal.Inc()
	metrics.Get().VerifyingActive.Set(0)
	c.log.Info("commit confirmed", "transaction", id)
	return nil
}

// Cancel reverts a safety-mode commit immediately instead of waiting
// for the deadline. Cancelling a finished transaction is a no-op.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	if c.txn == nil || c.txn.id != id {
		known := c.finished[id]
		c.mu.Unlock()
		if known {
			return nil
		}
		return fmt.Errorf("unknown transaction %q", id)
	}
	c.mu.Unlock()
	c.revert(id, "cancel")
	return nil
}

// revert closes the window and restores the previous artifact.
func (c *Coordinator) revert(id, reason string) {
	c.mu.Lock()
	if c.txn == nil || c.txn.id != id {
		// Confirm won the race.
		c.mu.Unlock()
		return
	}
	txn := c.txn
	txn.timer.Stop()
	c.txn = nil
	c.finished[id] = true
	c.clearJournal()
	c.mu.Unlock()

	metrics.Get().VerifyingActive.Set(0)
	metrics.Get().RevertsTotal.WithLabelValues(reason).Inc()
	c.log.Warn("reverting unconfirmed commit", "transaction", id, "reason", reason)

	c.restore(context.Background(), txn.previous, txn.candidate)
}

// restore puts previous back on the live system, given that candidate
// is what is live right now. The revert strategy is the classification
// of that transition, so a peers-only change reverts without bouncing
// the interface.
func (c *Coordinator) restore(ctx context.Context, previous, candidate *compile.Artifact) {
	if previous == nil {
		if err := c.applier.Deactivate(ctx); err != nil {
			c.log.Error("restore deactivate failed", "error", err)
		}
		if err := c.persist(nil); err != nil {
			c.log.Error("restore persist failed", "error", err)
		}
		return
	}

	sum := diff.Classify(candidate, previous)
	if err := c.apply(ctx, sum.Scope, sum.RulesChanged, previous); err != nil {
		c.log.Error("restore apply failed", "error", err)
		return
	}
	if err := c.persist(previous); err != nil {
		c.log.Error("restore persist failed", "error", err)
	}
}

// clearJournal is called with c.mu held or from revert after the
// transaction is detached; the journal itself is safe for that.
func (c *Coordinator) clearJournal() {
	if c.journal == nil {
		return
	}
	if err := c.journal.ClearTransaction(); err != nil {
		c.log.Error("clear transaction journal", "error", err)
	}
}

func (c *Coordinator) apply(ctx context.Context, scope diff.Scope, rulesChanged bool, art *compile.Artifact) error {
	switch scope {
	case diff.ScopeFull:
		// wg-quick's PostUp hook runs the rules script, so a full
		// activate covers the firewall as well.
		if err := c.applier.Activate(ctx, art); err != nil {
			return &ApplyError{Step: "activate", Err: err}
		}
	case diff.ScopePeersOnly:
		if err := c.applier.SyncPeers(ctx, art); err != nil {
			return &ApplyError{Step: "sync-peers", Err: err}
		}
		if rulesChanged {
			if err := c.applier.ApplyFirewall(ctx, art); err != nil {
				return &ApplyError{Step: "apply-firewall", Err: err}
			}
		}
	case diff.ScopeRulesOnly:
		if err := c.applier.ApplyFirewall(ctx, art); err != nil {
			return &ApplyError{Step: "apply-firewall", Err: err}
		}
	}
	return nil
}
