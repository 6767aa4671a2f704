package commit

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgsteward/internal/clock"
	"wgsteward/internal/compile"
	"wgsteward/internal/diff"
	"wgsteward/internal/logging"
	"wgsteward/internal/model"
	"wgsteward/internal/system"
	"wgsteward/internal/verify"
)

type memPersister struct {
	mu   sync.Mutex
	last *compile.Artifact
	err  error
}

func (p *memPersister) save(art *compile.Artifact) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.last = art
	return nil
}

func (p *memPersister) get() *compile.Artifact {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type fixture struct {
	coord   *Coordinator
	applier *system.RecordingApplier
	clock   *clock.MockClock
	store   *memPersister
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		applier: &system.RecordingApplier{},
		clock:   clock.NewMockClock(time.Unix(1700000000, 0)),
		store:   &memPersister{},
	}
	log := logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
	f.coord = NewCoordinator(f.applier, f.clock, f.store.save, log)
	return f
}

func artifactFor(t *testing.T, mutate func(*model.Snapshot)) *compile.Artifact {
	t.Helper()
	snap := &model.Snapshot{
		Networks: []model.Network{
			{ID: 1, Name: "office", CIDR: "10.0.1.0/24", InterfaceAddress: "10.0.1.1/24"},
		},
		Clients: []model.Client{
			{ID: 1, Name: "alice", PublicKey: "alice-pub", Octet: 2, Enabled: true, NetworkIDs: []int64{1}},
			{ID: 2, Name: "bob", PublicKey: "bob-pub", Octet: 3, Enabled: true, NetworkIDs: []int64{1}},
		},
		Server: model.ServerIdentity{PrivateKey: "server-priv", ListenPort: 51820},
	}
	if mutate != nil {
		mutate(snap)
	}
	art, err := compile.Compile(snap, compile.Options{})
	require.NoError(t, err)
	return art
}

func TestCommitFullScopeActivates(t *testing.T) {
	f := newFixture(t)
	cand := artifactFor(t, nil)

	res, err := f.coord.Commit(context.Background(), nil, cand, Options{})
	require.NoError(t, err)

	assert.Equal(t, diff.ScopeFull, res.Scope)
	assert.True(t, res.Finalized)
	assert.Empty(t, res.TransactionID)
	assert.Equal(t, []string{"activate"}, f.applier.CallNames())
	assert.Same(t, cand, f.store.get())
}

func TestCommitPeerScopeSyncsWithoutRestart(t *testing.T) {
	f := newFixture(t)
	prev := artifactFor(t, nil)
	cand := artifactFor(t, func(s *model.Snapshot) { s.Clients[1].Enabled = false })

	res, err := f.coord.Commit(context.Background(), prev, cand, Options{})
	require.NoError(t, err)

	assert.Equal(t, diff.ScopePeersOnly, res.Scope)
	// Disabling a client also drops its firewall section, so the
	// script is re-applied after the peer sync.
	assert.Equal(t, []string{"sync-peers", "apply-firewall"}, f.applier.CallNames())
}

func TestCommitRulesScopeRunsScriptOnly(t *testing.T) {
	f := newFixture(t)
	prev := artifactFor(t, nil)
	cand := artifactFor(t, func(s *model.Snapshot) {
		s.Rules = []model.AccessRule{
			{ID: 1, SourceClientID: 1, DestNetworkID: 1, Proto: model.ProtoAll, Action: model.ActionAccept},
		}
	})

	res, err := f.coord.Commit(context.Background(), prev, cand, Options{})
	require.NoError(t, err)

	assert.Equal(t, diff.ScopeRulesOnly, res.Scope)
	assert.Equal(t, []string{"apply-firewall"}, f.applier.CallNames())
}

func TestCommitNoChangeIsNoop(t *testing.T) {
	f := newFixture(t)
	art := artifactFor(t, nil)
	f.store.last = art

	res, err := f.coord.Commit(context.Background(), art, art, Options{Safety: true})
	require.NoError(t, err)

	assert.Equal(t, diff.ScopeNone, res.Scope)
	assert.True(t, res.Finalized)
	assert.Empty(t, res.TransactionID, "no-op must not open a verification window")
	assert.Empty(t, f.applier.CallNames())
	assert.Equal(t, StateIdle, f.coord.State())
}

func TestCommitApplyFailureAbortsAndReleasesLock(t *testing.T) {
	f := newFixture(t)
	f.applier.FailOn = "activate"
	f.applier.FailErr = errors.New("wg-quick exited 1")
	cand := artifactFor(t, nil)

	_, err := f.coord.Commit(context.Background(), nil, cand, Options{})
	require.Error(t, err)

	var aerr *ApplyError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "activate", aerr.Step)
	assert.Nil(t, f.store.get(), "last-applied must not change on failure")

	// Lock released: a second commit goes through.
	f.applier.FailOn = ""
	f.applier.Reset()
	_, err = f.coord.Commit(context.Background(), nil, cand, Options{})
	require.NoError(t, err)
}

func TestSafetyCommitConfirm(t *testing.T) {
	f := newFixture(t)
	prev := artifactFor(t, nil)
	cand := artifactFor(t, func(s *model.Snapshot) { s.Clients[1].Enabled = false })

	res, err := f.coord.Commit(context.Background(), prev, cand, Options{Safety: true})
	require.NoError(t, err)

	assert.False(t, res.Finalized)
	require.NotEmpty(t, res.TransactionID)
	assert.Equal(t, StateVerifying, f.coord.State())
	assert.Nil(t, f.store.get(), "candidate is live but not yet recorded")

	require.NoError(t, f.coord.Confirm(res.TransactionID))
	assert.Equal(t, StateIdle, f.coord.State())
	assert.Same(t, cand, f.store.get())

	// No revert fires after the deadline.
	f.applier.Reset()
	f.clock.Advance(2 * DefaultDeadline)
	assert.Empty(t, f.applier.CallNames())
}

func TestSafetyCommitTimeoutReverts(t *testing.T) {
	f := newFixture(t)
	prev := artifactFor(t, nil)
	cand := artifactFor(t, func(s *model.Snapshot) { s.Clients[1].Enabled = false })
	f.store.last = prev

	res, err := f.coord.Commit(context.Background(), prev, cand, Options{Safety: true})
	require.NoError(t, err)
	f.applier.Reset()

	f.clock.Advance(DefaultDeadline)

	assert.Equal(t, StateIdle, f.coord.State())
	// Restoring the removed peer is again a peer-scope change.
	assert.Equal(t, []string{"sync-peers", "apply-firewall"}, f.applier.CallNames())
	assert.Same(t, prev, f.store.get(), "previous restored as last-applied")

	// Late confirm is a no-op, not an error.
	require.NoError(t, f.coord.Confirm(res.TransactionID))
	assert.Same(t, prev, f.store.get())
}

func TestSafetyCommitCancelRevertsImmediately(t *testing.T) {
	f := newFixture(t)
	prev := artifactFor(t, nil)
	cand := artifactFor(t, func(s *model.Snapshot) { s.Clients[1].Enabled = false })

	res, err := f.coord.Commit(context.Background(), prev, cand, Options{Safety: true})
	require.NoError(t, err)
	f.applier.Reset()

	require.NoError(t, f.coord.Cancel(res.TransactionID))
	assert.Equal(t, StateIdle, f.coord.State())
	assert.Equal(t, []string{"sync-peers", "apply-firewall"}, f.applier.CallNames())
	assert.Same(t, prev, f.store.get())

	// Cancel again: no-op.
	f.applier.Reset()
	require.NoError(t, f.coord.Cancel(res.TransactionID))
	assert.Empty(t, f.applier.CallNames())
}

func TestSafetyCommitWithNoPreviousDeactivatesOnRevert(t *testing.T) {
	f := newFixture(t)
	cand := artifactFor(t, nil)

	_, err := f.coord.Commit(context.Background(), nil, cand, Options{Safety: true})
	require.NoError(t, err)
	f.applier.Reset()

	f.clock.Advance(DefaultDeadline)
	assert.Equal(t, []string{"deactivate"}, f.applier.CallNames())
	assert.Nil(t, f.store.get())
}

func TestConcurrentCommitConflicts(t *testing.T) {
	f := newFixture(t)
	prev := artifactFor(t, nil)
	cand := artifactFor(t, func(s *model.Snapshot) { s.Clients[1].Enabled = false })

	res, err := f.coord.Commit(context.Background(), prev, cand, Options{Safety: true})
	require.NoError(t, err)

	_, err = f.coord.Commit(context.Background(), prev, cand, Options{})
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, f.coord.Confirm(res.TransactionID))
	_, err = f.coord.Commit(context.Background(), cand, prev, Options{})
	assert.NoError(t, err)
}

// blockingApplier parks inside Activate until released so tests can
// observe the coordinator mid-apply.
type blockingApplier struct {
	system.RecordingApplier
	entered chan struct{}
	release chan struct{}
}

func (b *blockingApplier) Activate(ctx context.Context, art *compile.Artifact) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.RecordingApplier.Activate(ctx, art)
}

func TestCommitConflictsWhileApplyInFlight(t *testing.T) {
	ba := &blockingApplier{entered: make(chan struct{}, 1), release: make(chan struct{})}
	store := &memPersister{}
	log := logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
	coord := NewCoordinator(ba, clock.NewMockClock(time.Unix(1700000000, 0)), store.save, log)
	cand := artifactFor(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := coord.Commit(context.Background(), nil, cand, Options{})
		done <- err
	}()
	<-ba.entered

	// The first apply is still blocked in the system layer; a second
	// commit must conflict right away, not wait its turn on the lock.
	_, err := coord.Commit(context.Background(), nil, cand, Options{})
	assert.ErrorIs(t, err, ErrLockHeld)

	close(ba.release)
	require.NoError(t, <-done)

	// Lock free once the first commit lands.
	_, err = coord.Commit(context.Background(), nil, cand, Options{})
	require.NoError(t, err)
}

func TestConfirmPersistFailureKeepsWindowOpen(t *testing.T) {
	f := newFixture(t)
	prev := artifactFor(t, nil)
	cand := artifactFor(t, func(s *model.Snapshot) { s.Clients[1].Enabled = false })
	f.store.last = prev

	res, err := f.coord.Commit(context.Background(), prev, cand, Options{Safety: true})
	require.NoError(t, err)
	f.applier.Reset()

	f.store.err = errors.New("disk full")
	require.Error(t, f.coord.Confirm(res.TransactionID))
	assert.Equal(t, StateVerifying, f.coord.State(), "failed confirm must not close the window")

	// Once persistence recovers the caller can retry the confirm.
	f.store.err = nil
	require.NoError(t, f.coord.Confirm(res.TransactionID))
	assert.Equal(t, StateIdle, f.coord.State())
	assert.Same(t, cand, f.store.get())

	f.clock.Advance(2 * DefaultDeadline)
	assert.Empty(t, f.applier.CallNames(), "confirmed commit must not revert")
}

func TestConfirmPersistFailureStillRevertsAtDeadline(t *testing.T) {
	f := newFixture(t)
	prev := artifactFor(t, nil)
	cand := artifactFor(t, func(s *model.Snapshot) { s.Clients[1].Enabled = false })
	f.store.last = prev

	res, err := f.coord.Commit(context.Background(), prev, cand, Options{Safety: true})
	require.NoError(t, err)
	f.applier.Reset()

	f.store.err = errors.New("disk full")
	require.Error(t, f.coord.Confirm(res.TransactionID))

	// The revert timer stays armed through the failed confirm, so an
	// operator who never retries still gets the old config back.
	f.store.err = nil
	f.clock.Advance(DefaultDeadline)
	assert.Equal(t, StateIdle, f.coord.State())
	assert.Same(t, prev, f.store.get())
	assert.Equal(t, []string{"sync-peers", "apply-firewall"}, f.applier.CallNames())
}

func TestConfirmUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.coord.Confirm("nope"))
	assert.Error(t, f.coord.Cancel("nope"))
}

func TestCustomDeadline(t *testing.T) {
	f := newFixture(t)
	prev := artifactFor(t, nil)
	cand := artifactFor(t, func(s *model.Snapshot) { s.Clients[1].Enabled = false })
	f.store.last = prev

	res, err := f.coord.Commit(context.Background(), prev, cand, Options{Safety: true, Deadline: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(5*time.Second), res.Deadline)
	f.applier.Reset()

	f.clock.Advance(4 * time.Second)
	assert.Equal(t, StateVerifying, f.coord.State())

	f.clock.Advance(time.Second)
	assert.Equal(t, StateIdle, f.coord.State())
	assert.Same(t, prev, f.store.get())
}

func TestSafetyCommitVerifyFailureRevertsImmediately(t *testing.T) {
	f := newFixture(t)
	sv := &verify.StaticVerifier{Unreachable: map[string]bool{"10.0.1.50": true}}
	f.coord.WithVerifier(sv, "10.0.1.50")

	previous := artifactFor(t, nil)
	require.NoError(t, f.store.save(previous))
	candidate := artifactFor(t, func(s *model.Snapshot) {
		s.Server.ListenPort = 51821
	})

	_, err := f.coord.Commit(context.Background(), previous, candidate, Options{Safety: true})
	var verr *VerifyError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "10.0.1.50", verr.Target)

	// Candidate activated, then previous reactivated; no window left.
	assert.Equal(t, []string{"activate", "activate"}, f.applier.CallNames())
	assert.Equal(t, StateIdle, f.coord.State())
	assert.Equal(t, previous.InterfaceConf, f.store.get().InterfaceConf)

	// The lock is free again.
	f.applier.Reset()
	_, err = f.coord.Commit(context.Background(), previous, candidate, Options{})
	require.NoError(t, err)
}

func TestSafetyCommitVerifySuccessOpensWindow(t *testing.T) {
	f := newFixture(t)
	sv := &verify.StaticVerifier{}
	f.coord.WithVerifier(sv, "10.0.1.50")

	res, err := f.coord.Commit(context.Background(), nil, artifactFor(t, nil), Options{Safety: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.1.50"}, sv.Calls)
	assert.Equal(t, StateVerifying, f.coord.State())

	require.NoError(t, f.coord.Confirm(res.TransactionID))
}

func TestNonSafetyCommitSkipsVerifier(t *testing.T) {
	f := newFixture(t)
	sv := &verify.StaticVerifier{Unreachable: map[string]bool{"10.0.1.50": true}}
	f.coord.WithVerifier(sv, "10.0.1.50")

	_, err := f.coord.Commit(context.Background(), nil, artifactFor(t, nil), Options{})
	require.NoError(t, err)
	assert.Empty(t, sv.Calls)
}
