// Package engine ties the stores, compiler, classifier and coordinator
// together behind the operations the API and CLI expose.
package engine

import (
	"context"
	"fmt"
	"time"

	"wgsteward/internal/alloc"
	"wgsteward/internal/audit"
	"wgsteward/internal/clock"
	"wgsteward/internal/commit"
	"wgsteward/internal/compile"
	"wgsteward/internal/config"
	"wgsteward/internal/diff"
	"wgsteward/internal/logging"
	"wgsteward/internal/metrics"
	"wgsteward/internal/model"
	"wgsteward/internal/store"
	"wgsteward/internal/system"
	"wgsteward/internal/verify"
)

// Engine is the single entry point for reading and changing both the
// desired state and the live system.
type Engine struct {
	store     *store.Store
	artifacts *store.ArtifactStore
	coord     *commit.Coordinator
	applier   system.Applier
	opts      compile.Options
	deadline  time.Duration
	audit     *audit.Store
	log       *logging.Logger
}

// New wires an engine from its parts. A nil clk uses the system clock.
func New(st *store.Store, artifacts *store.ArtifactStore, applier system.Applier,
	clk clock.Clock, cfg *config.Config, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	opts := compile.Options{Interface: cfg.Interface, ConfigPath: cfg.ConfigPath}
	opts.Defaults()

	e := &Engine{
		store:     st,
		artifacts: artifacts,
		applier:   applier,
		opts:      opts,
		deadline:  cfg.SafetyDeadline.Std(),
		log:       log.WithComponent("engine"),
	}
	e.coord = commit.NewCoordinator(applier, clk, artifacts.SaveLastApplied, log).
		WithJournal(artifacts)
	return e
}

// WithVerifier probes target after every safety-mode apply; an
// unreachable target triggers an immediate revert.
func (e *Engine) WithVerifier(v verify.Verifier, target string) *Engine {
	e.coord.WithVerifier(v, target)
	return e
}

// WithAudit attaches an audit trail. Recording is best effort; a failed
// write is logged and never blocks the operation it describes.
func (e *Engine) WithAudit(a *audit.Store) *Engine {
	e.audit = a
	return e
}

func (e *Engine) record(ctx context.Context, evt audit.Event) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, evt); err != nil {
		e.log.Warn("audit write failed", "action", evt.Action, "error", err)
	}
}

// AuditLog returns recent audit events, newest first. It is empty when
// no audit store is attached.
func (e *Engine) AuditLog(ctx context.Context, limit int) ([]audit.Event, error) {
	if e.audit == nil {
		return nil, nil
	}
	return e.audit.Recent(ctx, limit)
}

// Snapshot returns the validated desired state.
func (e *Engine) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	return e.store.Load(ctx)
}

// compileCandidate loads, validates and compiles the desired state.
func (e *Engine) compileCandidate(ctx context.Context) (*compile.Artifact, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load desired state: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	art, err := compile.Compile(snap, e.opts)
	if err != nil {
		return nil, err
	}
	metrics.Get().CompileDuration.Observe(time.Since(start).Seconds())
	metrics.Get().CompiledPeers.Set(float64(len(art.Peers)))
	return art, nil
}

// Preview compiles a candidate and classifies it against last-applied
// without touching the live system.
func (e *Engine) Preview(ctx context.Context) (*diff.Summary, error) {
	candidate, err := e.compileCandidate(ctx)
	if err != nil {
		return nil, err
	}
	previous, err := e.artifacts.LastApplied()
	if err != nil {
		return nil, fmt.Errorf("load last-applied artifact: %w", err)
	}
	return diff.Classify(previous, candidate), nil
}

// CommitOptions mirrors the coordinator's options at the API surface.
type CommitOptions struct {
	Safety   bool
	Deadline time.Duration
}

// Commit compiles and applies the desired state.
func (e *Engine) Commit(ctx context.Context, opts CommitOptions) (*commit.Result, error) {
	candidate, err := e.compileCandidate(ctx)
	if err != nil {
		return nil, err
	}
	previous, err := e.artifacts.LastApplied()
	if err != nil {
		return nil, fmt.Errorf("load last-applied artifact: %w", err)
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = e.deadline
	}
	res, err := e.coord.Commit(ctx, previous, candidate, commit.Options{
		Safety:   opts.Safety,
		Deadline: deadline,
	})
	if err != nil {
		return nil, err
	}
	e.record(ctx, audit.Event{
		Action:        "commit",
		Resource:      "interface/" + e.opts.Interface,
		Detail:        "scope=" + res.Summary.ScopeName,
		TransactionID: res.TransactionID,
	})
	return res, nil
}

// Confirm finalizes a safety-mode commit.
func (e *Engine) Confirm(id string) error {
	if err := e.coord.Confirm(id); err != nil {
		return err
	}
	e.record(context.Background(), audit.Event{
		Action: "commit.confirm", Resource: "interface/" + e.opts.Interface,
		TransactionID: id,
	})
	return nil
}

// Cancel reverts a safety-mode commit before its deadline.
func (e *Engine) Cancel(id string) error {
	if err := e.coord.Cancel(id); err != nil {
		return err
	}
	e.record(context.Background(), audit.Event{
		Action: "commit.cancel", Resource: "interface/" + e.opts.Interface,
		TransactionID: id,
	})
	return nil
}

// Status summarizes the engine for operators.
type Status struct {
	State         commit.State   `json:"state"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Deadline      *time.Time     `json:"deadline,omitempty"`
	Applied       bool           `json:"applied"`
	AppliedPeers  int            `json:"applied_peers"`
	Device        *system.Status `json:"device,omitempty"`
}

// Status reports coordinator state, last-applied summary and, when the
// kernel cooperates, the live device view.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st := &Status{State: e.coord.State()}
	if id, deadline, ok := e.coord.Pending(); ok {
		st.TransactionID = id
		st.Deadline = &deadline
	}
	last, err := e.artifacts.LastApplied()
	if err != nil {
		return nil, err
	}
	if last != nil {
		st.Applied = true
		st.AppliedPeers = len(last.Peers)
	}
	if dev, err := system.DeviceStatus(e.opts.Interface); err == nil {
		st.Device = dev
	}
	return st, nil
}

// RecoverPending restores the previous artifact when a transaction
// sidecar survived a daemon restart. Call once at startup, before
// serving requests.
func (e *Engine) RecoverPending(ctx context.Context) error {
	txn, err := e.artifacts.PendingTransaction()
	if err != nil {
		return err
	}
	if txn == nil {
		return nil
	}
	e.log.Warn("unconfirmed transaction found at startup, reverting",
		"transaction", txn.ID, "deadline", txn.Deadline)

	if txn.Previous == nil {
		if err := e.applier.Deactivate(ctx); err != nil {
			return fmt.Errorf("recovery deactivate: %w", err)
		}
		if err := e.artifacts.SaveLastApplied(nil); err != nil {
			return err
		}
	} else {
		// The candidate may or may not be live; a full activate from
		// the previous artifact is correct either way.
		if err := e.applier.Activate(ctx, txn.Previous); err != nil {
			return fmt.Errorf("recovery activate: %w", err)
		}
		if err := e.artifacts.SaveLastApplied(txn.Previous); err != nil {
			return err
		}
	}
	metrics.Get().RevertsTotal.WithLabelValues("recovery").Inc()
	e.record(ctx, audit.Event{
		Action: "commit.recover", Resource: "interface/" + e.opts.Interface,
		TransactionID: txn.ID,
	})
	return e.artifacts.ClearTransaction()
}

// RenderClientConfig renders the importable config for one client.
func (e *Engine) RenderClientConfig(ctx context.Context, clientID int64) (string, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return "", err
	}
	if err := snap.Validate(); err != nil {
		return "", err
	}
	return compile.RenderClientConf(snap, clientID, e.opts)
}

// CreateNetwork validates the network against the current state and
// persists it.
func (e *Engine) CreateNetwork(ctx context.Context, n model.Network) (model.Network, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return n, err
	}
	trial := *snap
	trial.Networks = append(append([]model.Network{}, snap.Networks...), n)
	if err := validateObjects(&trial); err != nil {
		return n, err
	}
	created, err := e.store.CreateNetwork(ctx, n)
	if err != nil {
		return n, err
	}
	e.record(ctx, audit.Event{
		Action: "network.create", Resource: "network/" + created.Name,
		Detail: created.CIDR,
	})
	return created, nil
}

// CreateClient assigns an address octet when none is given, validates
// the resulting state and persists the client.
func (e *Engine) CreateClient(ctx context.Context, c model.Client) (model.Client, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return c, err
	}
	nets, err := networksFor(snap, c.NetworkIDs)
	if err != nil {
		return c, err
	}
	taken := alloc.TakenFromSnapshot(snap, 0)
	octet, err := alloc.Assign(&c, nets, taken)
	if err != nil {
		return c, err
	}
	c.Octet = octet

	trial := *snap
	trial.Clients = append(append([]model.Client{}, snap.Clients...), c)
	if err := validateObjects(&trial); err != nil {
		return c, err
	}
	created, err := e.store.CreateClient(ctx, c)
	if err != nil {
		return c, err
	}
	e.record(ctx, audit.Event{
		Action: "client.create", Resource: "client/" + created.Name,
		Detail: fmt.Sprintf("octet=%d", created.Octet),
	})
	return created, nil
}

// UpdateClient revalidates allocation for changed memberships before
// persisting. The octet is kept when it still fits.
func (e *Engine) UpdateClient(ctx context.Context, c model.Client) (model.Client, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return c, err
	}
	nets, err := networksFor(snap, c.NetworkIDs)
	if err != nil {
		return c, err
	}
	taken := alloc.TakenFromSnapshot(snap, c.ID)
	octet, err := alloc.Assign(&c, nets, taken)
	if err != nil {
		return c, err
	}
	c.Octet = octet

	trial := *snap
	trial.Clients = append([]model.Client{}, snap.Clients...)
	replaced := false
	for i := range trial.Clients {
		if trial.Clients[i].ID == c.ID {
			trial.Clients[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		return c, store.ErrNotFound
	}
	if err := validateObjects(&trial); err != nil {
		return c, err
	}
	if err := e.store.UpdateClient(ctx, c); err != nil {
		return c, err
	}
	e.record(ctx, audit.Event{Action: "client.update", Resource: "client/" + c.Name})
	return c, nil
}

// DeleteClient removes a client and its rules.
func (e *Engine) DeleteClient(ctx context.Context, id int64) error {
	if err := e.store.DeleteClient(ctx, id); err != nil {
		return err
	}
	e.record(ctx, audit.Event{Action: "client.delete", Resource: fmt.Sprintf("client/%d", id)})
	return nil
}

// DeleteNetwork refuses while clients still reference the network.
func (e *Engine) DeleteNetwork(ctx context.Context, id int64) error {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return err
	}
	for i := range snap.Clients {
		for _, nid := range snap.Clients[i].NetworkIDs {
			if nid == id {
				return fmt.Errorf("network %d still has member %q", id, snap.Clients[i].Name)
			}
		}
	}
	if err := e.store.DeleteNetwork(ctx, id); err != nil {
		return err
	}
	e.record(ctx, audit.Event{Action: "network.delete", Resource: fmt.Sprintf("network/%d", id)})
	return nil
}

// CreateRule validates the rule in context and persists it.
func (e *Engine) CreateRule(ctx context.Context, r model.AccessRule) (model.AccessRule, error) {
	snap, err := e.store.Load(ctx)
	if err != nil {
		return r, err
	}
	trial := *snap
	trial.Rules = append(append([]model.AccessRule{}, snap.Rules...), r)
	if err := validateObjects(&trial); err != nil {
		return r, err
	}
	created, err := e.store.CreateRule(ctx, r)
	if err != nil {
		return r, err
	}
	e.record(ctx, audit.Event{
		Action: "rule.create", Resource: fmt.Sprintf("rule/%d", created.ID),
		Detail: fmt.Sprintf("%s %s", created.Action, created.Proto),
	})
	return created, nil
}

// DeleteRule removes an access rule.
func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.record(ctx, audit.Event{Action: "rule.delete", Resource: fmt.Sprintf("rule/%d", id)})
	return nil
}

// SetServer stores the server identity.
func (e *Engine) SetServer(ctx context.Context, srv model.ServerIdentity) error {
	if err := e.store.SetServer(ctx, srv); err != nil {
		return err
	}
	e.record(ctx, audit.Event{Action: "server.set", Resource: "server", Detail: srv.Endpoint})
	return nil
}

// validateObjects runs full-snapshot validation but tolerates a missing
// server identity so objects can be created before enrollment finishes.
func validateObjects(snap *model.Snapshot) error {
	if snap.Server.PrivateKey == "" {
		trial := *snap
		trial.Server = model.ServerIdentity{
			PrivateKey: placeholderKey,
			ListenPort: 51820,
		}
		return trial.Validate()
	}
	return snap.Validate()
}

// placeholderKey is a syntactically valid key used only to satisfy
// validation while no server identity exists yet.
const placeholderKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func networksFor(snap *model.Snapshot, ids []int64) ([]model.Network, error) {
	var nets []model.Network
	for _, id := range ids {
		n := snap.NetworkByID(id)
		if n == nil {
			return nil, fmt.Errorf("unknown network %d", id)
		}
		nets = append(nets, *n)
	}
	return nets, nil
}
