package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"wgsteward/internal/compile"
	"wgsteward/internal/logging"
)

// Applier is the narrow surface the commit coordinator drives. The
// three apply methods map to the three non-trivial change scopes.
type Applier interface {
	// Activate tears the interface down and brings it back up from the
	// artifact. Used for full-scope changes and first activation.
	Activate(ctx context.Context, art *compile.Artifact) error
	// SyncPeers updates the live peer set in place, no restart.
	SyncPeers(ctx context.Context, art *compile.Artifact) error
	// ApplyFirewall re-runs only the rules script.
	ApplyFirewall(ctx context.Context, art *compile.Artifact) error
	// Deactivate takes the interface down and removes the firewall
	// chain.
	Deactivate(ctx context.Context) error
}

// WGQuickApplier shells out to wg-quick, wg and bash. It owns the two
// host files: the interface config and the rules script.
type WGQuickApplier struct {
	runner CommandRunner
	opts   compile.Options
	log    *logging.Logger
}

// NewWGQuickApplier uses DefaultCommandRunner when runner is nil.
func NewWGQuickApplier(runner CommandRunner, opts compile.Options, log *logging.Logger) *WGQuickApplier {
	if runner == nil {
		runner = DefaultCommandRunner
	}
	opts.Defaults()
	if log == nil {
		log = logging.Default()
	}
	return &WGQuickApplier{runner: runner, opts: opts, log: log.WithComponent("applier")}
}

func (a *WGQuickApplier) Activate(ctx context.Context, art *compile.Artifact) error {
	if err := a.writeArtifacts(art); err != nil {
		return err
	}
	// Down may fail when the interface was never up; that is fine.
	if err := a.runner.Run("wg-quick", "down", a.opts.ConfigPath); err != nil {
		a.log.Debug("wg-quick down before activate", "error", err)
	}
	if err := a.runner.Run("wg-quick", "up", a.opts.ConfigPath); err != nil {
		return fmt.Errorf("activate %s: %w", a.opts.Interface, err)
	}
	a.log.Info("interface activated", "interface", a.opts.Interface, "peers", len(art.Peers))
	return nil
}

func (a *WGQuickApplier) SyncPeers(ctx context.Context, art *compile.Artifact) error {
	if err := a.writeArtifacts(art); err != nil {
		return err
	}
	// wg syncconf wants a stripped config without wg-quick directives.
	stripped, err := a.runner.Output("wg-quick", "strip", a.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("strip config for %s: %w", a.opts.Interface, err)
	}
	if err := a.runner.RunInput(string(stripped), "wg", "syncconf", a.opts.Interface, "/dev/stdin"); err != nil {
		return fmt.Errorf("sync peers on %s: %w", a.opts.Interface, err)
	}
	a.log.Info("peers synchronized", "interface", a.opts.Interface, "peers", len(art.Peers))
	return nil
}

func (a *WGQuickApplier) ApplyFirewall(ctx context.Context, art *compile.Artifact) error {
	if err := a.writeArtifacts(art); err != nil {
		return err
	}
	if err := a.runner.Run("bash", a.opts.RulesScriptPath(), "apply"); err != nil {
		return fmt.Errorf("apply firewall rules: %w", err)
	}
	a.log.Info("firewall rules applied", "interface", a.opts.Interface)
	return nil
}

func (a *WGQuickApplier) Deactivate(ctx context.Context) error {
	if err := a.runner.Run("wg-quick", "down", a.opts.ConfigPath); err != nil {
		return fmt.Errorf("deactivate %s: %w", a.opts.Interface, err)
	}
	a.log.Info("interface deactivated", "interface", a.opts.Interface)
	return nil
}

// writeArtifacts replaces both host files atomically. The config file
// holds private keys and stays 0600; the script must be executable for
// wg-quick's PostUp hook.
func (a *WGQuickApplier) writeArtifacts(art *compile.Artifact) error {
	if err := writeFileAtomic(a.opts.ConfigPath, []byte(art.InterfaceConf), 0o600); err != nil {
		return fmt.Errorf("write interface config: %w", err)
	}
	if err := writeFileAtomic(a.opts.RulesScriptPath(), []byte(art.FirewallScript), 0o755); err != nil {
		return fmt.Errorf("write rules script: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
