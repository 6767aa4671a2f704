package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"wgsteward/internal/compile"
	"wgsteward/internal/config"
	"wgsteward/internal/store"
)

// RunShow compiles the stored desired state locally and prints the
// resulting artifacts without touching the live system. Works without a
// running daemon; useful for inspection and dry runs.
func RunShow(configPath string, rulesOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	st, err := store.Open(filepath.Join(cfg.StateDir, "state.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := st.Load(context.Background())
	if err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	art, err := compile.Compile(snap, applyOptions(cfg))
	if err != nil {
		return err
	}

	if rulesOnly {
		fmt.Print(art.FirewallScript)
		return nil
	}
	fmt.Print(art.InterfaceConf)
	return nil
}
