package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/config"
	"github.com/duckhouse/duckhouse/internal/engine"
	"github.com/duckhouse/duckhouse/internal/locks"
	"github.com/duckhouse/duckhouse/internal/logging"
	"github.com/duckhouse/duckhouse/internal/storage"
)

// newInitCmd creates the on-disk layout and catalog so the backend can
// start without write races on first boot.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the data root and catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})

			cat, err := catalog.Open(cmd.Context(), cfg.CatalogPath)
			if err != nil {
				return err
			}
			defer cat.Close()

			lay := storage.Layout{
				Root:     cfg.DataRoot,
				SnapRoot: cfg.SnapshotRoot,
				FileRoot: cfg.FileRoot,
			}
			st := storage.New(lay, engine.New(0, 0), cat, locks.NewRegistry(), log)
			if err := st.InitRoot(); err != nil {
				return err
			}
			fmt.Printf("initialized %s\n", cfg.DataRoot)
			return nil
		},
	}
}
