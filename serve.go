package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autosave/internal/refserver"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference backend",
		Long: `Run the reference backend: a versioned record store behind the batch
save API. A save whose version does not match the stored version is
answered with a conflict and logged.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "listen address (host:port)")
	cmd.Flags().String("db", "", "SQLite database path")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd)
	cfg := cc.Holder.Config()
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Server.DBPath), 0o700); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}

	store, err := refserver.OpenStore(ctx, cfg.Server.DBPath, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}

	cc.Statusf("Serving on http://%s (database %s)\n", ln.Addr(), cfg.Server.DBPath)

	return refserver.NewServer(store, cc.Logger).Serve(ctx, ln)
}
