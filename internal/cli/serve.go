package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/api"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Run:   runServe,
	}

	cmd.Flags().StringP("listen", "l", "", "Listen address (default from config, :8090)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.API.Listen = listen
	}

	a := mustApp()
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := api.New(api.Config{
		Orchestrator:    a.orch,
		Store:           a.store,
		Retrieval:       a.retrieval,
		Evaluator:       a.evaluator,
		ScanConcurrency: cfg.Consistency.ScanConcurrency,
		DBPath:          cfg.Storage.DBPath,
		Listen:          cfg.API.Listen,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		Debug:           cfg.Log.Debug,
		Logger:          a.logger,
	})
	if err := srv.Run(ctx); err != nil {
		exitErr("serve", err)
	}
}
