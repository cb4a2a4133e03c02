// Package cli implements the sekai-memory CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/config"
	"github.com/sekai-engine/sekai-memory/internal/logger"
)

var (
	configPath string
	dbPath     string
	formatFlag string
	debugFlag  bool

	cfg     *config.Config
	slogger *slog.Logger
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "sekai-memory",
	Short: "Multi-character memory for role-play agents",
	Long: "Chapter-aware memory for role-play characters: per-character memories about the user,\n" +
		"shared memories between characters, and a versioned world memory. SQLite-backed, single binary.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			exitErr("load config", err)
		}
		if dbPath != "" {
			cfg.Storage.DBPath = dbPath
		} else if env := os.Getenv("SEKAI_MEMORY_DB"); env != "" {
			cfg.Storage.DBPath = env
		}
		if debugFlag {
			cfg.Log.Debug = true
		}
		slogger = newLogger(cfg)
	},
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./sekai-memory.yaml or ~/.sekai-memory/sekai-memory.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $SEKAI_MEMORY_DB or ~/.sekai-memory/memory.db)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
}

func newLogger(c *config.Config) *slog.Logger {
	opts := []logger.Option{logger.WithDebug(c.Log.Debug)}
	if c.Log.JSON {
		opts = append(opts, logger.WithJSON(true))
	} else {
		opts = append(opts, logger.WithPretty(true))
	}
	return logger.New(opts...)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
