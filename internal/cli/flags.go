package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

func init() {
	flagsCmd := &cobra.Command{
		Use:   "flags",
		Short: "Review consistency flags",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List flags",
		Run:   runFlagsList,
	}
	listCmd.Flags().String("status", "open", "open, resolved or all")

	resolveCmd := &cobra.Command{
		Use:   "resolve [id]",
		Short: "Mark a flag as reviewed",
		Args:  cobra.ExactArgs(1),
		Run:   runFlagsResolve,
	}

	flagsCmd.AddCommand(listCmd, resolveCmd)
	RootCmd.AddCommand(flagsCmd)

	consistencyCmd := &cobra.Command{
		Use:   "consistency",
		Short: "World consistency checks",
	}
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Check every current world fact against character memories",
		Run:   runConsistencyScan,
	}
	scanCmd.Flags().Int("concurrency", 0, "Parallel evaluations (default from config)")

	consistencyCmd.AddCommand(scanCmd)
	RootCmd.AddCommand(consistencyCmd)
}

func runFlagsList(cmd *cobra.Command, args []string) {
	status, _ := cmd.Flags().GetString("status")
	st := model.FlagStatus(status)
	switch st {
	case model.FlagOpen, model.FlagResolved:
	case "all":
		st = ""
	default:
		exitErr("flags list", fmt.Errorf("unknown status %q (valid: open, resolved, all)", status))
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	flags, err := s.ListFlags(cmd.Context(), st)
	if err != nil {
		exitErr("flags list", err)
	}
	if formatFlag == "text" {
		for _, f := range flags {
			fmt.Printf("%s\t%s\t%s <- %s\t%s\n", f.ID, f.Kind, f.RecordID, f.CauseID, f.Reason)
		}
		return
	}
	if flags == nil {
		flags = []model.Flag{}
	}
	printJSON(flags)
}

func runFlagsResolve(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.ResolveFlag(cmd.Context(), args[0]); err != nil {
		exitErr("flags resolve", err)
	}
	fmt.Printf(`{"ok":true,"resolved":%q}`+"\n", args[0])
}

func runConsistencyScan(cmd *cobra.Command, args []string) {
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Consistency.ScanConcurrency
	}

	a := mustApp()
	defer a.close()

	res, err := a.evaluator.Scan(cmd.Context(), concurrency)
	if err != nil {
		exitErr("consistency scan", err)
	}
	printJSON(res)
}
