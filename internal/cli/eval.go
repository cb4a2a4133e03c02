package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/embedding"
	"github.com/sekai-engine/sekai-memory/internal/eval"
)

func init() {
	cmd := &cobra.Command{
		Use:   "eval [dataset.yaml]",
		Short: "Score retrieval and consistency on a dataset",
		Long:  "Seed a scratch database from a YAML dataset, run a consistency scan and report rubric averages.",
		Args:  cobra.ExactArgs(1),
		Run:   runEval,
	}

	cmd.Flags().StringSliceP("rubric", "r", nil, "Rubrics to run (default: all)")
	cmd.Flags().Bool("list", false, "List available rubrics and exit")

	RootCmd.AddCommand(cmd)
}

func runEval(cmd *cobra.Command, args []string) {
	if list, _ := cmd.Flags().GetBool("list"); list {
		for _, n := range eval.Names() {
			fmt.Println(n)
		}
		return
	}
	rubrics, _ := cmd.Flags().GetStringSlice("rubric")

	d, err := eval.Load(args[0])
	if err != nil {
		exitErr("load dataset", err)
	}

	dir, err := os.MkdirTemp("", "sekai-eval-")
	if err != nil {
		exitErr("scratch dir", err)
	}
	defer os.RemoveAll(dir)

	emb, err := newEmbedder(cfg)
	if err != nil {
		exitErr("eval", err)
	}
	if c, ok := emb.(*embedding.Cached); ok {
		defer c.Close()
	}
	client, err := newLLM(cfg)
	if err != nil {
		exitErr("eval", err)
	}

	runner := &eval.Runner{
		Dir:       dir,
		Embedder:  emb,
		Detector:  detector(cfg, client),
		Retrieval: cfg.RetrievalSettings(),
		Logger:    slogger,
	}
	report, err := runner.Run(cmd.Context(), d, rubrics)
	if err != nil {
		exitErr("eval", err)
	}

	if formatFlag == "text" {
		fmt.Printf("%s: %d samples, %d flags\n", report.Dataset, report.Samples, report.Flags)
		names := make([]string, 0, len(report.Rubrics))
		for n := range report.Rubrics {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			metrics := report.Rubrics[n]
			keys := make([]string, 0, len(metrics))
			for m := range metrics {
				keys = append(keys, m)
			}
			sort.Strings(keys)
			for _, m := range keys {
				fmt.Printf("  %s.%s\t%.3f\n", n, m, metrics[m])
			}
		}
		return
	}
	printJSON(report)
}
