package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/retrieval"
)

func init() {
	cmd := &cobra.Command{
		Use:   "retrieve [context]",
		Short: "Rank a character's memories for a context",
		Long:  "Score the memories visible to a character at a chapter, then greedily pack them into a token budget.",
		Run:   runRetrieve,
	}

	cmd.Flags().String("character", "", "Character id (required)")
	cmd.Flags().Int("chapter", 1, "Current chapter")
	cmd.Flags().Int("k", 0, "Max memories (default from config)")
	cmd.Flags().IntP("budget", "b", 1000, "Max tokens in the assembled context")
	cmd.Flags().Bool("history", false, "Include superseded versions")
	cmd.MarkFlagRequired("character")

	RootCmd.AddCommand(cmd)
}

func runRetrieve(cmd *cobra.Command, args []string) {
	character, _ := cmd.Flags().GetString("character")
	chapter, _ := cmd.Flags().GetInt("chapter")
	k, _ := cmd.Flags().GetInt("k")
	budget, _ := cmd.Flags().GetInt("budget")
	history, _ := cmd.Flags().GetBool("history")

	a := mustApp()
	defer a.close()

	results, err := a.retrieval.Retrieve(cmd.Context(), retrieval.Query{
		CharacterID:    character,
		Context:        strings.Join(args, " "),
		Chapter:        chapter,
		K:              k,
		IncludeHistory: history,
	})
	if err != nil {
		exitErr("retrieve", err)
	}

	assembled := retrieval.Assemble(results, budget)
	if formatFlag == "text" {
		fmt.Print(assembled.Text())
		return
	}
	printJSON(assembled)
}
