package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/orchestrator"
	"github.com/sekai-engine/sekai-memory/internal/world"
)

func init() {
	worldCmd := &cobra.Command{
		Use:   "world",
		Short: "Create and advance the story world",
	}

	initCmd := &cobra.Command{
		Use:   "init [description]",
		Short: "Create characters and world memory from a description",
		Long: "Create the world from free text (positional arg or stdin), parsed into characters by the model,\n" +
			"or from a YAML definition file with --file.",
		Run: runWorldInit,
	}
	initCmd.Flags().String("file", "", "YAML world definition")

	advanceCmd := &cobra.Command{
		Use:   "advance",
		Short: "Move the story to a new chapter",
		Run:   runWorldAdvance,
	}
	advanceCmd.Flags().Int("chapter", 0, "Chapter number (required)")
	advanceCmd.Flags().String("summary", "", "World summary for the chapter")
	advanceCmd.Flags().StringArray("fact", nil, "World fact, \"topic: content\" (repeatable)")
	advanceCmd.MarkFlagRequired("chapter")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "List world state versions",
		Run:   runWorldShow,
	}

	worldCmd.AddCommand(initCmd, advanceCmd, showCmd)
	RootCmd.AddCommand(worldCmd)
}

func runWorldInit(cmd *cobra.Command, args []string) {
	file, _ := cmd.Flags().GetString("file")

	var req orchestrator.InitRequest
	if file != "" {
		def, err := world.LoadDefinition(file)
		if err != nil {
			exitErr("load world", err)
		}
		req.Definition = def
	} else {
		req.Text = readContent(args)
		if strings.TrimSpace(req.Text) == "" {
			exitErr("world init", fmt.Errorf("description is required (positional arg, stdin or --file)"))
		}
	}

	a := mustApp()
	defer a.close()

	res, err := a.orch.InitWorld(cmd.Context(), req)
	if err != nil {
		exitErr("world init", err)
	}
	if formatFlag == "text" {
		for _, c := range res.Characters {
			fmt.Printf("%s\t%s\n", c.ID, c.Name)
		}
		fmt.Printf("world v%d at chapter %d, %d facts seeded\n", res.WorldState.Version, res.WorldState.Chapter, res.Seeded)
		return
	}
	printJSON(res)
}

func runWorldAdvance(cmd *cobra.Command, args []string) {
	chapter, _ := cmd.Flags().GetInt("chapter")
	summary, _ := cmd.Flags().GetString("summary")
	rawFacts, _ := cmd.Flags().GetStringArray("fact")

	req := orchestrator.AdvanceRequest{Chapter: chapter, Summary: summary}
	for i, f := range rawFacts {
		req.Facts = append(req.Facts, parseFact(f, chapter, i+1))
	}

	a := mustApp()
	defer a.close()

	res, err := a.orch.AdvanceChapter(cmd.Context(), req)
	if err != nil {
		exitErr("world advance", err)
	}
	printJSON(res)
}

func runWorldShow(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	states, err := s.ListWorldStates(cmd.Context())
	if err != nil {
		exitErr("world show", err)
	}
	if formatFlag == "text" {
		for _, ws := range states {
			fmt.Printf("v%d\tchapter %d\t%s\n", ws.Version, ws.Chapter, ws.Summary)
		}
		return
	}
	printJSON(states)
}

// parseFact splits "topic: content". Without a colon the fact is numbered.
func parseFact(s string, chapter, n int) world.Fact {
	if topic, content, ok := strings.Cut(s, ":"); ok && strings.TrimSpace(topic) != "" {
		return world.Fact{Chapter: chapter, Topic: strings.TrimSpace(topic), Content: strings.TrimSpace(content)}
	}
	return world.Fact{Chapter: chapter, Topic: fmt.Sprintf("fact %d", n), Content: strings.TrimSpace(s)}
}

// readContent returns the positional args joined, or piped stdin.
func readContent(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}
	stat, _ := os.Stdin.Stat()
	if stat != nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			exitErr("read stdin", err)
		}
		return string(b)
	}
	return ""
}
