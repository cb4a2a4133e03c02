package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/pipeline"
	"github.com/sekai-engine/sekai-memory/internal/store"
)

func init() {
	recordCmd := &cobra.Command{
		Use:   "record",
		Short: "Write and inspect memory records",
	}

	putCmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Write a memory record",
		Long: "Write a record through the deduplication pipeline. Content can be a positional arg or piped via stdin.\n" +
			"A C2U record needs --subject and --object (the user); IC needs two characters; WM needs neither.",
		Run: runRecordPut,
	}
	putCmd.Flags().StringP("type", "t", "C2U", "Tier: C2U, IC or WM")
	putCmd.Flags().String("subject", "", "Subject character id")
	putCmd.Flags().String("object", "", "Object: user id (C2U) or character id (IC)")
	putCmd.Flags().StringP("topic", "k", "", "Topic (required)")
	putCmd.Flags().Int("chapter", 1, "Chapter the fact belongs to")
	putCmd.Flags().Float64("confidence", 1, "Confidence in [0, 1]")
	putCmd.Flags().Bool("exclusive", false, "A different value replaces the current one")
	putCmd.MarkFlagRequired("topic")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show a record",
		Args:  cobra.ExactArgs(1),
		Run:   runRecordGet,
	}

	chainCmd := &cobra.Command{
		Use:   "chain [id]",
		Short: "Follow a record's supersession chain to the current version",
		Args:  cobra.ExactArgs(1),
		Run:   runRecordChain,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		Run:   runRecordList,
	}
	listCmd.Flags().StringP("type", "t", "", "Filter by tier")
	listCmd.Flags().String("character", "", "Only records where this character is subject or object")
	listCmd.Flags().Bool("all", false, "Include superseded records")
	listCmd.Flags().IntP("limit", "l", 50, "Max results")

	recordCmd.AddCommand(putCmd, getCmd, chainCmd, listCmd)
	RootCmd.AddCommand(recordCmd)
}

func runRecordPut(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	subject, _ := cmd.Flags().GetString("subject")
	object, _ := cmd.Flags().GetString("object")
	topic, _ := cmd.Flags().GetString("topic")
	chapter, _ := cmd.Flags().GetInt("chapter")
	confidence, _ := cmd.Flags().GetFloat64("confidence")
	exclusive, _ := cmd.Flags().GetBool("exclusive")

	rt, err := model.ParseRecordType(typ)
	if err != nil {
		exitErr("record put", err)
	}
	content := strings.TrimSpace(readContent(args))
	if content == "" {
		exitErr("record put", fmt.Errorf("content is required (positional arg or stdin)"))
	}
	if rt != model.World && subject == "" {
		exitErr("record put", fmt.Errorf("--subject is required for %s records", rt))
	}

	a := mustApp()
	defer a.close()

	// The pipeline classifies by the object: a character makes the fact IC,
	// anything else is the user of the turn.
	turn := pipeline.Turn{CharacterID: subject, Chapter: chapter}
	cand := model.Candidate{
		Type:       rt,
		SubjectID:  subject,
		Topic:      topic,
		Content:    content,
		Confidence: confidence,
		Exclusive:  exclusive,
	}
	switch rt {
	case model.CharacterToUser:
		turn.UserID = object
	case model.InterCharacter:
		cand.ObjectID = object
	}

	res, err := a.pipeline.Commit(cmd.Context(), turn, []model.Candidate{cand})
	if err != nil {
		exitErr("record put", err)
	}
	if len(res.Created) == 0 && res.Skipped == 0 {
		exitErr("record put", fmt.Errorf("record was not stored: check --subject/--object for a %s record", rt))
	}
	printJSON(res)
}

func runRecordGet(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	rec, err := s.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("record get", err)
	}
	printJSON(rec)
}

func runRecordChain(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	chain, err := s.Chain(cmd.Context(), args[0])
	if err != nil {
		exitErr("record chain", err)
	}
	if formatFlag == "text" {
		for i, r := range chain {
			fmt.Printf("%d. [%s ch%d] %s (%s)\n", i+1, r.Type, r.Chapter, r.Content, r.ID)
		}
		return
	}
	printJSON(chain)
}

func runRecordList(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	character, _ := cmd.Flags().GetString("character")
	all, _ := cmd.Flags().GetBool("all")
	limit, _ := cmd.Flags().GetInt("limit")

	var rt model.RecordType
	if typ != "" {
		var err error
		if rt, err = model.ParseRecordType(typ); err != nil {
			exitErr("record list", err)
		}
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	recs, err := s.List(cmd.Context(), store.ListParams{
		Type:              rt,
		CharacterID:       character,
		IncludeSuperseded: all,
		Limit:             limit,
	})
	if err != nil {
		exitErr("record list", err)
	}
	if recs == nil {
		recs = []model.MemoryRecord{}
	}
	printJSON(recs)
}
