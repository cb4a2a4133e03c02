package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show every version stored under a key",
		Long:  "Show every version of a (type, subject, object, topic) key, newest first, superseded ones included.",
		Run:   runHistory,
	}

	cmd.Flags().StringP("type", "t", "C2U", "Tier: C2U, IC or WM")
	cmd.Flags().String("subject", "", "Subject character id")
	cmd.Flags().String("object", "", "Object id")
	cmd.Flags().StringP("topic", "k", "", "Topic (required)")
	cmd.MarkFlagRequired("topic")

	RootCmd.AddCommand(cmd)
}

func runHistory(cmd *cobra.Command, args []string) {
	typ, _ := cmd.Flags().GetString("type")
	subject, _ := cmd.Flags().GetString("subject")
	object, _ := cmd.Flags().GetString("object")
	topic, _ := cmd.Flags().GetString("topic")

	rt, err := model.ParseRecordType(typ)
	if err != nil {
		exitErr("history", err)
	}
	if rt == model.World {
		subject = model.WorldSubject
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	recs, err := s.History(cmd.Context(), model.NewKey(rt, subject, object, topic))
	if err != nil {
		exitErr("history", err)
	}
	if formatFlag == "text" {
		for _, r := range recs {
			state := "current"
			if r.Superseded() {
				state = "superseded by " + r.SupersededBy
			}
			fmt.Printf("ch%d\t%s\t%s\n", r.Chapter, r.Content, state)
		}
		return
	}
	if recs == nil {
		recs = []model.MemoryRecord{}
	}
	printJSON(recs)
}
