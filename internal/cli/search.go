package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/model"
	"github.com/sekai-engine/sekai-memory/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories by keyword",
		Long:  "Search current record content and topics for matching text.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}

	cmd.Flags().String("character", "", "Only records visible to this character")
	cmd.Flags().StringP("type", "t", "", "Filter by tier")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	character, _ := cmd.Flags().GetString("character")
	typ, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args, " ")

	var rt model.RecordType
	if typ != "" {
		var err error
		if rt, err = model.ParseRecordType(typ); err != nil {
			exitErr("search", err)
		}
	}

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	results, err := s.Search(cmd.Context(), store.SearchParams{
		Query:       query,
		Type:        rt,
		CharacterID: character,
		Limit:       limit,
	})
	if err != nil {
		exitErr("search", err)
	}
	if results == nil {
		results = []model.MemoryRecord{}
	}
	printJSON(results)
}
