package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/model"
)

func init() {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Run:   runSessionsList,
	}

	showCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a session's recent turns",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsShow,
	}
	showCmd.Flags().IntP("limit", "l", 0, "Only the last N turns")

	clearCmd := &cobra.Command{
		Use:   "clear [id]",
		Short: "Clear session history",
		Long: "Clear one session by id, the session between --user and --character, or every session with --all.\n" +
			"Memories written during the session are kept.",
		Args: cobra.MaximumNArgs(1),
		Run:  runSessionsClear,
	}
	clearCmd.Flags().StringP("user", "u", "", "User id")
	clearCmd.Flags().String("character", "", "Character id")
	clearCmd.Flags().Bool("all", false, "Clear every session")

	sessionsCmd.AddCommand(listCmd, showCmd, clearCmd)
	RootCmd.AddCommand(sessionsCmd)

	charactersCmd := &cobra.Command{
		Use:   "characters",
		Short: "List registered characters",
		Run:   runCharacters,
	}
	RootCmd.AddCommand(charactersCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	sessions, err := s.ListSessions(cmd.Context())
	if err != nil {
		exitErr("sessions list", err)
	}
	if formatFlag == "text" {
		for _, ss := range sessions {
			fmt.Printf("%s\t%s\t%s\t%d turns\t%s\n", ss.ID, ss.UserID, ss.AgentID, ss.TurnCount, ss.State)
		}
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	printJSON(sessions)
}

func runSessionsShow(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	sess, err := s.GetSession(cmd.Context(), args[0])
	if err != nil {
		exitErr("sessions show", err)
	}
	turns, err := s.Turns(cmd.Context(), sess.ID, limit)
	if err != nil {
		exitErr("sessions show", err)
	}
	if turns == nil {
		turns = []model.Turn{}
	}
	printJSON(map[string]any{"session": sess, "turns": turns})
}

func runSessionsClear(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	character, _ := cmd.Flags().GetString("character")
	all, _ := cmd.Flags().GetBool("all")

	a := mustApp()
	defer a.close()

	ctx := cmd.Context()
	switch {
	case len(args) == 1:
		if err := a.orch.ClearSession(ctx, args[0]); err != nil {
			exitErr("sessions clear", err)
		}
		fmt.Println(`{"ok":true,"cleared":1}`)
	case user != "" && character != "":
		if err := a.orch.ClearUserSession(ctx, user, character); err != nil {
			exitErr("sessions clear", err)
		}
		fmt.Println(`{"ok":true,"cleared":1}`)
	case all:
		n, err := a.orch.ClearAllSessions(ctx)
		if err != nil {
			exitErr("sessions clear", err)
		}
		fmt.Printf(`{"ok":true,"cleared":%d}`+"\n", n)
	default:
		exitErr("sessions clear", fmt.Errorf("give a session id, --user with --character, or --all"))
	}
}

func runCharacters(cmd *cobra.Command, args []string) {
	s, err := openStore()
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	chars, err := s.ListCharacters(cmd.Context())
	if err != nil {
		exitErr("characters", err)
	}
	if formatFlag == "text" {
		for _, c := range chars {
			fmt.Printf("%s\t%s\n", c.ID, c.Name)
		}
		return
	}
	if chars == nil {
		chars = []model.Character{}
	}
	printJSON(chars)
}
