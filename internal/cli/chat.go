package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sekai-engine/sekai-memory/internal/orchestrator"
)

func init() {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to a character",
		Long: "Send one message to a character, or start an interactive conversation when no message is given.\n" +
			"In interactive mode, /chapter N moves the conversation to another chapter and /quit exits.",
		Run: runChat,
	}

	cmd.Flags().StringP("user", "u", "user", "User id")
	cmd.Flags().String("character", "", "Character id (required)")
	cmd.Flags().Int("chapter", 1, "Current chapter")
	cmd.MarkFlagRequired("character")

	RootCmd.AddCommand(cmd)
}

func runChat(cmd *cobra.Command, args []string) {
	user, _ := cmd.Flags().GetString("user")
	character, _ := cmd.Flags().GetString("character")
	chapter, _ := cmd.Flags().GetInt("chapter")

	a := mustApp()
	defer a.close()

	req := orchestrator.ChatRequest{UserID: user, CharacterID: character, Chapter: chapter}
	if len(args) > 0 {
		req.Message = strings.Join(args, " ")
		res, err := a.orch.Chat(cmd.Context(), req)
		if err != nil {
			exitErr("chat", err)
		}
		if formatFlag == "text" {
			fmt.Println(res.Reply)
			return
		}
		printJSON(res)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Fprintf(os.Stderr, "chatting with %s at chapter %d (/quit to exit)\n", character, req.Chapter)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return
		case strings.HasPrefix(line, "/chapter "):
			var n int
			if _, err := fmt.Sscanf(line, "/chapter %d", &n); err != nil || n <= 0 {
				fmt.Fprintln(os.Stderr, "usage: /chapter N")
				continue
			}
			req.Chapter = n
			fmt.Fprintf(os.Stderr, "now at chapter %d\n", n)
			continue
		}

		req.Message = line
		res, err := a.orch.Chat(cmd.Context(), req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Println(res.Reply)
	}
	if err := scanner.Err(); err != nil {
		exitErr("read stdin", err)
	}
}
