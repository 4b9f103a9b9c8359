package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(reactCmd)
}

var reactCmd = &cobra.Command{
	Use:   "react <conversation-id> <message-id> <emoji>",
	Short: "Toggle a reaction",
	Long:  "Toggle your reaction on a message. Reacting with the emoji you already\nused removes it; a different emoji replaces it.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := contextOrBackground(cmd)
		engine, err := openEngine(ctx, args[0], false)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.ToggleReaction(ctx, args[1], args[2]); err != nil {
			return err
		}
		for _, v := range engine.Snapshot().Messages {
			if v.Message.ID != args[1] {
				continue
			}
			for _, g := range v.Reactions {
				mark := ""
				if g.ReactedByMe {
					mark = " (you)"
				}
				fmt.Printf("%s %d%s\n", g.Emoji, g.Count, mark)
			}
		}
		return nil
	},
}
