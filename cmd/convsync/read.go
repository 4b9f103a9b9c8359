package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(readCmd)
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id> <message-id>...",
	Short: "Mark messages read",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := contextOrBackground(cmd)
		engine, err := openEngine(ctx, args[0], false)
		if err != nil {
			return err
		}
		defer engine.Close()

		if err := engine.MarkRead(ctx, args[1:]); err != nil {
			return err
		}
		fmt.Printf("Marked %d message(s) read\n", len(args)-1)
		return nil
	},
}
