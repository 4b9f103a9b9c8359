package main

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/LuminPulse-AI/convsync"
	"github.com/spf13/cobra"
)

var (
	sendAttach []string
	sendThread string
)

func init() {
	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "File to attach (repeatable)")
	sendCmd.Flags().StringVar(&sendThread, "thread", "", "Reply in the thread of this root message")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [text]",
	Short: "Send a message",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := convsync.SendRequest{ConversationID: args[0], ThreadRootID: sendThread}
		if len(args) == 2 {
			req.Text = args[1]
		}
		for _, path := range sendAttach {
			a, err := readAttachment(path)
			if err != nil {
				return err
			}
			req.Attachments = append(req.Attachments, a)
		}
		if req.Text == "" && len(req.Attachments) == 0 {
			return fmt.Errorf("nothing to send: give text or --attach")
		}

		ctx := contextOrBackground(cmd)
		engine, err := openEngine(ctx, args[0], false)
		if err != nil {
			return err
		}
		defer engine.Close()

		res, err := engine.SendMessage(ctx, req)
		for _, m := range res.Messages {
			fmt.Printf("Sent %s\n", m.ID)
		}
		for _, f := range res.FailedAttachments {
			fmt.Fprintf(os.Stderr, "Upload failed: %v\n", f)
		}
		return err
	},
}

func readAttachment(path string) (convsync.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return convsync.Attachment{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return convsync.Attachment{Name: filepath.Base(path), ContentType: contentType, Data: data}, nil
}
