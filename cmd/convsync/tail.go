package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/LuminPulse-AI/convsync"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var tailSSE bool

func init() {
	tailCmd.Flags().BoolVar(&tailSSE, "sse", false, "Use the SSE transport instead of WebSocket")
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation",
	Long:  "Print a conversation and every message that becomes visible afterwards.\nExits on Ctrl-C or when access to the conversation is revoked.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(contextOrBackground(cmd), os.Interrupt)
		defer stop()

		engine, err := openEngine(ctx, args[0], tailSSE)
		if err != nil {
			return err
		}
		defer engine.Close()

		p := &printer{seen: make(map[string]struct{}), names: make(map[string]string)}
		evicted := make(chan error, 1)

		engine.On(convsync.EventEvicted, func(_ string, payload any) {
			err, _ := payload.(error)
			select {
			case evicted <- err:
			default:
			}
		})
		engine.On(convsync.EventSenderResolved, func(_ string, payload any) {
			if r, ok := payload.(convsync.SenderResolved); ok {
				p.setName(r.UserID, r.Profile.Username)
			}
		})
		engine.On(convsync.EventStateChanged, func(string, any) {
			p.printNew(engine.Snapshot())
		})
		p.printNew(engine.Snapshot())

		select {
		case <-ctx.Done():
			return nil
		case err := <-evicted:
			return fmt.Errorf("left conversation: %w", err)
		}
	},
}

// printer writes each message once, in snapshot order.
type printer struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	names map[string]string
}

func (p *printer) setName(userID, name string) {
	p.mu.Lock()
	p.names[userID] = name
	p.mu.Unlock()
}

func (p *printer) printNew(snap convsync.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, v := range snap.Messages {
		if _, ok := p.seen[v.Message.ID]; ok {
			continue
		}
		p.seen[v.Message.ID] = struct{}{}
		fmt.Println(p.format(v))
	}
}

func (p *printer) format(v convsync.MessageView) string {
	m := v.Message
	sender := m.SenderID
	if name, ok := p.names[sender]; ok && name != "" {
		sender = name
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", humanize.Time(m.CreatedAt), sender, m.Content)
	if m.MediaURL != "" {
		fmt.Fprintf(&b, " <%s>", m.MediaURL)
	}
	for _, g := range v.Reactions {
		fmt.Fprintf(&b, " %s%d", g.Emoji, g.Count)
	}
	if v.HasThread {
		fmt.Fprintf(&b, " (%s in thread)", humanize.Comma(int64(m.JoinCount-1)))
	}
	if len(v.ReadBy) > 0 {
		fmt.Fprintf(&b, " seen by %d", len(v.ReadBy))
	}
	fmt.Fprintf(&b, "  #%s", m.ID)
	return b.String()
}

// contextOrBackground keeps commands usable when cobra has no context.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
