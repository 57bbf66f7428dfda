package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/assistant-relay/pkg/client"
	"github.com/go-go-golems/assistant-relay/pkg/relay"
)

const defaultServer = "http://localhost:8002"

type askSettings struct {
	server    string
	sessionID string
	raw       bool
	wordWrap  int
}

func newAskCommand(_ *app) *cobra.Command {
	s := &askSettings{}
	cmd := &cobra.Command{
		Use:   "ask [message...]",
		Short: "Send one message to a running relay and print the reply",
		Long: `Send one message to a running relay and stream the reply.
The message is read from stdin when no arguments are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := strings.Join(args, " ")
			if msg == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "read stdin")
				}
				msg = strings.TrimSpace(string(b))
			}
			if msg == "" {
				return errors.New("no message given")
			}
			out := cmd.OutOrStdout()
			markdown := !s.raw && isatty.IsTerminal(os.Stdout.Fd())
			return runAsk(cmd, s, msg, out, cmd.ErrOrStderr(), markdown)
		},
	}
	cmd.Flags().StringVar(&s.server, "server", defaultServer, "Relay base URL")
	cmd.Flags().StringVar(&s.sessionID, "session", "", "Session to continue (a new one is created when empty)")
	cmd.Flags().BoolVar(&s.raw, "raw", false, "Print text as it streams instead of rendering markdown")
	cmd.Flags().IntVar(&s.wordWrap, "word-wrap", 100, "Markdown word wrap width")
	return cmd
}

func runAsk(cmd *cobra.Command, s *askSettings, msg string, out, errOut io.Writer, markdown bool) error {
	c := client.New(s.server)
	var text strings.Builder
	var turnErr error

	sid, err := c.Chat(cmd.Context(), s.sessionID, msg, func(ev relay.Event) error {
		switch ev.Type {
		case relay.EventAssistantText:
			if markdown {
				text.WriteString(ev.Content)
			} else {
				_, _ = io.WriteString(out, ev.Content)
			}
		case relay.EventToolUse:
			_, _ = fmt.Fprintf(errOut, "[tool] %s (%s)\n", ev.Tool, ev.ID)
		case relay.EventResult:
			if ev.InputTokens != nil && ev.OutputTokens != nil {
				_, _ = fmt.Fprintf(errOut, "[usage] %d in / %d out", *ev.InputTokens, *ev.OutputTokens)
				if ev.CostUSD != nil {
					_, _ = fmt.Fprintf(errOut, " / $%.4f", *ev.CostUSD)
				}
				_, _ = fmt.Fprintln(errOut)
			}
		case relay.EventError:
			turnErr = errors.New(ev.Error)
		case relay.EventProcessing, relay.EventToolResult, relay.EventDone:
		}
		return nil
	})
	if err != nil {
		return err
	}

	if markdown && text.Len() > 0 {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(s.wordWrap))
		if err != nil {
			return errors.Wrap(err, "create markdown renderer")
		}
		rendered, err := r.Render(text.String())
		if err != nil {
			return errors.Wrap(err, "render markdown")
		}
		_, _ = io.WriteString(out, rendered)
	} else if !markdown {
		_, _ = fmt.Fprintln(out)
	}
	_, _ = fmt.Fprintf(errOut, "[session] %s\n", sid)
	return turnErr
}
