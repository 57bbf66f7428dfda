package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/assistant-relay/pkg/client"
	"github.com/go-go-golems/assistant-relay/pkg/session"
)

func newSessionsCommand(_ *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the sessions of a running relay",
	}
	listCmd, err := NewSessionsListCommand()
	cobra.CheckErr(err)
	cobraListCmd, err := buildGlazedCommand(listCmd)
	cobra.CheckErr(err)
	cmd.AddCommand(cobraListCmd)
	return cmd
}

type SessionsListCommand struct {
	*cmds.CommandDescription
}

type SessionsListSettings struct {
	Server string `glazed:"server"`
}

func NewSessionsListCommand() (*SessionsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List the sessions of a running relay"),
		cmds.WithLong("List every live session with its config and usage totals, one row per session."),
		cmds.WithFlags(
			fields.New(
				"server",
				fields.TypeString,
				fields.WithDefault(defaultServer),
				fields.WithHelp("Relay base URL"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &SessionsListCommand{CommandDescription: desc}, nil
}

func (c *SessionsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &SessionsListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	rows, err := sessionRows(ctx, s.Server)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func sessionRows(ctx context.Context, server string) ([]types.Row, error) {
	infos, err := client.New(server).Sessions(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]types.Row, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, sessionRow(info))
	}
	return rows, nil
}

func sessionRow(info session.Info) types.Row {
	return types.NewRow(
		types.MRP("session_id", info.SessionID),
		types.MRP("active", info.Active),
		types.MRP("permission_mode", info.Config.PermissionMode),
		types.MRP("created_at", info.Config.CreatedAt),
		types.MRP("message_count", info.History.MessageCount),
		types.MRP("total_tokens", info.History.TotalTokens),
		types.MRP("total_cost", info.History.TotalCost),
	)
}

var _ cmds.GlazeCommand = &SessionsListCommand{}
