package cmds

import (
	"context"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/assistant-relay/pkg/profiles"
)

func newProfilesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Inspect session profiles",
	}
	listCmd, err := NewProfilesListCommand(a)
	cobra.CheckErr(err)
	cobraListCmd, err := buildGlazedCommand(listCmd)
	cobra.CheckErr(err)
	cmd.AddCommand(cobraListCmd)
	cmd.AddCommand(newProfilesGetCommand(a))
	return cmd
}

func loadProfiles(a *app) (*profiles.Store, error) {
	path := a.settings.ProfilesFile
	if path == "" {
		var err error
		if path, err = profiles.DefaultPath(); err != nil {
			return nil, err
		}
	}
	return profiles.Load(path)
}

type ProfilesListCommand struct {
	*cmds.CommandDescription
	app *app
}

type ProfilesListSettings struct {
	Concise bool `glazed:"concise"`
}

func NewProfilesListCommand(a *app) (*ProfilesListCommand, error) {
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
		cmds.WithShort("List all profiles"),
		cmds.WithLong("List the profiles of the profiles file in file order, one row per profile."),
		cmds.WithFlags(
			fields.New(
				"concise",
				fields.TypeBool,
				fields.WithDefault(false),
				fields.WithShortFlag("c"),
				fields.WithHelp("Only show profile names"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ProfilesListCommand{CommandDescription: desc, app: a}, nil
}

func (c *ProfilesListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &ProfilesListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	store, err := loadProfiles(c.app)
	if err != nil {
		return err
	}
	for _, row := range profileRows(store, s.Concise) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func profileRows(store *profiles.Store, concise bool) []types.Row {
	names := store.Names()
	rows := make([]types.Row, 0, len(names))
	for _, name := range names {
		if concise {
			rows = append(rows, types.NewRow(types.MRP("name", name)))
			continue
		}
		cfg, _ := store.Get(name)
		row := types.NewRow(
			types.MRP("name", name),
			types.MRP("permission_mode", cfg.PermissionMode),
			types.MRP("allowed_tools", cfg.AllowedTools),
		)
		if cfg.SystemPrompt != nil {
			row.Set("system_prompt", *cfg.SystemPrompt)
		}
		if cfg.MaxTurns != nil {
			row.Set("max_turns", *cfg.MaxTurns)
		}
		if cfg.Cwd != nil {
			row.Set("cwd", *cfg.Cwd)
		}
		rows = append(rows, row)
	}
	return rows
}

var _ cmds.GlazeCommand = &ProfilesListCommand{}

func newProfilesGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <profile>",
		Short: "Print one profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadProfiles(a)
			if err != nil {
				return err
			}
			cfg, ok := store.Get(args[0])
			if !ok {
				return fmt.Errorf("profile %s not found in %s", args[0], store.Path())
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}
