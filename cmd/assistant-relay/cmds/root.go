package cmds

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/assistant-relay/pkg/config"
	"github.com/go-go-golems/assistant-relay/pkg/logging"
)

var version = "dev"

// app carries what the persistent pre-run resolved to the subcommands.
type app struct {
	configFile string
	settings   config.Settings
}

func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "assistant-relay",
		Short:         "Relay assistant sessions to HTTP clients as server-sent events",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := config.Load(a.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			a.settings = s
			return logging.Init(s.Log)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Config file (default: <user config dir>/assistant-relay/config.yaml)")
	pf.String("log-level", "", "Log level (trace|debug|info|warn|error)")
	pf.String("log-format", "", "Log format (auto|text|json)")
	pf.String("log-file", "", "Write logs to this file instead of stderr")

	root.AddCommand(newServeCommand(a))
	root.AddCommand(newAskCommand(a))
	root.AddCommand(newSessionsCommand(a))
	root.AddCommand(newProfilesCommand(a))
	return root
}
