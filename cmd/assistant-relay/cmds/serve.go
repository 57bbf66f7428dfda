package cmds

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/assistant-relay/pkg/profiles"
	"github.com/go-go-golems/assistant-relay/pkg/relay"
	"github.com/go-go-golems/assistant-relay/pkg/session"
	"github.com/go-go-golems/assistant-relay/pkg/webchat"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, a)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address (default :8002)")
	f.String("backend", "", "Upstream backend: cli or api")
	f.StringSlice("allowed-origins", nil, "Browser origins allowed by CORS")
	f.String("profiles-file", "", "Session profiles file (default: <user config dir>/assistant-relay/profiles.yaml)")
	f.String("cli-path", "", "Path of the assistant CLI executable")
	f.String("model", "", "Model passed to the selected backend")
	f.String("api-base-url", "", "Base URL of the Messages API")
	f.Duration("idle-timeout", 0, "Evict sessions idle for this long (0 disables)")
	f.Duration("evict-interval", 0, "How often idle sessions are checked")
	f.Int("connect-retries", 0, "Extra upstream connect attempts")
	f.Bool("redis-enabled", false, "Publish session events to Redis Streams")
	f.String("redis-addr", "", "Redis address")
	return cmd
}

func runServe(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	s := a.settings

	backend, err := webchat.NewStreamBackend(ctx, s.Redis)
	if err != nil {
		return errors.Wrap(err, "build stream backend")
	}
	registry := session.NewRegistry(s.UpstreamFactory(), s.SessionOptions())
	aggregator := relay.NewAggregator(registry, s.AggregatorOptions(relay.NewWatermillPublisher(backend.Publisher())))
	hub, err := webchat.NewStreamHub(webchat.StreamHubConfig{
		BaseCtx:     ctx,
		Backend:     backend,
		IdleTimeout: s.Stream.WatchIdle,
	})
	if err != nil {
		return err
	}

	opts := []webchat.RouterOption{
		webchat.WithStreamHub(hub),
		webchat.WithAllowedOrigins(s.AllowedOrigins),
	}
	path := s.ProfilesFile
	if path == "" {
		if path, err = profiles.DefaultPath(); err != nil {
			log.Warn().Err(err).Msg("no default profiles path, profiles disabled")
		}
	}
	if path != "" {
		store, err := profiles.Load(path)
		if err != nil {
			return err
		}
		log.Info().Str("path", path).Int("count", len(store.Names())).Msg("loaded session profiles")
		opts = append(opts, webchat.WithProfiles(store))
	}

	router, err := webchat.NewRouter(ctx, registry, aggregator, opts...)
	if err != nil {
		return err
	}
	srv, err := webchat.NewServer(ctx, s.Addr, router, backend)
	if err != nil {
		return err
	}
	log.Info().Str("backend", s.Backend).Bool("redis", s.Redis.Enabled).Msg("assistant-relay configured")
	return srv.Run(ctx)
}
