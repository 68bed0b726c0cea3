package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pairline/pairline/internal/chat"
	"github.com/pairline/pairline/internal/config"
	"github.com/pairline/pairline/internal/gateway"
	"github.com/pairline/pairline/internal/presence"
	"github.com/pairline/pairline/internal/store"
)

func newServeCmd() *cobra.Command {
	var (
		port    int
		bind    string
		dbPath  string
		backend string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the pairline server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Gateway.Port = port
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}
			if dbPath != "" {
				cfg.Storage.Path = dbPath
			}
			if backend != "" {
				cfg.Storage.Backend = backend
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			if err := paths.EnsureDirs(); err != nil {
				return fmt.Errorf("creating data directories: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var st store.Store
			switch cfg.Storage.Backend {
			case "memory":
				st = store.NewMemoryStore()
				log.Info().Msg("using in-memory store")
			default:
				path := cfg.Storage.Path
				if path == "" {
					path = filepath.Join(paths.Data, "pairline.db")
				}
				db, err := store.Open(path, log)
				if err != nil {
					return fmt.Errorf("opening database: %w", err)
				}
				st = store.NewSQLiteStore(db)
				log.Info().Str("path", path).Msg("using SQLite store")
			}
			defer st.Close()

			// Membership rows from a previous process run are stale:
			// none of those connections exist anymore.
			if err := st.ResetGroupConnections(ctx); err != nil {
				return fmt.Errorf("clearing stale group connections: %w", err)
			}

			clients := gateway.NewClientRegistry(log.Component("clients"))
			bcast := gateway.NewBroadcaster(clients, log.Component("broadcast"))
			tracker := presence.NewTracker(log)
			registry := chat.NewRegistry(st, log)
			hub := chat.NewHub(tracker, registry, st, bcast, log,
				chat.WithHistoryLimit(cfg.Chat.HistoryLimit))

			srv := gateway.New(cfg, hub, clients, log)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")
	cmd.Flags().StringVar(&dbPath, "db", "", "override sqlite database path")
	cmd.Flags().StringVar(&backend, "store", "", "storage backend (sqlite, memory)")

	return cmd
}
