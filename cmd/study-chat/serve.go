package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/study-chat/pkg/assistant"
	"github.com/go-go-golems/study-chat/pkg/config"
	"github.com/go-go-golems/study-chat/pkg/lifecycle"
	"github.com/go-go-golems/study-chat/pkg/session"
	"github.com/go-go-golems/study-chat/pkg/web"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the participant chat API and websocket stream",
		RunE:  runServe,
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s, err := config.FromViper(globals)
	if err != nil {
		return err
	}

	catalog, err := loadCatalog(s.ScenariosFile)
	if err != nil {
		return err
	}
	bridge, err := assistant.NewOpenAIBridge(s.Assistant, log.Logger)
	if err != nil {
		return err
	}

	store, err := openStore(s.DB)
	if err != nil {
		return err
	}
	bus, err := lifecycle.NewBus(ctx, s.Lifecycle, log.Logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	hub := web.NewHub(s.WSIdle, log.Logger)
	mgr, err := session.NewManager(session.ManagerOptions{
		BaseCtx:   ctx,
		Catalog:   catalog,
		Store:     store,
		Assistant: bridge,
		Publisher: bus,
		Countdown: s.Countdown,
		Logger:    log.Logger,
		Retain:    hub.Connected,
		OnEvict:   hub.Drop,
	})
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return err
	}
	mgr.SetEvictionConfig(s.EvictIdle, s.EvictInterval)

	srv, err := web.NewServer(web.ServerOptions{
		Addr:    s.Addr,
		Manager: mgr,
		Hub:     hub,
		Bus:     bus,
		Logger:  log.Logger,
		Closers: []io.Closer{store},
	})
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return err
	}

	log.Info().
		Str("db", s.DB).
		Dur("countdown", s.Countdown).
		Bool("redis", s.Lifecycle.Enabled).
		Int("scenarios", len(catalog.List())).
		Msg("study-chat configured")
	return srv.Run(ctx)
}
