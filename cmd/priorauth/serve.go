package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/priorauth/priorauth/internal/web"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web UI on localhost",
		RunE: func(cmd *cobra.Command, args []string) error {
			host, _ := cmd.Flags().GetString("host")
			return runServer(host)
		},
	}
	cmd.Flags().String("host", "127.0.0.1", "Interface to listen on")
	return cmd
}

func runServer(host string) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	srv, err := web.NewServer(web.Deps{
		Sessions:      a.sessions,
		Requests:      a.store,
		Extractor:     a.extractor,
		Generator:     a.generator,
		Documents:     a.archive,
		Notifications: a.notes,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	e := srv.Echo()

	stopStart := startInBackground(ctx, a.sessions)

	go func() {
		addr := host + ":" + a.cfg.Port
		logger.Info().Str("addr", "http://"+addr).Msg("starting web UI")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	stopStart()
	logger.Info().Msg("server stopped")
	return nil
}

type starter interface {
	Start(ctx context.Context)
}

// startInBackground resolves the initial session without blocking, so
// early requests see the loading page. The returned func cancels a start
// still in progress and waits for it.
func startInBackground(ctx context.Context, s starter) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}
