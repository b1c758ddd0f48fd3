package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bryanchriswhite/xdrag/internal/api"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the xdrag HTTP server",
	Long: `Start the xdrag HTTP server. It exposes the toplevel directory and the
protocol probe, starts drags on request and streams session notifications
over a websocket.`,
	Example: `  # Start server on default port (8090)
  xdrag serve

  # Start server on custom port
  xdrag serve --port 9090

  # Start with debug logging
  xdrag serve --log-level debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("api")
	cfg := configMgr.Effective()
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	e, b, err := openEngine()
	if err != nil {
		return err
	}
	defer b.Close()

	server := api.NewServer(e, configMgr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	go func() {
		errc <- server.Run(ctx)
	}()
	go func() {
		errc <- server.Start(cfg.ServerPort)
	}()

	log.Info().
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("xdrag is running, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully")
		return nil
	case err := <-errc:
		if err == nil {
			err = errors.New("display worker stopped")
		}
		return err
	}
}
