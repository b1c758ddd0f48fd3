package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/xdrag/internal/config"
	"github.com/bryanchriswhite/xdrag/internal/drag"
	"github.com/bryanchriswhite/xdrag/internal/logger"
	"github.com/bryanchriswhite/xdrag/internal/window"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "xdrag",
		Short: "xdrag - start X11 drag and drop sessions from the command line",
		Long: `xdrag is the source side of X11 drag and drop. It grabs the pointer,
finds the window under it and talks XDND or Motif to it until the drop is
taken, refused or cancelled.

Windows that speak neither protocol get the data pasted with a synthetic
middle click instead.`,
		SilenceUsage:      true,
		PersistentPreRunE: initConfig,
	}

	configMgr *config.Manager
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/xdrag/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8090)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("display", "", "X display to connect to (default is $DISPLAY)")
}

// initConfig loads the config file and lays the global flags over it
func initConfig(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	v := mgr.GetViper()
	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"server_port": "port",
		"log_level":   "log-level",
		"display":     "display",
	} {
		if f := flags.Lookup(flag); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	configMgr = mgr
	logger.Init(mgr.Effective().LogLevel, true)
	return nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// openEngine connects to the display and builds a drag engine on it. The
// caller closes the backend.
func openEngine() (*drag.Engine, *window.X11Backend, error) {
	cfg := configMgr.Effective()
	b, err := window.NewX11Backend(cfg.Display)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to X11: %w", err)
	}
	e, err := drag.New(b, cfg.Drag)
	if err != nil {
		b.Close()
		return nil, nil, err
	}
	return e, b, nil
}
