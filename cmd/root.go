package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/FoxMoss/wisp-server-go/config"
	"github.com/FoxMoss/wisp-server-go/server"
)

// Command-line flags. Only --config is persistent; the rest belong to the
// root (serve) command.
var (
	flagConfigPath  string
	flagHost        string
	flagPort        int
	flagStaticDir   string
	flagMetricsAddr string
	flagLogLevel    string
	flagPrettyLog   bool
)

// cfg is loaded once by the persistent pre-run hook.
var cfg config.Config

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wisp-server",
		Short:         "WebSocket-fronted TCP multiplexing proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(flagConfigPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyEnv(); err != nil {
				return err
			}
			// Flag > env > config file > default.
			if cmd.Flags().Changed("host") {
				cfg.Host = flagHost
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = flagPort
			}
			if cmd.Flags().Changed("static") {
				cfg.StaticDir = flagStaticDir
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = flagMetricsAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = flagLogLevel
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(cfg.LogLevel, flagPrettyLog)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return server.New(cfg, log).Run(ctx)
		},
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "wisp.yaml", "path to YAML config file")
	root.Flags().StringVar(&flagHost, "host", "127.0.0.1", "listen host")
	root.Flags().IntVar(&flagPort, "port", 6001, "listen port")
	root.Flags().StringVar(&flagStaticDir, "static", "", "static files root (default: current directory)")
	root.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")
	root.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	root.Flags().BoolVar(&flagPrettyLog, "pretty-log", false, "human-readable console logging instead of JSON")

	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string, pretty bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var out = os.Stderr
	logger := zerolog.New(out)
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(lvl).With().Timestamp().Logger(), nil
}
