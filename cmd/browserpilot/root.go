package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/logger"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

type cliContextKey struct{}

// cliContext is built once per invocation by the root command.
type cliContext struct {
	cfg *config.Config
	log *logger.Logger
}

// errTaskFailed makes the process exit non-zero without printing usage.
var errTaskFailed = errors.New("task failed")

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:   "browserpilot",
		Short: "Browser automation session server",
		Long: `browserpilot runs natural-language browser automation tasks, streams
their steps to subscribers and lets clients pause, resume or stop them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}

			cfg, err := config.LoadWithPath(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if flags.logLevel != "" {
				cfg.Logging.Level = flags.logLevel
			}

			log, err := logger.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logger.SetDefault(log)

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, &cliContext{cfg: cfg, log: log}))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if cc := getCLIContext(cmd); cc != nil {
				_ = cc.log.Sync()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "directory containing config.yaml")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRunCmd())
	return root
}

func getCLIContext(cmd *cobra.Command) *cliContext {
	ctx := cmd.Context()
	if ctx == nil {
		return nil
	}
	cc, _ := ctx.Value(cliContextKey{}).(*cliContext)
	return cc
}

func mustCLIContext(cmd *cobra.Command) (*cliContext, error) {
	cc := getCLIContext(cmd)
	if cc == nil {
		return nil, errors.New("CLI context not initialized")
	}
	return cc, nil
}

func exitCode(err error) int {
	if errors.Is(err, errTaskFailed) {
		return 2
	}
	return 1
}
