// Package cmd defines and implements the CLI commands for the sourcevalidator executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/source-validator/internal/config"
)

// commandContext lazily loads configuration shared by subcommands.
type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		c.config = &cfg
	})
	return c.config, c.configErr
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var configFlag string
	ctx := newCommandContext(&configFlag)

	cmd := &cobra.Command{
		Use:           "sourcevalidator",
		Short:         "Validates content sources with a bounded pool of concurrent probes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	cmd.AddCommand(newServeCmd(ctx))
	cmd.AddCommand(newCheckCmd(ctx))
	cmd.AddCommand(newSourcesCmd(ctx))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
