package main

import (
	"context"

	"github.com/spf13/cobra"

	"ruleflow/internal/app"
	logx "ruleflow/pkg/logx"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "ruleflow",
		Short:         "Scheduled automation rules daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config file (json or yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for management commands")

	root.AddCommand(
		newRunCmd(opts),
		newRulesCmd(opts),
		newTasksCmd(opts),
	)
	return root
}

// withApp builds the app without starting it, runs fn and closes it.
// Management commands log to stderr only, whatever the config says.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App) error) error {
	log := logx.NewWriter(cmd.ErrOrStderr(), opts.logLevel)
	a, err := app.NewApp(opts.configPath, app.WithLogger(log))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}
