package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/timeplus-io/fw-alert-gateway/pkg/app"
	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
)

type globalFlags struct {
	configPath string
	actor      string
}

var flags globalFlags

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fwctl",
		Short: "Operate the firewall alert gateway from the command line",
		Long: `fwctl talks directly to the gateway database and components.
It can migrate storage, run a single poll cycle, manage alerts and trigger remediation.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			app.ConfigureLogging()
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "path to config file")
	pf.StringVar(&flags.actor, "actor", "", "operator name recorded in the audit trail")

	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(pollOnceCmd())
	cmd.AddCommand(alertsCmd())
	cmd.AddCommand(restartServiceCmd())
	cmd.AddCommand(blockTrafficCmd())
	cmd.AddCommand(sendTestEmailCmd())
	return cmd
}

// withApp loads config, builds the components and closes them afterwards
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func actorName() string {
	if flags.actor != "" {
		return flags.actor
	}
	return "fwctl"
}
