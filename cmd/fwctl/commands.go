package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/timeplus-io/fw-alert-gateway/pkg/app"
	"github.com/timeplus-io/fw-alert-gateway/pkg/config"
	"github.com/timeplus-io/fw-alert-gateway/pkg/models"
	"github.com/timeplus-io/fw-alert-gateway/pkg/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the sqlite schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(flags.configPath)
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", cfg.Database.Path)
			return nil
		},
	}
}

func pollOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll-once",
		Short: "Poll every configured source once and print the cycle report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				report := a.Poller.PollOnce(cmd.Context())
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "cycle %s: %d source(s), %d failed, %s\n",
					report.ID, len(report.Results), report.Failed(), report.Duration.Round(time.Millisecond))
				for _, r := range report.Results {
					status := "ok"
					switch {
					case r.Err != nil:
						status = fmt.Sprintf("%s error: %v", r.Stage, r.Err)
					case r.AlertErr != nil:
						status = fmt.Sprintf("stored, alert error: %v", r.AlertErr)
					}
					fmt.Fprintf(out, "  %-12s %-24s metrics=%d interfaces=%d flows=%d alerts=%d %s\n",
						r.Vendor, r.Source, r.Metrics, r.Interfaces, r.Flows, r.Alerts, status)
				}
				return nil
			})
		},
	}
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and manage alerts",
	}

	var (
		state    string
		severity string
		source   string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := models.AlertFilter{Source: source, State: models.AlertState(state), Limit: limit}
			if severity != "" {
				sev, err := models.ParseSeverity(severity)
				if err != nil {
					return err
				}
				f.Severity = sev
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				alerts, err := a.Alerts.ListAlerts(cmd.Context(), f)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), alerts)
			})
		},
	}
	lf := list.Flags()
	lf.StringVar(&state, "state", "", "open-unacknowledged, open-acknowledged or resolved")
	lf.StringVar(&severity, "severity", "", "critical, warning or info")
	lf.StringVar(&source, "source", "", "source hostname")
	lf.IntVar(&limit, "limit", 50, "maximum number of alerts")

	var notes string
	transition := func(use, short string, op func(a *app.App, cmd *cobra.Command, id int64) (*models.Alert, error)) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid alert id %q", args[0])
				}
				return withApp(cmd.Context(), func(a *app.App) error {
					alert, err := op(a, cmd, id)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), alert)
				})
			},
		}
		c.Flags().StringVar(&notes, "notes", "", "free-form note for the audit trail")
		return c
	}

	ack := transition("ack", "Acknowledge an alert", func(a *app.App, cmd *cobra.Command, id int64) (*models.Alert, error) {
		return a.Alerts.Acknowledge(cmd.Context(), id, actorName(), notes)
	})
	resolve := transition("resolve", "Resolve an alert", func(a *app.App, cmd *cobra.Command, id int64) (*models.Alert, error) {
		return a.Alerts.Resolve(cmd.Context(), id, actorName(), notes)
	})

	hist := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail of an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid alert id %q", args[0])
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				entries, err := a.Alerts.GetHistory(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}

	cmd.AddCommand(list, ack, resolve, hist)
	return cmd
}

func restartServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart-service <cpu|memory|disk|bandwidth>",
		Short: "Restart the monitoring service behind a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Remediation.RestartService(cmd.Context(), args[0], actorName())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func blockTrafficCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block-traffic <ip|cidr>",
		Short: "Drop inbound traffic from an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				res, err := a.Remediation.BlockTraffic(cmd.Context(), args[0], actorName())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func sendTestEmailCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "send-test-email",
		Short: "Send a sample digest to check SMTP settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				recipient := to
				if recipient == "" {
					recipient = a.Dispatcher.AdminEmail()
				}
				now := time.Now()
				sample := []models.Alert{
					{Type: models.MetricCPU, Severity: models.SeverityCritical, Source: "fwctl",
						Message: "CPU usage is 95% (critical threshold: 85%)", CreatedAt: now},
					{Type: models.MetricMemory, Severity: models.SeverityWarning, Source: "fwctl",
						Message: "Memory usage is 80% (warning threshold: 75%)", CreatedAt: now},
				}
				if err := a.Dispatcher.NotifyBatch(cmd.Context(), recipient, sample); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "test digest sent to %s\n", recipient)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient (defaults to the admin address)")
	return cmd
}
