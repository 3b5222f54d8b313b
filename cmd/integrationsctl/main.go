// Command integrationsctl runs maintenance operations against the integration
// service's stores: refresh batches, connection status, alert triage and tenant
// threshold overrides.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/teresa-solution/integration-service/internal/app"
	"github.com/teresa-solution/integration-service/internal/config"
	"github.com/teresa-solution/integration-service/internal/health"
	"github.com/teresa-solution/integration-service/internal/model"
)

var (
	envFile    string
	outputJSON bool
	timeout    time.Duration
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "integrationsctl",
		Short:        "Operate provider connections and health alerts",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional .env file")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print JSON instead of tables")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "Overall command timeout")

	root.AddCommand(newRefreshCmd(), newConnectionsCmd(), newAlertsCmd(), newThresholdsCmd())
	return root
}

// withApp loads configuration, builds the service and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to release resources")
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRefreshCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh provider tokens that are due",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				run := a.Integrations.RefreshDue
				if all {
					run = a.Integrations.RefreshAll
				}
				batch, err := run(ctx)
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(cmd.OutOrStdout(), batch)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d succeeded=%d failed=%d skipped=%d\n",
					batch.Attempted, batch.Succeeded, batch.Failed, batch.Skipped)
				for _, f := range batch.Failures {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s/%s reauth=%t %s\n", f.TenantID, f.Provider, f.NeedsReauth, f.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Refresh every expiring token, not only those inside the refresh window")
	return cmd
}

func newConnectionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "connections", Short: "Inspect provider connections"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status TENANT_ID",
		Short: "Show a tenant's connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				views, err := a.Integrations.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(cmd.OutOrStdout(), views)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PROVIDER\tSTATUS\tTOKEN\tEXPIRES\tACCOUNT\tLAST ERROR")
				for _, v := range views {
					expires := "never"
					if v.TokenExpiresAt != nil {
						expires = v.TokenExpiresAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						v.Provider, v.Status, v.TokenType, expires, v.SelectedAccountID, v.LastError)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "alerts", Short: "Triage health alerts"}

	var filter model.AlertFilter
	var severity string
	list := &cobra.Command{
		Use:   "list",
		Short: "List open alerts, most severe first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Severity = model.Severity(severity)
			if severity != "" && !filter.Severity.Valid() {
				return fmt.Errorf("unknown severity %q", severity)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				alerts, err := a.Alerts.ListOpen(ctx, filter)
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(cmd.OutOrStdout(), alerts)
				}
				return printAlerts(cmd.OutOrStdout(), alerts)
			})
		},
	}
	list.Flags().StringVar(&filter.Service, "service", "", "Only alerts for this service")
	list.Flags().StringVar(&filter.TenantID, "tenant", "", "Only alerts for this tenant")
	list.Flags().StringVar(&severity, "severity", "", "Only alerts of this severity (p1, p2, p3)")
	list.Flags().BoolVar(&filter.IncludeAcknowledged, "include-acknowledged", false, "Include acknowledged alerts")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "Maximum alerts to show")

	counts := &cobra.Command{
		Use:   "counts",
		Short: "Count alerts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				c, err := a.Alerts.Counts(ctx)
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(cmd.OutOrStdout(), c)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "open=%d acknowledged=%d resolved=%d\n", c.Open, c.Acknowledged, c.Resolved)
				return nil
			})
		},
	}

	var user, notes string
	transition := func(use, short string, apply func(ctx context.Context, a *app.App, id uuid.UUID) (*model.Alert, error)) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " ALERT_ID",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid alert id: %w", err)
				}
				return withApp(cmd, func(ctx context.Context, a *app.App) error {
					alert, err := apply(ctx, a, id)
					if err != nil {
						return err
					}
					if alert == nil {
						current, err := a.Alerts.Get(ctx, id)
						if err != nil {
							return err
						}
						return fmt.Errorf("alert %s is %s; nothing to %s", id, current.Status, use)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "alert %s is now %s\n", alert.ID, alert.Status)
					return nil
				})
			},
		}
		c.Flags().StringVar(&user, "user", os.Getenv("USER"), "Acting user")
		return c
	}

	ack := transition("ack", "Acknowledge an open alert", func(ctx context.Context, a *app.App, id uuid.UUID) (*model.Alert, error) {
		return a.Alerts.Acknowledge(ctx, id, user)
	})
	resolve := transition("resolve", "Resolve an alert", func(ctx context.Context, a *app.App, id uuid.UUID) (*model.Alert, error) {
		return a.Alerts.Resolve(ctx, id, user, notes)
	})
	resolve.Flags().StringVar(&notes, "notes", "", "Resolution notes")
	reopen := transition("reopen", "Reopen an acknowledged or resolved alert", func(ctx context.Context, a *app.App, id uuid.UUID) (*model.Alert, error) {
		return a.Alerts.Reopen(ctx, id, user)
	})

	cmd.AddCommand(list, counts, ack, resolve, reopen)
	return cmd
}

func newThresholdsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "thresholds", Short: "Manage per-tenant health threshold overrides"}

	var (
		warning, critical float64
		direction         string
	)
	set := &cobra.Command{
		Use:   "set TENANT_ID CATEGORY METRIC",
		Short: "Override a metric's warning and critical thresholds for a tenant",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := health.Direction(direction)
			if dir != "" && dir != health.HigherIsWorse && dir != health.LowerIsWorse {
				return fmt.Errorf("unknown direction %q", direction)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				warnIfEphemeral(a)
				t := health.Threshold{Warning: warning, Critical: critical, Direction: dir}
				if err := a.Thresholds.Set(ctx, args[0], args[1], args[2], t); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s/%s warning=%v critical=%v\n", args[0], args[1], args[2], warning, critical)
				return nil
			})
		},
	}
	set.Flags().Float64Var(&warning, "warning", 0, "Warning threshold")
	set.Flags().Float64Var(&critical, "critical", 0, "Critical threshold")
	set.Flags().StringVar(&direction, "direction", "", "higher_is_worse or lower_is_worse; defaults to the metric's own")
	_ = set.MarkFlagRequired("warning")
	_ = set.MarkFlagRequired("critical")

	unset := &cobra.Command{
		Use:   "unset TENANT_ID CATEGORY METRIC",
		Short: "Remove a tenant's override so the default applies again",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				warnIfEphemeral(a)
				if err := a.Thresholds.Unset(ctx, args[0], args[1], args[2]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s/%s uses the default\n", args[0], args[1], args[2])
				return nil
			})
		},
	}

	show := &cobra.Command{
		Use:   "show TENANT_ID CATEGORY",
		Short: "Show the thresholds in effect for a tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				effective, err := a.Thresholds.Effective(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if outputJSON {
					return printJSON(cmd.OutOrStdout(), effective)
				}
				return printThresholds(cmd.OutOrStdout(), effective)
			})
		},
	}

	cmd.AddCommand(set, unset, show)
	return cmd
}

// warnIfEphemeral flags writes that only reach this process's memory store.
func warnIfEphemeral(a *app.App) {
	if a.Config.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, the override is lost when this command exits")
	}
}

func printThresholds(w io.Writer, thresholds health.Thresholds) error {
	metrics := make([]string, 0, len(thresholds))
	for m := range thresholds {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tWARNING\tCRITICAL\tDIRECTION")
	for _, m := range metrics {
		t := thresholds[m]
		dir := t.Direction
		if dir == "" {
			dir = health.HigherIsWorse
		}
		fmt.Fprintf(tw, "%s\t%v\t%v\t%s\n", m, t.Warning, t.Critical, dir)
	}
	return tw.Flush()
}

func printAlerts(w io.Writer, alerts []*model.Alert) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEVERITY\tSTATUS\tSERVICE\tTENANT\tTITLE\tCREATED")
	for _, a := range alerts {
		tenant := "-"
		if a.TenantID != nil {
			tenant = *a.TenantID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.Severity, a.Status, a.Service, tenant, a.Title, a.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
