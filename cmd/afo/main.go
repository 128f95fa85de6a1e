// Command afo is the operator interface to the firewall orchestration
// daemon. `afo daemon` runs the service; every other subcommand talks to a
// running daemon over its control socket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"afo/internal/config"
	"afo/internal/daemon"
	"afo/internal/facade"
	"afo/internal/logging"
	"afo/internal/policy"
	"afo/internal/store"
	"afo/internal/types"
)

var (
	cfgPath string
	asJSON  bool
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "afo",
	Short: "Autonomous firewall orchestrator",
	Long: `afo manages firewall policy through proposals, probationary
deployments, and a bounded autonomy controller. Run "afo daemon" as the
service; the remaining commands operate a running daemon.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = logging.New(cfg.Logging)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "/etc/afo/afo.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "emit JSON instead of tables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(proposalsCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(autonomyCmd)
	rootCmd.AddCommand(neverBlockCmd)
	rootCmd.AddCommand(eventsCmd)
}

// client dials the daemon's control socket from the loaded config.
func client() *facade.Client {
	return facade.NewClient(cfg.API.Socket)
}

// operator names the acting user for the audit trail.
func operator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// DAEMON
// =============================================================================

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestration daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(cfg, logger)
		if err != nil {
			return err
		}
		d.SetConfigPath(cfgPath)
		return d.Run(cmd.Context())
	},
}

// =============================================================================
// PROPOSALS
// =============================================================================

var (
	proposeFile       string
	proposeSupersedes string
)

var proposeCmd = &cobra.Command{
	Use:   "propose [text]",
	Short: "Propose a firewall rule from text or a YAML file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := facade.ProposeRequest{By: operator(), Supersedes: proposeSupersedes}
		switch {
		case proposeFile != "":
			data, err := os.ReadFile(proposeFile)
			if err != nil {
				return err
			}
			var rule policy.PolicyRule
			if err := yaml.Unmarshal(data, &rule); err != nil {
				return fmt.Errorf("failed to parse rule file: %w", err)
			}
			req.Rule = &rule
		case len(args) == 1:
			req.Text = args[0]
		default:
			return fmt.Errorf("give rule text or --file")
		}

		prop, err := client().Propose(cmd.Context(), req)
		if err != nil {
			return err
		}
		if asJSON {
			return emit(prop)
		}
		fmt.Printf("proposal %s (%s)\n", prop.ID, prop.State)
		if prop.Explanation != "" {
			fmt.Println(" ", prop.Explanation)
		}
		if !prop.Verdict.Valid {
			fmt.Println("  dry run FAILED; this proposal cannot be approved:")
			for _, e := range prop.Verdict.Errors {
				fmt.Println("   ", e)
			}
		}
		for _, w := range prop.Verdict.Warnings {
			fmt.Println("  warning:", w)
		}
		for _, c := range prop.Conflicts.Findings {
			fmt.Printf("  conflict [%s] with %s: %s\n", c.Kind, c.ExistingID, c.Explanation)
		}
		return nil
	},
}

var proposalsState string

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "List proposals",
	RunE: func(cmd *cobra.Command, args []string) error {
		props, err := client().ListProposals(cmd.Context(), store.ProposalState(proposalsState))
		if err != nil {
			return err
		}
		if asJSON {
			return emit(props)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATE\tORIGIN\tACTION\tSOURCE\tCREATED")
		for _, p := range props {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				p.ID, p.State, p.Rule.Origin, p.Rule.Action,
				p.Rule.Source, p.CreatedAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Approve a proposal and deploy it under probation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depID, err := client().Approve(cmd.Context(), args[0], operator())
		if err != nil {
			return err
		}
		fmt.Println("deployment", depID, "applying; it commits after probation unless rolled back")
		return nil
	},
}

var rejectReason string

var rejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Reject a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Reject(cmd.Context(), args[0], operator(), rejectReason)
	},
}

// =============================================================================
// DEPLOYMENTS
// =============================================================================

var commitCmd = &cobra.Command{
	Use:   "commit <deployment-id>",
	Short: "End probation early and commit a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Commit(cmd.Context(), args[0])
	},
}

var rollbackReason string

var rollbackCmd = &cobra.Command{
	Use:   "rollback <deployment-id>",
	Short: "Roll back a deployment in probation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Rollback(cmd.Context(), args[0], rollbackReason)
	},
}

// =============================================================================
// RULES
// =============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show the live ruleset with origins",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := client().ListRules(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return emit(rules)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tORIGIN\tACTION\tDIR\tPROTO\tSOURCE\tPORTS\tEXPIRES")
		for _, r := range rules {
			exp := "-"
			if r.ExpiresAt != nil {
				exp = r.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Origin, r.Action, r.Direction, r.Protocol,
				r.Source, r.DestinationPort, exp)
		}
		return tw.Flush()
	},
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import the backend's current ruleset into policy form",
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, verdict, err := client().ImportRules(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return emit(map[string]any{"rules": rules, "warnings": verdict.Warnings})
		}
		fmt.Printf("imported %d rules\n", len(rules))
		for _, w := range verdict.Warnings {
			fmt.Println("  warning:", w)
		}
		return nil
	},
}

// =============================================================================
// STATUS & AUTONOMY
// =============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := client().DaemonStatus(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return emit(st)
		}
		fmt.Println("backend:          ", st.Backend)
		fmt.Printf("backend health:    reachable=%v writable=%v\n", st.Health.Reachable, st.Health.Writable)
		if st.Health.Detail != "" {
			fmt.Println("backend detail:   ", st.Health.Detail)
		}
		fmt.Println("autonomy level:   ", st.AutonomyLevel)
		if st.BreakerOpen {
			fmt.Println("circuit breaker:   OPEN:", st.BreakerReason)
		} else {
			fmt.Println("circuit breaker:   closed")
		}
		if st.ActiveDeployment != nil {
			fmt.Printf("active deployment: %s (%s)\n", st.ActiveDeployment.ID, st.ActiveDeployment.State)
		}
		fmt.Println("pending proposals:", st.PendingProposals)
		fmt.Println("live rules:       ", st.LiveRules)
		return nil
	},
}

var autonomyCmd = &cobra.Command{
	Use:   "autonomy",
	Short: "Inspect and control the autonomy level",
}

var autonomyLevelCmd = &cobra.Command{
	Use:   "level [monitor|cautious|aggressive]",
	Short: "Show or set the autonomy level",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			st, err := client().DaemonStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(st.AutonomyLevel)
			return nil
		}
		level, ok := types.ParseAutonomyLevel(args[0])
		if !ok {
			return fmt.Errorf("unknown autonomy level %q", args[0])
		}
		return client().AutonomySetLevel(cmd.Context(), level, operator())
	},
}

var autonomyResetCmd = &cobra.Command{
	Use:   "reset-breaker",
	Short: "Close a tripped circuit breaker",
	Long: `Closes the autonomous-deployment circuit breaker. The autonomy
level stays at monitor; raise it separately once the incident is
understood.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().AutonomyResetBreaker(cmd.Context(), operator())
	},
}

func init() {
	autonomyCmd.AddCommand(autonomyLevelCmd)
	autonomyCmd.AddCommand(autonomyResetCmd)

	proposeCmd.Flags().StringVarP(&proposeFile, "file", "f", "", "YAML rule file")
	proposeCmd.Flags().StringVar(&proposeSupersedes, "supersedes", "", "proposal this one replaces")
	proposalsCmd.Flags().StringVar(&proposalsState, "state", "", "filter by state")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "rejection reason")
	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", "operator request", "rollback reason")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "include stored events this far back")
	eventsCmd.Flags().BoolVar(&eventsFollow, "follow", false, "stay attached for live events")
}

// =============================================================================
// NEVER-BLOCK
// =============================================================================

var neverBlockCmd = &cobra.Command{
	Use:   "never-block",
	Short: "Manage subjects the daemon must never block",
}

var neverBlockAddCmd = &cobra.Command{
	Use:   "add <ip|cidr|iface:name|hostname>",
	Short: "Add a protected subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().NeverBlockAdd(cmd.Context(), args[0], operator())
	},
}

var neverBlockRemoveCmd = &cobra.Command{
	Use:   "remove <entry>",
	Short: "Remove a protected subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().NeverBlockRemove(cmd.Context(), args[0], operator())
	},
}

var neverBlockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List protected subjects",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := client().NeverBlockList(cmd.Context())
		if err != nil {
			return err
		}
		if asJSON {
			return emit(entries)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ENTRY\tKIND\tSOURCE")
		for _, e := range entries {
			kind := "prefix"
			switch {
			case e.Hostname != "":
				kind = "hostname"
			case e.Interface != "":
				kind = "interface"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Raw, kind, e.Source)
		}
		return tw.Flush()
	},
}

func init() {
	neverBlockCmd.AddCommand(neverBlockAddCmd)
	neverBlockCmd.AddCommand(neverBlockRemoveCmd)
	neverBlockCmd.AddCommand(neverBlockListCmd)
}

// =============================================================================
// EVENTS
// =============================================================================

var (
	eventsSince  time.Duration
	eventsFollow bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream security events from the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		since := time.Now()
		if eventsSince > 0 {
			since = since.Add(-eventsSince)
		}
		if !eventsFollow {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
		}
		err := client().StreamEvents(ctx, since, func(ev types.SecurityEvent) error {
			if asJSON {
				return emit(ev)
			}
			src := "-"
			if ev.HasSourceIP() {
				src = ev.SourceIP.String()
			}
			fmt.Printf("%s  %-14s %-18s %s %s\n",
				ev.ObservedAt.Format(time.RFC3339), ev.Kind, src, ev.SourceName, ev.Target)
			return nil
		})
		if ctx.Err() != nil {
			return nil // drained the window
		}
		return err
	},
}
