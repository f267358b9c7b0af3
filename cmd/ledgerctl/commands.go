package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/warp/rent-ledger/accrual"
	"github.com/warp/rent-ledger/allocation"
	"github.com/warp/rent-ledger/config"
	"github.com/warp/rent-ledger/correction"
	"github.com/warp/rent-ledger/ledger"
	"github.com/warp/rent-ledger/lock"
	"github.com/warp/rent-ledger/store/sqlite"
)

// app is opened once per invocation by the root command's PersistentPreRunE.
type app struct {
	store       *sqlite.Store
	ledger      *ledger.Ledger
	accruals    *accrual.Generator
	payments    *allocation.Engine
	corrections *correction.Service
}

type rootOptions struct {
	dbPath  string
	verbose bool
	asJSON  bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate the rent ledger",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd, opts)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.store == nil {
				return nil
			}
			return a.store.Close()
		},
	}

	cfg, err := config.Load()
	defaultDB := "./rent-ledger.db"
	if err == nil {
		defaultDB = cfg.DBPath
	}
	rootCmd.PersistentFlags().StringVar(&opts.dbPath, "db", defaultDB, "SQLite database path (DB_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at info level")
	rootCmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		newSeedAccountsCommand(a),
		newAccrueCommand(a, opts),
		newAuditCommand(a, opts),
		newCleanupCommand(a, opts),
		newOutstandingCommand(a, opts),
	)
	return rootCmd
}

func (a *app) open(cmd *cobra.Command, opts *rootOptions) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	store, err := sqlite.New(opts.dbPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", opts.dbPath, err)
	}
	locker := lock.NewKeyedMutex()
	l := ledger.New(store, ledger.NewRegistry(store), logger)

	a.store = store
	a.ledger = l
	a.accruals = accrual.NewGenerator(l, store, logger)
	a.payments = allocation.NewEngine(l, locker, logger)
	a.corrections = correction.NewService(l, locker, logger)
	return nil
}

func newSeedAccountsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed-accounts",
		Short: "Create the default chart of accounts (existing accounts are kept)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			chart := ledger.DefaultChart()
			if err := a.ledger.Accounts().Seed(cmd.Context(), chart); err != nil {
				return fmt.Errorf("seeding accounts: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chart of accounts ready (%d default accounts)\n", len(chart))
			return nil
		},
	}
}

func newAccrueCommand(a *app, opts *rootOptions) *cobra.Command {
	var through, actor string
	var concurrency int

	cmd := &cobra.Command{
		Use:   "accrue",
		Short: "Accrue rent for every active lease through a period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			period, err := ledger.ParsePeriod(through)
			if err != nil {
				return err
			}
			res, err := a.accruals.WithConcurrency(concurrency).
				CreateMonthlyAccrualsBatch(cmd.Context(), period, accrual.Options{Actor: actor})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.asJSON {
				if err := printJSON(out, res); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "created %d, skipped %d, failed %d\n", res.Created, res.Skipped, len(res.Errors))
				for _, e := range res.Errors {
					fmt.Fprintf(out, "  %s %s: %s\n", e.StudentID, e.Period, e.Error)
				}
			}
			if len(res.Errors) > 0 {
				return fmt.Errorf("%d accruals failed", len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&through, "through", "", "last period to accrue, YYYY-MM (required)")
	_ = cmd.MarkFlagRequired("through")
	cmd.Flags().StringVar(&actor, "actor", "ledgerctl", "createdBy for new entries")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "debtors processed in parallel")
	return cmd
}

func newAuditCommand(a *app, opts *rootOptions) *cobra.Command {
	var student string
	var strict bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Scan the ledger for integrity problems (read-only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.corrections.AuditLedger(cmd.Context(), ledger.Filter{StudentID: student})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.asJSON {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "scanned %d entries, %d findings\n", report.Scanned, len(report.Findings))
				for _, f := range report.Findings {
					fmt.Fprintf(out, "  [%s] %s %s\n", f.Kind, f.TransactionID, f.Detail)
				}
			}
			if strict && !report.Clean() {
				return fmt.Errorf("ledger has %d integrity findings", len(report.Findings))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&student, "student", "", "limit the scan to one student")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero when anything is found")
	return cmd
}

func newCleanupCommand(a *app, opts *rootOptions) *cobra.Command {
	var dryRun bool
	var actor string

	cmd := &cobra.Command{
		Use:   "cleanup-reversals",
		Short: "Remove duplicate reversals, keeping the earliest per student and reason",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.corrections.CleanupDuplicateReversals(cmd.Context(), correction.CleanupOptions{
				DryRun: dryRun,
				Actor:  actor,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, report)
			}
			verb := "removed"
			if report.DryRun {
				verb = "would remove"
			}
			fmt.Fprintf(out, "scanned %d reversals, %d duplicate groups\n", report.Scanned, len(report.Groups))
			for _, g := range report.Groups {
				fmt.Fprintf(out, "  %s %q: keep %s, %s %d\n", g.StudentID, g.Reason, g.Kept, verb, len(g.Removed))
			}
			for _, r := range report.Removals {
				restored := ""
				if r.OriginalRestored {
					restored = " (original restored)"
				}
				fmt.Fprintf(out, "  deleted %s reversing %s%s\n", r.ReversalID, r.OriginalID, restored)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	cmd.Flags().StringVar(&actor, "actor", "ledgerctl", "recorded in the cleanup log")
	return cmd
}

func newOutstandingCommand(a *app, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outstanding <studentId>",
		Short: "List a student's open obligations, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.payments.QueryStatement(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, st)
			}
			if len(st.Periods) == 0 {
				fmt.Fprintf(out, "%s owes nothing\n", args[0])
			} else {
				fmt.Fprintf(out, "%-8s %10s %10s %10s %10s\n", "PERIOD", "RENT", "ADMIN", "DEPOSIT", "TOTAL")
				for _, v := range st.Periods {
					fmt.Fprintf(out, "%-8s %10s %10s %10s %10s\n", v.Period,
						v.RentOutstanding.StringFixed(2), v.AdminOutstanding.StringFixed(2),
						v.DepositOutstanding.StringFixed(2), v.TotalOutstanding.StringFixed(2))
				}
			}
			if st.UnappliedCredit.IsPositive() {
				fmt.Fprintf(out, "unapplied credit %s\n", st.UnappliedCredit.StringFixed(2))
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
