package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"redline/internal/config"
	"redline/internal/decision"
	"redline/internal/store"
)

// logReader is the read-only slice of the store the operator commands use.
type logReader interface {
	GetContract(ctx context.Context, contractID string) (store.Contract, error)
	ListClauses(ctx context.Context, contractID string) ([]store.Clause, error)
	GetClauseBaseline(ctx context.Context, clauseID string) (decision.Baseline, error)
	ListDecisionsByClause(ctx context.Context, clauseID string) ([]decision.Decision, error)
}

type storeOpener func(ctx context.Context, driver, url string) (logReader, func() error, error)

func openStore(ctx context.Context, driver, url string) (logReader, func() error, error) {
	dialect, err := store.ParseDialect(driver)
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(ctx, dialect, url)
	if err != nil {
		return nil, nil, err
	}
	return store.NewSQLStore(db, dialect), db.Close, nil
}

type rootOptions struct {
	driver      string
	databaseURL string
	preserve    bool
}

func newRootCmd(open storeOpener) *cobra.Command {
	opts := &rootOptions{}
	var reader logReader
	var closeFn func() error

	root := &cobra.Command{
		Use:           "redlinectl",
		Short:         "Inspect and replay clause decision logs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("driver") {
				opts.driver = cfg.DatabaseDriver
			}
			if !cmd.Flags().Changed("database-url") {
				opts.databaseURL = cfg.DatabaseURL
			}
			if !cmd.Flags().Changed("preserve-escalation") {
				opts.preserve = cfg.RevertPreservesEscalation
			}
			reader, closeFn, err = open(cmd.Context(), strings.ToLower(strings.TrimSpace(opts.driver)), opts.databaseURL)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.driver, "driver", "", "database driver: postgres or sqlite (default $DATABASE_DRIVER)")
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "database URL (default $DATABASE_URL)")
	root.PersistentFlags().BoolVar(&opts.preserve, "preserve-escalation", false, "keep escalations open across REVERT")

	readerFn := func() logReader { return reader }
	root.AddCommand(
		newHistoryCmd(readerFn),
		newReplayCmd(readerFn, opts),
		newVerifyCmd(readerFn, opts),
	)
	// The store is closed after every subcommand, failed ones included.
	for _, sub := range root.Commands() {
		run := sub.RunE
		sub.RunE = func(cmd *cobra.Command, args []string) (err error) {
			defer func() {
				if closeFn == nil {
					return
				}
				if cerr := closeFn(); err == nil {
					err = cerr
				}
				closeFn = nil
			}()
			return run(cmd, args)
		}
	}
	return root
}

func newHistoryCmd(reader func() logReader) *cobra.Command {
	return &cobra.Command{
		Use:   "history <clauseId>",
		Short: "Print the decision log of a clause, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decisions, err := reader().ListDecisionsByClause(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), decisions)
			return nil
		},
	}
}

func printHistory(out io.Writer, decisions []decision.Decision) {
	if len(decisions) == 0 {
		fmt.Fprintln(out, "no decisions")
		return
	}
	action := color.New(color.Bold)
	for _, d := range decisions {
		finding := d.FindingID
		if finding == "" {
			finding = "-"
		}
		fmt.Fprintf(out, "%4d  %s  %-18s %-10s %-8s %s\n",
			d.Seq,
			d.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			action.Sprint(d.ActionType),
			finding,
			d.ActorID,
			d.ID,
		)
	}
}

func newReplayCmd(reader func() logReader, opts *rootOptions) *cobra.Command {
	var upto int
	cmd := &cobra.Command{
		Use:   "replay <clauseId>",
		Short: "Fold a clause log and print the resulting projection as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseline, decisions, err := loadClause(cmd.Context(), reader(), args[0])
			if err != nil {
				return err
			}
			if upto < 0 {
				return errors.New("--upto must not be negative")
			}
			if upto > 0 && upto < len(decisions) {
				decisions = decisions[:upto]
			}
			projection, err := decision.Project(baseline, decisions, decision.Options{PreserveEscalationOnRevert: opts.preserve})
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(projection)
		},
	}
	cmd.Flags().IntVar(&upto, "upto", 0, "fold only the first N decisions")
	return cmd
}

func newVerifyCmd(reader func() logReader, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <contractId>",
		Short: "Check that every clause of a contract replays deterministically",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r := reader()
			if _, err := r.GetContract(ctx, args[0]); err != nil {
				return err
			}
			clauses, err := r.ListClauses(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			options := decision.Options{PreserveEscalationOnRevert: opts.preserve}
			failed := 0
			for _, clause := range clauses {
				problem := verifyClause(ctx, r, clause.ID, options)
				if problem != "" {
					failed++
					color.New(color.FgRed).Fprintf(out, "FAIL %s: %s\n", clause.ID, problem)
					continue
				}
				color.New(color.FgGreen).Fprintf(out, "ok   %s\n", clause.ID)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d clauses failed verification", failed, len(clauses))
			}
			return nil
		},
	}
}

// verifyClause replays the log twice from scratch and once incrementally and
// reports how the results differ, or "" when they agree.
func verifyClause(ctx context.Context, r logReader, clauseID string, opts decision.Options) string {
	baseline, decisions, err := loadClause(ctx, r, clauseID)
	if err != nil {
		return err.Error()
	}
	first, err := decision.Project(baseline, decisions, opts)
	if err != nil {
		return err.Error()
	}
	second, err := decision.Project(baseline, decisions, opts)
	if err != nil {
		return err.Error()
	}
	fold := decision.NewFold(baseline, opts)
	for _, d := range decisions {
		if err := fold.Apply(d); err != nil {
			return fmt.Sprintf("incremental apply %s: %v", d.ID, err)
		}
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	c, _ := json.Marshal(fold.Projection())
	switch {
	case !bytes.Equal(a, b):
		return "replays differ"
	case !bytes.Equal(a, c):
		return "incremental fold differs from replay"
	case first.Version != len(decisions):
		return fmt.Sprintf("version %d does not match %d decisions", first.Version, len(decisions))
	}
	return ""
}

func loadClause(ctx context.Context, r logReader, clauseID string) (decision.Baseline, []decision.Decision, error) {
	baseline, err := r.GetClauseBaseline(ctx, clauseID)
	if err != nil {
		return decision.Baseline{}, nil, fmt.Errorf("clause %s: %w", clauseID, err)
	}
	decisions, err := r.ListDecisionsByClause(ctx, clauseID)
	if err != nil {
		return decision.Baseline{}, nil, fmt.Errorf("clause %s decisions: %w", clauseID, err)
	}
	return baseline, decisions, nil
}
