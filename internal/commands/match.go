package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bank-reconciliation-backend/internal/services/matching"
)

func newMatchCommand() *cobra.Command {
	var (
		companyID string
		from      string
		to        string
		strategy  string
	)

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Run the matching engine for one company",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			company, err := uuid.Parse(companyID)
			if err != nil {
				return fmt.Errorf("invalid --company: %w", err)
			}
			start, err := flagDay(from)
			if err != nil {
				return err
			}
			end, err := flagDay(to)
			if err != nil {
				return err
			}

			a, err := load(cmd)
			if err != nil {
				return err
			}
			res, err := a.Engine.Run(cmd.Context(), matching.RunRequest{
				CompanyID: company, From: start, To: end, Strategy: strategy,
			})
			if err != nil {
				return err
			}
			run := res.Run
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s %s\n", run.ID, run.Status)
			fmt.Fprintf(out, "  transactions %d, expenses %d, candidates %d\n", run.TransactionCount, run.ExpenseCount, run.CandidateCount)
			fmt.Fprintf(out, "  auto-approved %d, pending %d, superseded %d, skipped %d\n",
				run.AutoApprovedCount, run.PendingCount, run.SupersededCount, run.SkippedCount)
			for name, reason := range run.FailedStrategies.Data() {
				fmt.Fprintf(out, "  strategy %s failed: %s\n", name, reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&companyID, "company", "", "company id (required)")
	_ = cmd.MarkFlagRequired("company")
	cmd.Flags().StringVar(&from, "from", "", "first transaction date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last transaction date, YYYY-MM-DD")
	cmd.Flags().StringVar(&strategy, "strategy", "all", "exact, fuzzy, pattern, ml-assisted or all")

	return cmd
}

func flagDay(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("date %q must be YYYY-MM-DD", raw)
	}
	return &t, nil
}
