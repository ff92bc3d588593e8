package commands

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bank-reconciliation-backend/internal/services/reconciliation"
)

func newReportCommand() *cobra.Command {
	var (
		companyID   string
		from        string
		to          string
		granularity string
		format      string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the reconciliation report for one company",
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
			g, err := reconciliation.ParseGranularity(granularity)
			if err != nil {
				return err
			}
			f, err := reconciliation.ParseFormat(format)
			if err != nil {
				return err
			}

			a, err := load(cmd)
			if err != nil {
				return err
			}
			rep, err := a.Reporter.Generate(cmd.Context(), reconciliation.ReportRequest{
				CompanyID: company, From: start, To: end, Granularity: g,
			})
			if err != nil {
				return err
			}
			return reconciliation.Render(cmd.OutOrStdout(), rep, f)
		},
	}

	cmd.Flags().StringVar(&companyID, "company", "", "company id (required)")
	_ = cmd.MarkFlagRequired("company")
	cmd.Flags().StringVar(&from, "from", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last date, YYYY-MM-DD")
	cmd.Flags().StringVar(&granularity, "granularity", "month", "day, week or month")
	cmd.Flags().StringVar(&format, "format", "csv", "json, csv or xlsx")

	return cmd
}
