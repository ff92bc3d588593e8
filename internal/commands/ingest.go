package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bank-reconciliation-backend/internal/services/ingestion"
)

func newIngestCommand() *cobra.Command {
	var (
		companyID string
		accountID string
		format    string
		user      string
	)

	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Upload a statement file and queue it for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			company, err := uuid.Parse(companyID)
			if err != nil {
				return fmt.Errorf("invalid --company: %w", err)
			}
			account, err := uuid.Parse(accountID)
			if err != nil {
				return fmt.Errorf("invalid --account: %w", err)
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading statement: %w", err)
			}

			a, err := load(cmd)
			if err != nil {
				return err
			}
			res, err := a.Ingestion.IngestStatement(cmd.Context(), ingestion.UploadRequest{
				CompanyID:  company,
				AccountID:  account,
				Filename:   filepath.Base(args[0]),
				MimeType:   mimetype.Detect(content).String(),
				Content:    content,
				UploadedBy: user,
				Format:     format,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "statement %s queued as job %s\n", res.Statement.ID, res.Job.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&companyID, "company", "", "company id (required)")
	cmd.Flags().StringVar(&accountID, "account", "", "bank account id (required)")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("account")
	cmd.Flags().StringVar(&format, "format", "", "format configuration name or id, skips detection")
	cmd.Flags().StringVar(&user, "user", "cli", "uploader id recorded on the statement")

	return cmd
}
