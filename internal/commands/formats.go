package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"bank-reconciliation-backend/internal/models"
)

func newFormatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "formats",
		Short: "List or add statement format configurations",
	}
	cmd.AddCommand(newFormatsListCommand(), newFormatsAddCommand())
	return cmd
}

func newFormatsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the latest version of every format configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			list, err := a.Formats.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tFAMILY\tID")
			for _, f := range list {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", f.Name, f.Version, f.Family, f.ID)
			}
			return w.Flush()
		},
	}
}

// formatFile is the YAML shape accepted by "formats add".
type formatFile struct {
	Name               string               `yaml:"name"`
	Family             models.FormatFamily  `yaml:"family"`
	Description        string               `yaml:"description"`
	Delimiter          string               `yaml:"delimiter"`
	DecimalSeparator   string               `yaml:"decimal_separator"`
	ThousandsSeparator string               `yaml:"thousands_separator"`
	DateLayout         string               `yaml:"date_layout"`
	DateOrder          string               `yaml:"date_order"`
	HasHeader          bool                 `yaml:"has_header"`
	SkipLines          int                  `yaml:"skip_lines"`
	Columns            models.ColumnMapping `yaml:"columns"`
	HeaderSignature    []string             `yaml:"header_signature"`
	Extensions         []string             `yaml:"extensions"`
	MimeTypes          []string             `yaml:"mime_types"`
	DefaultCurrency    string               `yaml:"default_currency"`
}

func (f formatFile) configuration() *models.FormatConfiguration {
	return &models.FormatConfiguration{
		Name:               f.Name,
		Family:             f.Family,
		Description:        f.Description,
		Delimiter:          f.Delimiter,
		DecimalSeparator:   f.DecimalSeparator,
		ThousandsSeparator: f.ThousandsSeparator,
		DateLayout:         f.DateLayout,
		DateOrder:          f.DateOrder,
		HasHeader:          f.HasHeader,
		SkipLines:          f.SkipLines,
		HeaderSignature:    f.HeaderSignature,
		Extensions:         f.Extensions,
		MimeTypes:          f.MimeTypes,
		DefaultCurrency:    f.DefaultCurrency,
		Columns:            datatypes.NewJSONType(f.Columns),
	}
}

func newFormatsAddCommand() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "add <file.yaml>",
		Short: "Store a format configuration as the next version of its name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading format file: %w", err)
			}
			var file formatFile
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return fmt.Errorf("parsing format file: %w", err)
			}

			a, err := load(cmd)
			if err != nil {
				return err
			}
			cfg := file.configuration()
			if err := a.Formats.Create(cmd.Context(), cfg, user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "format %s version %d stored as %s\n", cfg.Name, cfg.Version, cfg.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "cli", "author recorded on the configuration")

	return cmd
}
