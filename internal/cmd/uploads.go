package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/nocloudhq/cloudbridge/internal/output"
)

var (
	uploadsListPlayer string
	uploadsListLimit  int
)

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Inspect the signed upload audit log",
}

var uploadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued signed upload URLs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		uploads, err := db.ListSignedUploads(cmd.Context(), strings.TrimSpace(uploadsListPlayer), uploadsListLimit)
		if err != nil {
			return err
		}

		return writeRendered(cmd, format, "uploads.list", func(f output.Formatter) (string, error) {
			return f.FormatUploads(uploads)
		})
	},
}

func init() {
	addOutputFlags(uploadsListCmd)
	uploadsListCmd.Flags().StringVar(&uploadsListPlayer, "player", "", "Only uploads for this masked player key")
	uploadsListCmd.Flags().IntVar(&uploadsListLimit, "limit", 50, "Maximum number of uploads")

	uploadsCmd.AddCommand(uploadsListCmd)
	rootCmd.AddCommand(uploadsCmd)
}
