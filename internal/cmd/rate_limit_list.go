package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/nocloudhq/cloudbridge/internal/output"
	"github.com/nocloudhq/cloudbridge/internal/store"
)

var (
	rateLimitListAll    bool
	rateLimitListKey    string
	rateLimitListPrefix string
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded rate limit violations",
	Long: `List the rate limit violations recorded by the handler side.

Keys are masked identity keys, as stored. Without --key or --prefix every
recorded key is listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		query := store.ViolationQuery{
			All:    rateLimitListAll,
			Key:    strings.TrimSpace(rateLimitListKey),
			Prefix: strings.TrimSpace(rateLimitListPrefix),
		}
		if !query.All && query.Key == "" && query.Prefix == "" {
			query.All = true
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		violations, err := db.ListViolations(cmd.Context(), query)
		if err != nil {
			return err
		}

		return writeRendered(cmd, format, "rate-limit.list", func(f output.Formatter) (string, error) {
			return f.FormatViolations(violations)
		})
	},
}

func init() {
	addOutputFlags(rateLimitListCmd)
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List all keys")
	rateLimitListCmd.Flags().StringVar(&rateLimitListKey, "key", "", "List a single masked key (exact match)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List keys with matching prefix")
}
