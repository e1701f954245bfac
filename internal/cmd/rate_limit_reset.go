package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/nocloudhq/cloudbridge/internal/output"
	"github.com/nocloudhq/cloudbridge/internal/server/handlers"
	"github.com/nocloudhq/cloudbridge/internal/store"
)

var (
	rateLimitResetAll         bool
	rateLimitResetKey         string
	rateLimitResetPrefix      string
	rateLimitResetYes         bool
	rateLimitResetDryRun      bool
	rateLimitResetLive        bool
	rateLimitResetServer      string
	rateLimitResetIdentifiers []string
)

type rateLimitResetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`

	// Live is set when open windows on a running server were reset too.
	Live *handlers.ResetResponse `json:"live,omitempty"`
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset recorded violations and, with --live, open windows",
	Long: `Delete recorded rate limit violations from the store.

With --live the open windows of a running server are reset as well, through
POST /admin/rate-limit/reset. Select one caller with --identifier kind=value
(repeatable) or every window with --all.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		if format == output.FormatMarkdown {
			return fmt.Errorf("unsupported output format: %s", format)
		}

		query := store.ViolationQuery{
			All:    rateLimitResetAll,
			Key:    strings.TrimSpace(rateLimitResetKey),
			Prefix: strings.TrimSpace(rateLimitResetPrefix),
		}

		var liveReq *handlers.ResetRequest
		if rateLimitResetLive {
			identifiers, err := parseIdentifiers(rateLimitResetIdentifiers)
			if err != nil {
				return err
			}
			liveReq = &handlers.ResetRequest{All: rateLimitResetAll, Identifiers: identifiers}
			if !liveReq.All && len(liveReq.Identifiers) == 0 {
				return errors.New("--live requires --all or --identifier")
			}
		}

		storeSelected := query.All || query.Key != "" || query.Prefix != ""
		if !storeSelected && liveReq == nil {
			return query.Validate()
		}
		if rateLimitResetAll && !rateLimitResetYes && !rateLimitResetDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		result := rateLimitResetResult{DryRun: rateLimitResetDryRun}
		if storeSelected {
			db, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close() // nolint:errcheck // best-effort cleanup

			result.Matched, err = db.CountViolations(cmd.Context(), query)
			if err != nil {
				return err
			}
			if !rateLimitResetDryRun {
				result.Deleted, err = db.ResetViolations(cmd.Context(), query)
				if err != nil {
					return err
				}
			}
		}

		if liveReq != nil && !rateLimitResetDryRun {
			server := rateLimitResetServer
			if server == "" {
				server = cfg.RPC.ServerURL
			}
			client, err := newAdminClient(server, cfg.Admin.Token, 10*time.Second)
			if err != nil {
				return err
			}
			live, err := client.Reset(cmd.Context(), *liveReq)
			if err != nil {
				return err
			}
			result.Live = &live
		}

		sink, err := openCommandSink(cmd, format, "rate-limit.reset")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return writeRateLimitResetResult(format, sink.writer, result)
	},
}

func writeRateLimitResetResult(format output.Format, w io.Writer, result rateLimitResetResult) error {
	if format == output.FormatJSON {
		payload, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(payload))
		return err
	}

	lines := []string{"Rate Limit Reset", ""}
	if result.DryRun {
		lines = append(lines, fmt.Sprintf("Would delete %d violation record(s)", result.Matched))
	} else {
		lines = append(lines, fmt.Sprintf("Deleted %d/%d violation record(s)", result.Deleted, result.Matched))
	}
	if result.Live != nil {
		lines = append(lines, fmt.Sprintf("Closed %d open window(s)", result.Live.Cleared))
	}

	_, err := fmt.Fprint(w, ascii.DrawBox(strings.Join(lines, "\n"), 0))
	return err
}

func init() {
	addOutputFlags(rateLimitResetCmd)
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetAll, "all", false, "Reset all keys")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetKey, "key", "", "Reset a single masked key (exact match)")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetPrefix, "prefix", "", "Reset keys with matching prefix")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show what would be deleted")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetLive, "live", false, "Also reset open windows on a running server")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetServer, "server", "", "Server base URL (default rpc.server_url)")
	rateLimitResetCmd.Flags().StringArrayVar(&rateLimitResetIdentifiers, "identifier", nil, "Caller identifier kind=value for --live (repeatable)")
}
