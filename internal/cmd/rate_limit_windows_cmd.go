package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/nocloudhq/cloudbridge/internal/output"
)

var rateLimitWindowsServer string

var rateLimitWindowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "List the open rate limit windows of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		server := rateLimitWindowsServer
		if server == "" {
			server = cfg.RPC.ServerURL
		}

		client, err := newAdminClient(server, cfg.Admin.Token, 10*time.Second)
		if err != nil {
			return err
		}
		resp, err := client.Windows(cmd.Context())
		if err != nil {
			return err
		}

		list := output.WindowList{Enabled: resp.Enabled, Limit: resp.Limit, Windows: resp.Windows}
		return writeRendered(cmd, format, "rate-limit.windows", func(f output.Formatter) (string, error) {
			return f.FormatWindows(list)
		})
	},
}

func init() {
	addOutputFlags(rateLimitWindowsCmd)
	rateLimitWindowsCmd.Flags().StringVar(&rateLimitWindowsServer, "server", "", "Server base URL (default rpc.server_url)")
}
