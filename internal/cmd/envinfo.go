package cmd

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/config"
	"github.com/nocloudhq/cloudbridge/internal/observability"
)

var envInfoCmd = &cobra.Command{
	Use:   "envinfo",
	Short: "Display environment information",
	Long:  "Display comprehensive environment, configuration, and version information.",
	Run: func(cmd *cobra.Command, args []string) {
		version := crucible.GetVersion()
		log := observability.CLILogger

		log.Info("=== cloudbridge Environment Information ===")
		log.Info("")

		log.Info("Application:")
		log.Info("  Name:       " + config.AppName)
		log.Info("  Version:    " + versionInfo.Version)
		log.Info("  Commit:     " + versionInfo.Commit)
		log.Info("  Built:      " + versionInfo.BuildDate)
		log.Info("")

		log.Info("SSOT:")
		log.Info("  Gofulmen:   "+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
		log.Info("  Crucible:   "+version.Crucible, zap.String("crucible_version", version.Crucible))
		log.Info("")

		log.Info("Runtime:")
		log.Info("  Go Version: "+runtime.Version(), zap.String("go_version", runtime.Version()))
		log.Info("  GOOS:       "+runtime.GOOS, zap.String("goos", runtime.GOOS))
		log.Info("  GOARCH:     "+runtime.GOARCH, zap.String("goarch", runtime.GOARCH))
		log.Info(fmt.Sprintf("  NumCPU:     %d", runtime.NumCPU()), zap.Int("num_cpu", runtime.NumCPU()))
		log.Info("")

		cfg, err := loadConfig()
		if err != nil {
			log.Warn("Config load failed", zap.Error(err))
			return
		}

		log.Info("Configuration:")
		log.Info("  Server Host:    "+cfg.Server.Host, zap.String("host", cfg.Server.Host))
		log.Info(fmt.Sprintf("  Server Port:    %d", cfg.Server.Port), zap.Int("port", cfg.Server.Port))
		log.Info("  Log Level:      "+cfg.Logging.Level, zap.String("log_level", cfg.Logging.Level))
		log.Info("  DB Driver:      "+cfg.Store.Driver, zap.String("db_driver", cfg.Store.Driver))
		if strings.TrimSpace(cfg.Store.URL) != "" {
			log.Info("  DB URL:         "+cfg.Store.URL, zap.String("db_url", cfg.Store.URL))
		} else {
			log.Info("  DB Path:        "+cfg.Store.Path, zap.String("db_path", cfg.Store.Path))
		}
		log.Info(fmt.Sprintf("  Metrics:        %t (port %d)", cfg.Metrics.Enabled, cfg.Metrics.Port))
		log.Info(fmt.Sprintf("  Admin API:      %t", cfg.Admin.Token != ""))
		log.Info("")

		log.Info("RPC:")
		log.Info("  Timeout:        " + cfg.RPC.Timeout.String())
		log.Info("  Send Timeout:   " + cfg.RPC.SendTimeout.String())
		log.Info("  Server URL:     " + cfg.RPC.ServerURL)
		log.Info("  Listen Addr:    " + cfg.RPC.ListenAddr)
		log.Info("")

		log.Info("Rate Limit:")
		log.Info(fmt.Sprintf("  Enabled:        %t", cfg.RateLimit.Enabled), zap.Bool("rate_limit_enabled", cfg.RateLimit.Enabled))
		log.Info(fmt.Sprintf("  Max Requests:   %d", cfg.RateLimit.MaxRequests))
		log.Info("  Window:         " + cfg.RateLimit.Window.String())
		log.Info("  Extractor:      " + cfg.RateLimit.IdentifierExtractor)
		log.Info("")

		log.Info("Storage:")
		log.Info(fmt.Sprintf("  Client Uploads: %t", cfg.Storage.EnableClientUploads))
		log.Info("  File Types:     " + strings.Join(cfg.Storage.AllowedFileTypes, ", "))
		log.Info(fmt.Sprintf("  Max Size:       %d MB", cfg.Storage.MaxFileSizeMB))
		log.Info("")

		log.Info("=== End Environment Information ===")
	},
}

func init() {
	rootCmd.AddCommand(envInfoCmd)
}
