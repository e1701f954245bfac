package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/config"
	"github.com/nocloudhq/cloudbridge/internal/observability"
)

var doctorServer string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long:  "Run diagnostic checks on the system and suggest fixes for common issues.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		log := observability.CLILogger

		log.Info("=== " + config.AppName + " doctor ===")
		log.Info("")

		allChecks := true
		totalChecks := 6

		goVersion := runtime.Version()
		log.Info(fmt.Sprintf("[1/%d] Checking Go runtime... ✅ %s %s/%s", totalChecks, goVersion, runtime.GOOS, runtime.GOARCH),
			zap.String("go_version", goVersion))

		version := crucible.GetVersion()
		if version.Gofulmen != "" {
			log.Info(fmt.Sprintf("[2/%d] Checking Gofulmen access... ✅ v%s", totalChecks, version.Gofulmen),
				zap.String("gofulmen_version", version.Gofulmen),
				zap.String("crucible_version", version.Crucible))
		} else {
			log.Warn(fmt.Sprintf("[2/%d] Checking Gofulmen access... ⚠️  version unknown", totalChecks))
		}

		configPath := config.DefaultConfigPath()
		if used := viper.ConfigFileUsed(); used != "" {
			log.Info(fmt.Sprintf("[3/%d] Checking config file... ✅ %s", totalChecks, used), zap.String("config_file", used))
		} else if configPath != "" {
			log.Info(fmt.Sprintf("[3/%d] Checking config file... ✅ defaults (run '%s doctor init' to create %s)", totalChecks, config.AppName, configPath))
		} else {
			log.Warn(fmt.Sprintf("[3/%d] Checking config file... ⚠️  cannot resolve config directory", totalChecks))
			allChecks = false
		}

		cfg, cfgErr := loadConfig()
		if cfgErr != nil {
			log.Error(fmt.Sprintf("[4/%d] Validating config... ❌ %v", totalChecks, cfgErr))
			allChecks = false
		} else {
			log.Info(fmt.Sprintf("[4/%d] Validating config... ✅ rpc.timeout=%s rate_limit=%s", totalChecks,
				cfg.RPC.Timeout, describeRateLimit(cfg.RateLimit)))
		}

		if cfgErr != nil {
			log.Warn(fmt.Sprintf("[5/%d] Checking store... ⚠️  skipped (config not loaded)", totalChecks))
		} else if db, err := openStore(ctx, cfg); err != nil {
			log.Error(fmt.Sprintf("[5/%d] Checking store... ❌ %v", totalChecks, err))
			allChecks = false
		} else {
			target := cfg.Store.URL
			if target == "" {
				target, _ = filepath.Abs(cfg.Store.Path)
			}
			if err := db.CheckHealth(ctx); err != nil {
				log.Error(fmt.Sprintf("[5/%d] Checking store... ❌ %s: %v", totalChecks, target, err))
				allChecks = false
			} else {
				log.Info(fmt.Sprintf("[5/%d] Checking store... ✅ %s (%s)", totalChecks, target, db.Driver()))
			}
			_ = db.Close()
		}

		server := doctorServer
		if server == "" && cfgErr == nil {
			server = cfg.RPC.ServerURL
		}
		if server == "" {
			log.Warn(fmt.Sprintf("[6/%d] Checking server... ⚠️  skipped (no server URL)", totalChecks))
		} else if err := probeServer(ctx, server); err != nil {
			log.Warn(fmt.Sprintf("[6/%d] Checking server... ⚠️  %s unreachable: %v", totalChecks, server, err))
		} else {
			log.Info(fmt.Sprintf("[6/%d] Checking server... ✅ %s", totalChecks, server))
		}

		log.Info("")
		if allChecks {
			log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", config.AppName))
		} else {
			log.Warn("⚠️  Some checks failed. Review the output above for details.")
		}
	},
}

var doctorInitForce bool

var doctorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := config.DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("config path not resolved")
		}
		if _, err := os.Stat(configPath); err == nil && !doctorInitForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", configPath)
		}

		defaults := viper.New()
		config.SetDefaults(defaults)
		cfg, err := config.Decode(defaults.AllSettings())
		if err != nil {
			return err
		}
		text, err := renderConfigYAML(cfg)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
		if err := os.WriteFile(configPath, []byte(text), 0600); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}

		observability.CLILogger.Info("Config initialized", zap.String("path", configPath))
		return nil
	},
}

func describeRateLimit(cfg config.RateLimitConfig) string {
	if !cfg.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%d/%s by %s", cfg.MaxRequests, cfg.Window, cfg.IdentifierExtractor)
}

func probeServer(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/health/live", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func init() {
	doctorCmd.Flags().StringVar(&doctorServer, "server", "", "Server base URL to probe (default rpc.server_url)")
	doctorInitCmd.Flags().BoolVar(&doctorInitForce, "force", false, "Overwrite an existing config file")

	doctorCmd.AddCommand(doctorInitCmd)
	rootCmd.AddCommand(doctorCmd)
}
