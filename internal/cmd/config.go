package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nocloudhq/cloudbridge/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		text, err := renderConfigYAML(cfg)
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), text)
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file in use and the default locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		used := viper.ConfigFileUsed()
		if used == "" {
			used = "(none)"
		}
		_, _ = fmt.Fprintf(out, "in use:  %s\n", used)
		_, _ = fmt.Fprintf(out, "default: %s\n", config.DefaultConfigPath())
		_, err := fmt.Fprintf(out, "store:   %s\n", config.DefaultStorePath())
		return err
	},
}

var configEnvCmd = &cobra.Command{
	Use:   "env",
	Short: "List the environment variable overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, spec := range config.EnvSpecs() {
			if _, err := fmt.Fprintf(out, "%-32s %s\n", spec.Name, strings.Join(spec.Path, ".")); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(out, "\nAny key can also be set as %s<SECTION>_<KEY>, e.g. %sRATE_LIMIT_MAX_REQUESTS.\n",
			config.EnvPrefix, config.EnvPrefix)
		return err
	},
}

func renderConfigYAML(cfg *config.Config) (string, error) {
	payload, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(payload), nil
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configEnvCmd)
	rootCmd.AddCommand(configCmd)
}
