package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kilianp07/serverqueue/config"
)

const redacted = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration related commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	RunE:  runConfigShow,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out, err := renderConfig(*cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func renderConfig(cfg config.Config) ([]byte, error) {
	if cfg.MQTT.Password != "" {
		cfg.MQTT.Password = redacted
	}
	if cfg.API.Token != "" {
		cfg.API.Token = redacted
	}
	if cfg.Sentry.DSN != "" {
		cfg.Sentry.DSN = redacted
	}
	return yaml.Marshal(cfg)
}
