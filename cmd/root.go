package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/serverqueue/app"
	"github.com/kilianp07/serverqueue/config"
	"github.com/kilianp07/serverqueue/infra/logger"
)

var (
	cfgPath      string
	drainTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "serverqueue",
	Short: "Queue and dispatch clients waiting for busy servers",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
	rootCmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 10*time.Second, "time allowed for in-flight dispatches on shutdown")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	log := logger.New("main")
	log.Infof("serving %d destination(s) in %s registry mode", len(cfg.Registry.Destinations), cfg.Registry.Mode)
	runErr := svc.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := svc.Close(closeCtx); err != nil {
		log.Errorf("drain: %v", err)
	}
	return runErr
}
