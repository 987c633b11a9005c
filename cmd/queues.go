package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kilianp07/serverqueue/config"
	"github.com/kilianp07/serverqueue/core/dispatch"
	"github.com/kilianp07/serverqueue/core/registry"
	"github.com/kilianp07/serverqueue/infra/telemetry"
)

var listenFor time.Duration

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "List destinations and their last reported status",
	RunE:  runQueues,
}

func init() {
	queuesCmd.Flags().DurationVar(&listenFor, "listen", 2*time.Second, "how long to collect status reports in mqtt mode")
	rootCmd.AddCommand(queuesCmd)
}

func runQueues(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Registry.Mode != "mqtt" {
		reg := registry.NewStatic(cfg.Registry.Slots, cfg.Registry.Destinations...)
		return printDestinations(cmd.Context(), cmd.OutOrStdout(), reg)
	}

	mqttCfg := cfg.MQTT
	suffix := time.Now().UnixNano()
	if mqttCfg.ClientID != "" {
		mqttCfg.ClientID = fmt.Sprintf("%s-%d", mqttCfg.ClientID, suffix)
	} else {
		mqttCfg.ClientID = fmt.Sprintf("queues-ls-%d", suffix)
	}
	reg, err := telemetry.NewStatusRegistry(mqttCfg, cfg.Registry, prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("status registry: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), listenFor)
	defer cancel()
	reg.Start(ctx)
	return printDestinations(context.Background(), cmd.OutOrStdout(), reg)
}

func printDestinations(ctx context.Context, out io.Writer, reg dispatch.Registry) error {
	dests, err := reg.Destinations(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DESTINATION\tSTATUS\tFREE SLOTS")
	for _, d := range dests {
		snap, err := reg.Snapshot(ctx, d)
		if err != nil {
			fmt.Fprintf(w, "%s\t%v\t-\n", d, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\n", d, snap.Status, snap.FreeSlots)
	}
	return w.Flush()
}
