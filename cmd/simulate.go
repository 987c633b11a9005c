package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"github.com/kilianp07/serverqueue/config"
	"github.com/kilianp07/serverqueue/core/registry"
	"github.com/kilianp07/serverqueue/infra/logger"
	"github.com/kilianp07/serverqueue/infra/mqtt"
	"github.com/kilianp07/serverqueue/simulator"
)

var simFlags struct {
	broker     string
	servers    []string
	slots      int
	ackLatency time.Duration
	dropRate   float64
	rejectRate float64
	interval   time.Duration
	seed       int64
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run simulated backend servers that answer transfer orders over MQTT",
	RunE:  runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simFlags.broker, "broker", "", "MQTT broker URL, overrides the configuration")
	f.StringSliceVar(&simFlags.servers, "servers", nil, "server names, defaults to the configured destinations")
	f.IntVar(&simFlags.slots, "slots", 10, "capacity of each server")
	f.DurationVar(&simFlags.ackLatency, "ack-latency", 50*time.Millisecond, "delay before acknowledging an order")
	f.Float64Var(&simFlags.dropRate, "drop-rate", 0, "probability of never acknowledging an order")
	f.Float64Var(&simFlags.rejectRate, "reject-rate", 0, "probability of refusing a transfer")
	f.DurationVar(&simFlags.interval, "status-interval", time.Second, "period of status reports")
	f.Int64Var(&simFlags.seed, "seed", 0, "random seed, 0 picks one")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	mqttCfg := cfg.MQTT
	if simFlags.broker != "" {
		mqttCfg.Broker = simFlags.broker
	}
	mqttCfg.SetDefaults()
	mqttCfg.ClientID = fmt.Sprintf("simulator-%d", time.Now().UnixNano())
	if err := mqttCfg.Validate(); err != nil {
		return err
	}
	servers := simFlags.servers
	if len(servers) == 0 {
		servers = cfg.Registry.Destinations
	}
	if len(servers) == 0 {
		return fmt.Errorf("no servers to simulate")
	}

	opts, err := mqtt.NewClientOptions(mqttCfg)
	if err != nil {
		return err
	}
	cli := paho.NewClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect %s: %w", mqttCfg.Broker, token.Error())
	}
	defer cli.Disconnect(250)

	seed := simFlags.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	reg := registry.NewStatic(0)
	fleet := simulator.NewFleet(simulator.Config{
		Servers:    servers,
		Capacity:   simFlags.slots,
		RejectRate: simFlags.rejectRate,
		Seed:       seed,
	}, reg, nil)
	log := logger.NewZerologLoggerTo(os.Stdout, "simulate", os.Getenv("LOG_LEVEL")).With("seed", seed)
	strat := simulator.NewRandomAck(simFlags.ackLatency, simFlags.dropRate, seed, log)
	backend := simulator.NewBackend(simulator.BackendConfig{
		OrderPrefix:    mqttCfg.OrderPrefix,
		AckTopic:       mqttCfg.AckTopic,
		StatusPrefix:   cfg.Registry.StatusPrefix,
		StatusInterval: simFlags.interval,
	}, cli, fleet, reg, strat)
	log.Infof("simulating %d servers with %d slots on %s", len(servers), simFlags.slots, mqttCfg.Broker)
	return backend.Run(ctx)
}
