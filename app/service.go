package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apidispatch "github.com/kilianp07/serverqueue/api/dispatch"
	apiqueues "github.com/kilianp07/serverqueue/api/queues"
	"github.com/kilianp07/serverqueue/app/plugins"
	"github.com/kilianp07/serverqueue/config"
	"github.com/kilianp07/serverqueue/core/audit"
	"github.com/kilianp07/serverqueue/core/dispatch"
	"github.com/kilianp07/serverqueue/core/events"
	coremetrics "github.com/kilianp07/serverqueue/core/metrics"
	"github.com/kilianp07/serverqueue/core/model"
	coremon "github.com/kilianp07/serverqueue/core/monitoring"
	"github.com/kilianp07/serverqueue/core/priority"
	"github.com/kilianp07/serverqueue/core/queue"
	"github.com/kilianp07/serverqueue/core/registry"
	"github.com/kilianp07/serverqueue/infra/logger"
	"github.com/kilianp07/serverqueue/infra/metrics"
	"github.com/kilianp07/serverqueue/infra/monitoring"
	"github.com/kilianp07/serverqueue/infra/mqtt"
	"github.com/kilianp07/serverqueue/infra/telemetry"
	"github.com/kilianp07/serverqueue/internal/eventbus"
	"github.com/kilianp07/serverqueue/simulator"
)

// Service wires the queue manager, the scheduler and their adapters.
type Service struct {
	Bus       *events.Bus
	Manager   *queue.Manager
	Scheduler *dispatch.Scheduler
	Registry  dispatch.Registry
	Audit     audit.Store
	Monitor   coremon.Monitor
	// Fleet is set when transfers are simulated in process.
	Fleet *simulator.Fleet

	cfg    *config.Config
	log    logger.Logger
	sink   coremetrics.MetricsSink
	status *telemetry.StatusRegistry
	mqtt   *mqtt.PahoClient
	wg     sync.WaitGroup
}

// New creates a Service from the configuration. Everything acquired before
// a failure is released.
func New(cfg *config.Config) (*Service, error) {
	policy, err := priority.NewPolicy(cfg.Priority)
	if err != nil {
		return nil, fmt.Errorf("priority policy: %w", err)
	}
	routes, err := cfg.Routes()
	if err != nil {
		return nil, err
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	s := &Service{
		Bus:     eventbus.New[events.Kind, events.Event](logger.New("eventbus")),
		Monitor: mon,
		cfg:     cfg,
		log:     logger.New("service"),
	}
	if err := s.build(policy, routes); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(policy priority.Policy, routes queue.Routes) error {
	cfg := s.cfg
	store, err := plugins.NewAuditStore(cfg.Audit)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	s.Audit = store
	sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return fmt.Errorf("metrics sink: %w", err)
	}
	s.sink = sink

	disp, err := s.buildAdapters(policy)
	if err != nil {
		return err
	}
	if groups := cfg.Registry.GroupList(); len(groups) > 0 {
		grouped, err := registry.NewGrouped(s.Registry, groups...)
		if err != nil {
			return fmt.Errorf("destination groups: %w", err)
		}
		s.Registry = grouped
		disp = dispatch.NewGroupDispatcher(disp, grouped, logger.New("group_dispatcher"))
	}

	s.Manager = queue.NewManager(s.Registry, policy, s.Bus, logger.New("queue"), queue.Options{
		AllowJoinPaused: cfg.Queue.AllowJoinPaused,
		MaxRetries:      cfg.Queue.MaxRetries,
		Routes:          routes,
	})
	s.Scheduler, err = dispatch.NewScheduler(cfg.Queue, s.Manager, s.Registry, disp, s.Bus, logger.New("scheduler"))
	if err != nil {
		return err
	}
	audit.NewRecorder(store, logger.New("audit")).Attach(s.Bus)
	reporter := coremon.NewReporter(s.Monitor, logger.New("monitoring"))
	reporter.Attach(s.Bus)
	s.Bus.OnError(reporter.HandlerError)
	return nil
}

// buildAdapters picks the registry and the dispatcher. A broker means real
// backends over MQTT; without one, transfers run against a simulated fleet.
func (s *Service) buildAdapters(policy priority.Policy) (dispatch.Dispatcher, error) {
	cfg := s.cfg
	if cfg.Registry.Mode == "mqtt" {
		st, err := telemetry.NewStatusRegistry(cfg.MQTT, cfg.Registry, prometheus.DefaultRegisterer)
		if err != nil {
			return nil, fmt.Errorf("status registry: %w", err)
		}
		s.status = st
		s.Registry = st
	}
	if cfg.MQTT.Broker != "" {
		cli, err := mqtt.NewPahoClient(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		s.mqtt = cli
		if s.Registry == nil {
			s.Registry = registry.NewStatic(cfg.Registry.Slots, cfg.Registry.Destinations...)
		}
		return mqtt.NewDispatcher(cli, cfg.MQTT.EvictPolicy, logger.New("mqtt_dispatcher")), nil
	}

	static := registry.NewStatic(0)
	var weights priority.PrivilegeSource
	if w, ok := policy.(*priority.Weighted); ok {
		weights = w.Source
	}
	s.Fleet = simulator.NewFleet(simulator.Config{
		Servers:  cfg.Registry.Destinations,
		Capacity: cfg.Registry.Slots,
	}, static, weights)
	s.Registry = static
	s.log.Warnf("no MQTT broker configured, transfers are simulated in process")
	return s.Fleet, nil
}

// OnConnect records a client arriving on server and joins the queues routed
// from it. With a simulated fleet the client is placed on server first.
func (s *Service) OnConnect(ctx context.Context, c model.Client, server string) ([]string, error) {
	if s.Fleet != nil {
		if err := s.Fleet.Connect(c.ID, server); err != nil {
			return nil, fmt.Errorf("connect %s to %s: %w", c.ID, server, err)
		}
	}
	return s.Manager.OnConnect(ctx, c, server)
}

// Handler returns the HTTP API: queue administration and audit logs.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/dispatch/logs", apidispatch.NewLogHandler(s.Audit, s.cfg.API.Token))
	q := apiqueues.NewHandlerWithConnector(s.Manager, s.Scheduler, s, s.cfg.API.Token)
	mux.Handle("/api/queues", q)
	mux.Handle("/api/queues/", q)
	mux.Handle("/api/clients/", q)
	return mux
}

// Run starts the scheduler and the optional servers and blocks until ctx
// is canceled.
func (s *Service) Run(ctx context.Context) error {
	defer s.Monitor.Recover()
	if s.status != nil {
		s.goRun(func() { s.status.Start(ctx) })
	}
	collected := metrics.StartEventCollector(ctx, s.Bus, s.sink, s.cfg.Metrics.Buffer)
	if port := s.cfg.Metrics.PrometheusPort; port != "" {
		s.goRun(func() {
			if err := metrics.StartPromServer(ctx, port); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		})
	}
	if s.cfg.API.Enabled() {
		s.goRun(func() {
			if err := metrics.Serve(ctx, s.cfg.API.Address, s.Handler()); err != nil {
				s.log.Errorf("api server: %v", err)
			}
		})
	}
	s.log.Infof("serving %d destinations", len(s.cfg.Registry.Destinations))
	s.Scheduler.Run(ctx)
	<-collected
	s.wg.Wait()
	return nil
}

func (s *Service) goRun(f func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

// Close waits for in-flight dispatches until ctx expires, then releases
// every resource held by the service.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if err := s.Scheduler.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := s.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release closes what New acquired. Fields still nil are skipped.
func (s *Service) release() error {
	s.Bus.Close()
	var err error
	if s.Audit != nil {
		if cerr := s.Audit.Close(); cerr != nil {
			err = fmt.Errorf("audit: %w", cerr)
		}
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		c.Close()
	}
	if s.status != nil {
		s.status.Close()
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	s.Monitor.Flush(2 * time.Second)
	return err
}
