package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"blast/internal/app"
	"blast/internal/awsutil"
	"blast/internal/config"
	"blast/internal/dispatch"
	"blast/internal/httpserver"
	"blast/internal/logging"
	"blast/internal/observability"
	"blast/internal/progress"
	"blast/internal/progress/amqpsink"
	sqsqueue "blast/internal/queue/sqs"
	"blast/internal/schedule"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadAPI()
	log := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.Register(prometheus.DefaultRegisterer)

	backend, err := app.OpenStore(ctx, cfg.DBConfig)
	if err != nil {
		log.Error("api store init failed", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := backend.Ping(startupCtx); err != nil {
		log.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	hub := progress.NewHub(0)

	// With a queue url the dispatcher owns the loops and progress comes back
	// over AMQP. Without one everything runs here.
	var (
		launcher dispatch.Launcher
		registry *dispatch.Registry
		sched    *schedule.Scheduler
	)
	if cfg.SQSQueueURL != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			log.Error("api sqs client init failed", "err", err)
			os.Exit(1)
		}
		launcher = &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}
		if cfg.AMQPURL != "" {
			g.Go(func() error {
				if err := amqpsink.Relay(gctx, cfg.AMQPURL, cfg.AMQPExchange, hub, log); err != nil && gctx.Err() == nil {
					log.Error("progress relay stopped", "err", err)
				}
				return nil
			})
		}
	} else {
		events := progress.Multi{hub}
		if cfg.AMQPURL != "" {
			sink, err := amqpsink.Dial(cfg.AMQPURL, cfg.AMQPExchange, log)
			if err != nil {
				log.Error("amqp connect failed", "err", err)
				os.Exit(1)
			}
			defer sink.Close()
			events = append(events, sink)
		}
		runner, closeRunner, err := app.NewRunner(cfg.DispatchConfig, backend.Store, events, log)
		if err != nil {
			log.Error("runner init failed", "err", err)
			os.Exit(1)
		}
		defer closeRunner()
		registry = dispatch.NewRegistry(backend.Store, runner, log)
		launcher = registry
	}

	sup := &dispatch.Supervisor{Store: backend.Store, Launcher: launcher, Log: log}

	if registry != nil {
		n, err := registry.Recover(ctx)
		if err != nil {
			log.Error("recover running campaigns failed", "err", err)
			os.Exit(1)
		}
		log.Info("recovered running campaigns", "count", n)

		sched, err = schedule.New(backend.Store, sup, cfg.ScheduleSpec, log)
		if err != nil {
			log.Error("scheduler init failed", "err", err)
			os.Exit(1)
		}
		sched.Start(gctx)
	}

	s := httpserver.New()
	(&httpserver.API{Control: sup, Campaigns: backend.Store}).Register(s.Mux)
	(&httpserver.Webhook{Store: backend.Store, Secret: cfg.WebhookSecret}).Register(s.Mux)
	registerOps(s.Mux, hub, backend.Ping)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	g.Go(func() error {
		log.Info("api listening", "port", cfg.Port)
		return app.Serve(gctx, srv, cfg.ShutdownTimeout)
	})
	g.Go(func() error {
		log.Info("api metrics listening", "port", cfg.MetricsPort)
		return app.Serve(gctx, metricsSrv, cfg.ShutdownTimeout)
	})

	err = g.Wait()
	log.Info("api shutdown")

	if sched != nil {
		sched.Stop()
	}
	if registry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := registry.Shutdown(shutdownCtx); err != nil {
			log.Warn("campaign loops did not stop in time", "err", err)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("api server failed", "err", err)
		os.Exit(1)
	}
}

func registerOps(m *mux.Router, hub *progress.Hub, ping func(context.Context) error) {
	m.HandleFunc("/healthz", httpserver.Healthz())
	m.HandleFunc("/readyz", httpserver.Readyz(2*time.Second, httpserver.ReadyzCheck{Name: "db", Check: ping}))
	m.HandleFunc("/v1/events", httpserver.Events(hub)).Methods(http.MethodGet)
}
