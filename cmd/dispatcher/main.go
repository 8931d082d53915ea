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

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"blast/internal/app"
	"blast/internal/awsutil"
	"blast/internal/config"
	"blast/internal/dispatch"
	"blast/internal/domain"
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
	cfg := config.LoadDispatcher()
	log := logging.Init("dispatcher", cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.Register(prometheus.DefaultRegisterer)

	backend, err := app.OpenStore(ctx, cfg.DBConfig)
	if err != nil {
		log.Error("dispatcher store init failed", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		log.Error("dispatcher sqs client init failed", "err", err)
		os.Exit(1)
	}
	queueReady := func(c context.Context) error {
		_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
			QueueUrl:       &cfg.SQSQueueURL,
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
		})
		return err
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := backend.Ping(startupCtx); err != nil {
		log.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if err := queueReady(startupCtx); err != nil {
		log.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	hub := progress.NewHub(0)
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

	registry := dispatch.NewRegistry(backend.Store, runner, log)
	sup := &dispatch.Supervisor{Store: backend.Store, Launcher: registry, Log: log}

	n, err := registry.Recover(ctx)
	if err != nil {
		log.Error("recover running campaigns failed", "err", err)
		os.Exit(1)
	}
	log.Info("recovered running campaigns", "count", n)

	sched, err := schedule.New(backend.Store, sup, cfg.ScheduleSpec, log)
	if err != nil {
		log.Error("scheduler init failed", "err", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	sched.Start(gctx)

	consumer := &sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.SQSQueueURL,
		Log:               log,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}
	g.Go(func() error {
		log.Info("dispatcher starting poll", "queue_url", cfg.SQSQueueURL)
		return consumer.PollConcurrent(gctx, cfg.WorkerConcurrency, func(ctx context.Context, cmd sqsqueue.ControlCommand) error {
			switch cmd.Action {
			case sqsqueue.ActionLaunch:
				err := registry.Launch(ctx, cmd.CampaignID)
				if errors.Is(err, domain.ErrNotFound) {
					log.Info("launch for deleted campaign ignored", "campaign_id", cmd.CampaignID)
					return nil
				}
				return err
			default:
				log.Warn("unknown control action", "action", cmd.Action, "campaign_id", cmd.CampaignID)
				return nil
			}
		})
	})

	// health, readiness and the local progress stream
	s := httpserver.New()
	s.Mux.HandleFunc("/healthz", httpserver.Healthz())
	s.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		httpserver.ReadyzCheck{Name: "db", Check: backend.Ping},
		httpserver.ReadyzCheck{Name: "queue", Check: queueReady},
	))
	s.Mux.HandleFunc("/v1/events", httpserver.Events(hub)).Methods(http.MethodGet)

	opsSrv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	g.Go(func() error {
		log.Info("dispatcher health listening", "port", cfg.Port)
		return app.Serve(gctx, opsSrv, cfg.ShutdownTimeout)
	})
	g.Go(func() error {
		log.Info("dispatcher metrics listening", "port", cfg.MetricsPort)
		return app.Serve(gctx, metricsSrv, cfg.ShutdownTimeout)
	})

	err = g.Wait()
	log.Info("dispatcher shutdown")

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := registry.Shutdown(shutdownCtx); serr != nil {
		log.Warn("campaign loops did not stop in time", "err", serr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("dispatcher failed", "err", err)
		os.Exit(1)
	}
}
