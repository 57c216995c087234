package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-engine/internal/config"
	"github.com/example/campaign-engine/internal/delivery"
	"github.com/example/campaign-engine/internal/dispatch"
	"github.com/example/campaign-engine/internal/engine"
	"github.com/example/campaign-engine/internal/expand"
	"github.com/example/campaign-engine/internal/kafka/producer"
	kafkapublisher "github.com/example/campaign-engine/internal/kafka/publisher"
	"github.com/example/campaign-engine/internal/kafka/tracking"
	"github.com/example/campaign-engine/internal/logger"
	"github.com/example/campaign-engine/internal/schedule"
	"github.com/example/campaign-engine/internal/sender"
	"github.com/example/campaign-engine/internal/stats"
	"github.com/example/campaign-engine/internal/store/memory"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "campaign-engine").Logger()

	st := memory.New()

	templates := sender.NewStaticTemplates()
	audience := sender.NewStaticAudience()
	mailSender := sender.NewMock(log.With().Str("component", "mock-sender").Logger())

	machine := delivery.NewMachine(log.With().Str("component", "delivery").Logger(), time.Now)

	aggregator, err := stats.NewAggregator(st, log.With().Str("component", "stats").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise aggregator")
	}

	expander, err := expand.New(expand.Dependencies{
		Audience:   audience,
		Recipients: st,
		Campaigns:  st,
		Logger:     log,
		Now:        time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise expander")
	}

	var notifier *kafkapublisher.StatusPublisher
	if cfg.Kafka.Enabled() {
		kafkaLogger := log.With().Str("component", "kafka").Logger()
		prod, err := producer.New(cfg.Kafka.Brokers, kafkaLogger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka producer")
		}
		defer func() {
			if err := prod.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()

		notifier = kafkapublisher.NewStatusPublisher(prod, cfg.Kafka.StatusTopic, log.With().Str("component", "status-publisher").Logger())
		if notifier == nil {
			log.Fatal().Msg("failed to create status publisher")
		}
	}

	engineDeps := engine.Dependencies{
		Store:      st,
		Expander:   expander,
		Machine:    machine,
		Aggregator: aggregator,
		Defaults: engine.Defaults{
			BatchSize:       cfg.Defaults.BatchSize,
			SendRatePerHour: cfg.Defaults.SendRatePerHour,
			MaxRetries:      cfg.Defaults.MaxRetries,
		},
		Logger: log,
		Now:    time.Now,
	}
	if notifier != nil {
		engineDeps.Notifier = notifier
	}

	eng, err := engine.New(engineDeps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise engine")
	}

	runner, err := schedule.NewRunner(schedule.RunnerConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		ClaimLimit:   cfg.Scheduler.ClaimLimit,
		ClaimLease:   cfg.Scheduler.ClaimLease,
	}, schedule.RunnerDependencies{
		Store:   st,
		Trigger: schedule.TriggerFunc(eng.TriggerSend),
		Logger:  log,
		Now:     time.Now,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise schedule runner")
	}

	batcherDeps := dispatch.Dependencies{
		Store:     st,
		Sender:    mailSender,
		Templates: templates,
		Machine:   machine,
		Retry:     dispatch.NewRetryPolicy(cfg.Retry.Cooldown),
		Logger:    log,
		Now:       time.Now,
	}
	if notifier != nil {
		batcherDeps.Notifier = notifier
	}

	batcher, err := dispatch.NewBatcher(dispatch.Config{
		PollInterval:     cfg.Dispatch.PollInterval,
		ClaimLease:       cfg.Dispatch.ClaimLease,
		Concurrency:      cfg.Dispatch.Concurrency,
		DefaultBatchSize: cfg.Defaults.BatchSize,
		SendTimeout:      cfg.Dispatch.SendTimeout,
	}, batcherDeps)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise dispatch batcher")
	}

	errCh := make(chan error, 1)
	if cfg.Kafka.Enabled() {
		cons, err := tracking.New(cfg.Kafka.Brokers, cfg.Kafka.TrackingConsumerGroup, cfg.Kafka.TrackingTopic, eng, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create tracking consumer")
		}
		defer func() {
			if err := cons.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close tracking consumer")
			}
		}()

		go func() {
			if err := cons.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
			close(errCh)
		}()
	}

	runner.Start(ctx)
	defer runner.Stop()
	batcher.Start(ctx)
	defer batcher.Stop()

	log.Info().
		Dur("scheduler_poll", cfg.Scheduler.PollInterval).
		Dur("dispatch_poll", cfg.Dispatch.PollInterval).
		Bool("kafka", cfg.Kafka.Enabled()).
		Msg("campaign engine started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("tracking consumer terminated with error")
		}
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("campaign engine init failed")
}
