package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/harrybui03/media-processing-service/internal/infra/assemblyai"
	"github.com/harrybui03/media-processing-service/internal/infra/config"
	"github.com/harrybui03/media-processing-service/internal/infra/ffmpeg"
	"github.com/harrybui03/media-processing-service/internal/infra/metrics"
	miniostorage "github.com/harrybui03/media-processing-service/internal/infra/minio"
	"github.com/harrybui03/media-processing-service/internal/infra/postgres"
	"github.com/harrybui03/media-processing-service/internal/infra/rabbitmq"
	"github.com/harrybui03/media-processing-service/internal/infra/tracing"
	"github.com/harrybui03/media-processing-service/internal/usecase"
	"github.com/harrybui03/media-processing-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting transcription worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint, "transcription-worker")
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		UseSSL:    cfg.MinIOUseSSL,
		Bucket:    cfg.MinIOBucket,
	})
	fatalOnErr(err, "create minio storage")

	topology := rabbitmq.Topology{
		Exchange:   cfg.RabbitMQExchange,
		Queue:      cfg.TranscriptionQueue,
		RoutingKey: cfg.RoutingKey,
		DLX:        cfg.TranscriptionDLX,
		DLQ:        cfg.TranscriptionDLQ,
	}

	rmqConn, err := rabbitmq.DialWithRetry(cfg.RabbitMQURL, cfg.RabbitMQConnectTries, log)
	fatalOnErr(err, "connect to rabbitmq for publisher")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn)
	fatalOnErr(err, "create rabbitmq publisher")
	dlqPub := rabbitmq.NewDLQPublisher(pub, topology)

	repo := postgres.NewJobRepository(pool)
	extractor := ffmpeg.NewAudioExtractor(log)
	speech := assemblyai.NewClient(assemblyai.ClientConfig{
		BaseURL:      cfg.SpeechAPIURL,
		APIKey:       cfg.SpeechAPIKey,
		PollInterval: time.Duration(cfg.SpeechPollIntervalSecs) * time.Second,
		PollTimeout:  time.Duration(cfg.SpeechPollTimeoutSecs) * time.Second,
	}, log)

	uc := usecase.NewTranscribeVideoUseCase(
		repo, storage, extractor, speech, dlqPub, log,
		usecase.TranscribeConfig{
			TempDir:           cfg.TempDir,
			MaxRetries:        cfg.MaxRetries,
			LeaseTTL:          time.Duration(cfg.LeaseTTLSeconds) * time.Second,
			WorkerID:          workerID("transcription"),
			PollInterval:      time.Duration(cfg.JobPollIntervalSeconds) * time.Second,
			PollTimeout:       time.Duration(cfg.JobPollTimeoutSeconds) * time.Second,
			TranslationPolicy: usecase.TranslationPolicy(cfg.TranslationFailurePolicy),
		},
	)

	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log,
		metrics.ReadinessProbe{Name: "postgres", Check: pool.Ping},
		metrics.ReadinessProbe{Name: "minio", Check: storage.Ping},
		metrics.ReadinessProbe{Name: "rabbitmq", Check: func(context.Context) error {
			if rmqConn.IsClosed() {
				return fmt.Errorf("connection closed")
			}
			return nil
		}},
	)

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:          cfg.RabbitMQURL,
		Topology:     topology,
		Prefetch:     cfg.RabbitMQPrefetch,
		WorkerCount:  cfg.WorkerCount,
		BaseDelayMs:  cfg.RetryBaseDelayMs,
		ConnectTries: cfg.RabbitMQConnectTries,
	}, uc.Execute, log)
	fatalOnErr(err, "create consumer")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("transcription worker started, consuming messages",
		zap.String("queue", topology.Queue))

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	consumer.Close()
	log.Info("transcription worker stopped")
}

func workerID(stage string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", stage, host, uuid.NewString()[:8])
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
