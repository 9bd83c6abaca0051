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

	log.Info("starting transcode worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if Jaeger unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint, "transcode-worker")
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	if err := postgres.RunMigrations(cfg.DatabaseURL, "migrations"); err != nil {
		log.Warn("migration warning", zap.Error(err))
	}

	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		UseSSL:    cfg.MinIOUseSSL,
		Bucket:    cfg.MinIOBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBucket(ctx), "ensure minio bucket")

	topology := rabbitmq.Topology{
		Exchange:   cfg.RabbitMQExchange,
		Queue:      cfg.TranscodeQueue,
		RoutingKey: cfg.RoutingKey,
		DLX:        cfg.TranscodeDLX,
		DLQ:        cfg.TranscodeDLQ,
	}

	rmqConn, err := rabbitmq.DialWithRetry(cfg.RabbitMQURL, cfg.RabbitMQConnectTries, log)
	fatalOnErr(err, "connect to rabbitmq for publisher")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn)
	fatalOnErr(err, "create rabbitmq publisher")
	dlqPub := rabbitmq.NewDLQPublisher(pub, topology)

	repo := postgres.NewJobRepository(pool)
	transcoder := ffmpeg.NewTranscoder(cfg.HLSSegmentSeconds, cfg.FFmpegPreset, log)

	uc := usecase.NewTranscodeVideoUseCase(
		repo, storage, transcoder, dlqPub, log,
		usecase.TranscodeConfig{
			TempDir:    cfg.TempDir,
			MaxRetries: cfg.MaxRetries,
			LeaseTTL:   time.Duration(cfg.LeaseTTLSeconds) * time.Second,
			WorkerID:   workerID("transcode"),
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

	log.Info("transcode worker started, consuming messages",
		zap.String("queue", topology.Queue))

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	consumer.Close()
	log.Info("transcode worker stopped")
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
