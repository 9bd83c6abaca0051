package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/harrybui03/media-processing-service/internal/domain/entity"
	"github.com/harrybui03/media-processing-service/internal/domain/port"
	"github.com/harrybui03/media-processing-service/internal/infra/metrics"
	"github.com/harrybui03/media-processing-service/internal/infra/rabbitmq"
)

type TranscodeVideoUseCase struct {
	repo       port.JobRepository
	storage    port.MediaStorage
	transcoder port.Transcoder
	dlq        port.DLQPublisher
	logger     *zap.Logger
	cfg        TranscodeConfig
}

type TranscodeConfig struct {
	TempDir    string
	MaxRetries int
	LeaseTTL   time.Duration
	// WorkerID identifies this instance as a lease owner.
	WorkerID string
}

func NewTranscodeVideoUseCase(
	repo port.JobRepository,
	storage port.MediaStorage,
	transcoder port.Transcoder,
	dlq port.DLQPublisher,
	logger *zap.Logger,
	cfg TranscodeConfig,
) *TranscodeVideoUseCase {
	return &TranscodeVideoUseCase{
		repo:       repo,
		storage:    storage,
		transcoder: transcoder,
		dlq:        dlq,
		logger:     logger,
		cfg:        cfg,
	}
}

// Execute handles one delivery. Return contract: nil acks (success,
// permanent failure, duplicate), rabbitmq.ErrDeadLetter rejects to the
// DLQ, anything else requeues.
func (uc *TranscodeVideoUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "TranscodeVideo.Execute")
	defer span.End()

	totalTimer := time.Now()

	msg, err := parseEnvelope(rawMsg)
	if err != nil {
		uc.logger.Error("poison message", zap.Error(err), zap.ByteString("body", rawMsg))
		metrics.DeadLetteredTotal.WithLabelValues("transcode", "poison").Inc()
		if perr := uc.dlq.PublishToDLQ(ctx, rawMsg, "parse_error: "+err.Error()); perr != nil {
			// Fall back to the broker's DLX binding rather than ack and
			// drop the message.
			uc.logger.Error("dlq publish failed", zap.Error(perr))
			return fmt.Errorf("%w: %s", rabbitmq.ErrDeadLetter, err)
		}
		return nil
	}

	span.SetAttributes(
		attribute.String("job.id", msg.JobID.String()),
		attribute.String("job.object_path", msg.ObjectPath),
	)
	log := uc.logger.With(
		zap.String("job_id", msg.JobID.String()),
		zap.String("object_path", msg.ObjectPath),
	)

	job, err := uc.repo.ClaimStage(ctx, msg.JobID, port.StageTranscode, uc.cfg.WorkerID, uc.cfg.LeaseTTL)
	switch {
	case errors.Is(err, port.ErrJobNotFound):
		// The producer commits the row before publishing; a missing row
		// is a broken invariant, not a transient condition.
		log.Error("job row missing, dead-lettering")
		metrics.DeadLetteredTotal.WithLabelValues("transcode", "job_not_found").Inc()
		if perr := uc.dlq.PublishToDLQ(ctx, rawMsg, "job not found: "+msg.JobID.String()); perr != nil {
			log.Error("dlq publish failed", zap.Error(perr))
			return fmt.Errorf("%w: job not found: %s", rabbitmq.ErrDeadLetter, msg.JobID)
		}
		return nil
	case errors.Is(err, port.ErrStageTerminal):
		log.Info("transcode stage already terminal, acking duplicate",
			zap.String("status", string(job.Transcode.Status)))
		return nil
	case errors.Is(err, port.ErrStageOwned):
		log.Info("transcode stage leased by a live worker, acking duplicate",
			zap.String("owner", job.Transcode.LeaseOwner))
		return nil
	case err != nil:
		return fmt.Errorf("claim transcode stage: %w", err)
	}

	if job.Transcode.Attempts > uc.cfg.MaxRetries {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %s",
			job.Transcode.Attempts-1, job.Transcode.ErrorMessage)
		log.Warn("transcode retry budget exhausted, dead-lettering")
		_ = uc.repo.FailStage(ctx, job.ID, port.StageTranscode, uc.cfg.WorkerID, reason)
		metrics.DeadLetteredTotal.WithLabelValues("transcode", "retry_exhausted").Inc()
		metrics.JobsProcessedTotal.WithLabelValues("transcode", "failed").Inc()
		return fmt.Errorf("%w: %s", rabbitmq.ErrDeadLetter, reason)
	}

	metrics.ActiveWorkers.WithLabelValues("transcode").Inc()
	defer metrics.ActiveWorkers.WithLabelValues("transcode").Dec()

	// A hung ffmpeg or storage call must not hold the delivery unacked
	// past the lease; bound the whole run by the lease TTL so cancellation
	// reaches the child process and the HTTP clients.
	runCtx, cancelRun := context.WithTimeout(ctx, uc.cfg.LeaseTTL)
	defer cancelRun()

	if err := uc.transcodePipeline(runCtx, job, log); err != nil {
		return err
	}

	metrics.JobsProcessedTotal.WithLabelValues("transcode", "completed").Inc()
	metrics.StageDuration.WithLabelValues("transcode", "total").Observe(time.Since(totalTimer).Seconds())
	return nil
}

func (uc *TranscodeVideoUseCase) transcodePipeline(ctx context.Context, job *entity.Job, log *zap.Logger) error {
	tracer := otel.Tracer("usecase")

	workDir := filepath.Join(uc.cfg.TempDir, job.ID.String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return uc.transientFailure(ctx, job, "create workdir: "+err.Error(), log)
	}
	defer os.RemoveAll(workDir)

	dlStart := time.Now()
	ctxDl, spanDl := tracer.Start(ctx, "download_source")
	sourcePath := filepath.Join(workDir, "source"+path.Ext(job.ObjectPath))
	if err := uc.storage.Download(ctxDl, job.ObjectPath, sourcePath); err != nil {
		spanDl.End()
		log.Error("failed to download source", zap.Error(err))
		return uc.transientFailure(ctx, job, "download_source: "+err.Error(), log)
	}
	spanDl.End()
	metrics.StageDuration.WithLabelValues("transcode", "download").Observe(time.Since(dlStart).Seconds())

	txStart := time.Now()
	ctxTx, spanTx := tracer.Start(ctx, "transcode_hls")
	hlsDir := filepath.Join(workDir, "hls")
	if err := os.MkdirAll(hlsDir, 0755); err != nil {
		spanTx.End()
		return uc.transientFailure(ctx, job, "create hls dir: "+err.Error(), log)
	}
	result, err := uc.transcoder.TranscodeHLS(ctxTx, sourcePath, hlsDir)
	spanTx.End()
	if err != nil {
		if errors.Is(err, port.ErrUnprocessableMedia) {
			return uc.permanentFailure(ctx, job, "transcode: "+err.Error(), log)
		}
		log.Error("transcode failed", zap.Error(err))
		return uc.transientFailure(ctx, job, "transcode: "+err.Error(), log)
	}
	metrics.StageDuration.WithLabelValues("transcode", "transcode").Observe(time.Since(txStart).Seconds())

	upStart := time.Now()
	ctxUp, spanUp := tracer.Start(ctx, "upload_segments")
	if err := uc.uploadSegments(ctxUp, job.ObjectPath, hlsDir, result); err != nil {
		spanUp.End()
		log.Error("segment upload failed", zap.Error(err))
		return uc.transientFailure(ctx, job, "upload_segments: "+err.Error(), log)
	}
	spanUp.End()
	metrics.StageDuration.WithLabelValues("transcode", "upload").Observe(time.Since(upStart).Seconds())

	if err := uc.repo.CompleteStage(ctx, job.ID, port.StageTranscode, uc.cfg.WorkerID); err != nil {
		// Lost the lease mid-flight; let redelivery settle ownership.
		log.Warn("lost lease before completion", zap.Error(err))
		return fmt.Errorf("complete transcode stage: %w", err)
	}

	log.Info("transcode completed",
		zap.Int("media_files", len(result.MediaFiles)),
		zap.Int("renditions", result.Renditions),
		zap.Float64("duration_secs", result.Duration),
	)
	return nil
}

// uploadSegments pushes segments and variant playlists first and the
// master manifest last; the master is the visibility gate for readers.
func (uc *TranscodeVideoUseCase) uploadSegments(ctx context.Context, objectPath, hlsDir string, result *port.HLSResult) error {
	prefix := entity.SegmentsPrefix(objectPath)
	for _, name := range result.MediaFiles {
		key := prefix + name
		if err := uc.storage.UploadFile(ctx, key, filepath.Join(hlsDir, name), contentTypeFor(name)); err != nil {
			return err
		}
	}
	return uc.storage.UploadFile(ctx,
		entity.MasterPlaylistKey(objectPath),
		result.MasterPlaylist,
		"application/vnd.apple.mpegurl",
	)
}

func (uc *TranscodeVideoUseCase) transientFailure(ctx context.Context, job *entity.Job, reason string, log *zap.Logger) error {
	// The run context may already be past its deadline; the release must
	// still reach the job store.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := uc.repo.ReleaseStage(releaseCtx, job.ID, port.StageTranscode, uc.cfg.WorkerID, reason); err != nil {
		log.Warn("failed to release transcode lease", zap.Error(err))
	}
	metrics.RetryTotal.WithLabelValues("transcode").Inc()
	return fmt.Errorf("transient failure (attempt %d/%d): %s",
		job.Transcode.Attempts, uc.cfg.MaxRetries, reason)
}

func (uc *TranscodeVideoUseCase) permanentFailure(ctx context.Context, job *entity.Job, reason string, log *zap.Logger) error {
	log.Warn("permanent media failure", zap.String("reason", reason))
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := uc.repo.FailStage(failCtx, job.ID, port.StageTranscode, uc.cfg.WorkerID, reason); err != nil {
		log.Error("failed to mark job FAILED", zap.Error(err))
		return fmt.Errorf("fail transcode stage: %w", err)
	}
	metrics.JobsProcessedTotal.WithLabelValues("transcode", "failed").Inc()
	return nil
}

func parseEnvelope(rawMsg []byte) (*entity.MediaJobMessage, error) {
	var msg entity.MediaJobMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if msg.JobID == uuid.Nil {
		return nil, fmt.Errorf("envelope missing jobId")
	}
	if msg.ObjectPath == "" {
		return nil, fmt.Errorf("envelope missing objectPath")
	}
	return &msg, nil
}

func contentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".m3u8"):
		return "application/vnd.apple.mpegurl"
	case strings.HasSuffix(name, ".ts"):
		return "video/mp2t"
	default:
		return "application/octet-stream"
	}
}
