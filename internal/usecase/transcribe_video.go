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

// TranslationPolicy decides what happens when translation fails after a
// successful transcription.
type TranslationPolicy string

const (
	// TranslationKeepOriginal persists the original-language transcript.
	TranslationKeepOriginal TranslationPolicy = "keep-original"
	// TranslationFail retries the whole stage.
	TranslationFail TranslationPolicy = "fail"
)

type audioSourceKind int

const (
	audioSourceNone audioSourceKind = iota
	// audioSourceDedicated is a standalone audio artifact.
	audioSourceDedicated
	// audioSourcePlaylist is the audio track of the adaptive stream.
	audioSourcePlaylist
	// audioSourceVideo means audio must be extracted from video segments.
	audioSourceVideo
)

type audioSource struct {
	kind audioSourceKind
	key  string
}

type TranscribeVideoUseCase struct {
	repo      port.JobRepository
	storage   port.MediaStorage
	extractor port.AudioExtractor
	speech    port.SpeechToText
	dlq       port.DLQPublisher
	logger    *zap.Logger
	cfg       TranscribeConfig
}

type TranscribeConfig struct {
	TempDir           string
	MaxRetries        int
	LeaseTTL          time.Duration
	WorkerID          string
	PollInterval      time.Duration
	PollTimeout       time.Duration
	TranslationPolicy TranslationPolicy
}

func NewTranscribeVideoUseCase(
	repo port.JobRepository,
	storage port.MediaStorage,
	extractor port.AudioExtractor,
	speech port.SpeechToText,
	dlq port.DLQPublisher,
	logger *zap.Logger,
	cfg TranscribeConfig,
) *TranscribeVideoUseCase {
	return &TranscribeVideoUseCase{
		repo:      repo,
		storage:   storage,
		extractor: extractor,
		speech:    speech,
		dlq:       dlq,
		logger:    logger,
		cfg:       cfg,
	}
}

// Execute handles one delivery of the same envelope class the transcode
// worker consumes. The transcode dependency is established by polling the
// job store, not by message ordering.
func (uc *TranscribeVideoUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "TranscribeVideo.Execute")
	defer span.End()

	totalTimer := time.Now()

	msg, err := parseEnvelope(rawMsg)
	if err != nil {
		uc.logger.Error("poison message", zap.Error(err), zap.ByteString("body", rawMsg))
		metrics.DeadLetteredTotal.WithLabelValues("transcription", "poison").Inc()
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

	job, err := uc.repo.ClaimStage(ctx, msg.JobID, port.StageTranscription, uc.cfg.WorkerID, uc.cfg.LeaseTTL)
	switch {
	case errors.Is(err, port.ErrJobNotFound):
		log.Error("job row missing, dead-lettering")
		metrics.DeadLetteredTotal.WithLabelValues("transcription", "job_not_found").Inc()
		if perr := uc.dlq.PublishToDLQ(ctx, rawMsg, "job not found: "+msg.JobID.String()); perr != nil {
			log.Error("dlq publish failed", zap.Error(perr))
			return fmt.Errorf("%w: job not found: %s", rabbitmq.ErrDeadLetter, msg.JobID)
		}
		return nil
	case errors.Is(err, port.ErrStageTerminal):
		log.Info("transcription stage already terminal, acking duplicate",
			zap.String("status", string(job.Transcript.Status)))
		return nil
	case errors.Is(err, port.ErrStageOwned):
		log.Info("transcription stage leased by a live worker, acking duplicate",
			zap.String("owner", job.Transcript.LeaseOwner))
		return nil
	case err != nil:
		return fmt.Errorf("claim transcription stage: %w", err)
	}

	if job.Transcript.Attempts > uc.cfg.MaxRetries {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %s",
			job.Transcript.Attempts-1, job.Transcript.ErrorMessage)
		log.Warn("transcription retry budget exhausted, dead-lettering")
		_ = uc.repo.FailStage(ctx, job.ID, port.StageTranscription, uc.cfg.WorkerID, reason)
		metrics.DeadLetteredTotal.WithLabelValues("transcription", "retry_exhausted").Inc()
		metrics.JobsProcessedTotal.WithLabelValues("transcription", "failed").Inc()
		return fmt.Errorf("%w: %s", rabbitmq.ErrDeadLetter, reason)
	}

	metrics.ActiveWorkers.WithLabelValues("transcription").Inc()
	defer metrics.ActiveWorkers.WithLabelValues("transcription").Dec()

	if err := uc.transcribePipeline(ctx, job, msg, log); err != nil {
		return err
	}

	metrics.JobsProcessedTotal.WithLabelValues("transcription", "completed").Inc()
	metrics.StageDuration.WithLabelValues("transcription", "total").Observe(time.Since(totalTimer).Seconds())
	return nil
}

func (uc *TranscribeVideoUseCase) transcribePipeline(ctx context.Context, job *entity.Job, msg *entity.MediaJobMessage, log *zap.Logger) error {
	tracer := otel.Tracer("usecase")

	pollStart := time.Now()
	ctxPoll, spanPoll := tracer.Start(ctx, "wait_for_transcode")
	// Bound the wait so a hung poll query cannot outlive the poll window.
	pollCtx, cancelPoll := context.WithTimeout(ctxPoll, uc.cfg.PollTimeout+uc.cfg.PollInterval)
	status, err := uc.waitForTranscode(pollCtx, job.ID, log)
	cancelPoll()
	spanPoll.End()
	metrics.StageDuration.WithLabelValues("transcription", "poll").Observe(time.Since(pollStart).Seconds())
	if err != nil {
		log.Warn("transcode stage not completed in time", zap.Error(err))
		return uc.transientFailure(ctx, job, "wait_for_transcode: "+err.Error(), log)
	}
	if status == entity.StageFailed {
		return uc.permanentFailure(ctx, job, "transcode stage failed, nothing to transcribe", log)
	}

	// A hung extraction or speech call must not hold the delivery unacked
	// past the lease; bound the work after the dependency wait by the
	// lease TTL.
	runCtx, cancelRun := context.WithTimeout(ctx, uc.cfg.LeaseTTL)
	defer cancelRun()

	workDir := filepath.Join(uc.cfg.TempDir, job.ID.String()+"-transcript")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return uc.transientFailure(ctx, job, "create workdir: "+err.Error(), log)
	}
	defer os.RemoveAll(workDir)

	src, err := uc.locateAudioSource(runCtx, job.ObjectPath)
	if err != nil {
		log.Error("listing artifacts failed", zap.Error(err))
		return uc.transientFailure(ctx, job, "locate_audio: "+err.Error(), log)
	}
	if src.kind == audioSourceNone {
		return uc.permanentFailure(ctx, job, "no audio source found under "+entity.VideoDir(job.ObjectPath), log)
	}
	log.Info("audio source selected", zap.String("key", src.key))

	ctxAu, spanAu := tracer.Start(runCtx, "fetch_audio")
	audioPath, err := uc.fetchAudio(ctxAu, src, workDir)
	spanAu.End()
	if err != nil {
		if errors.Is(err, port.ErrNoAudioTrack) {
			return uc.permanentFailure(ctx, job, "fetch_audio: "+err.Error(), log)
		}
		log.Error("audio fetch failed", zap.Error(err))
		return uc.transientFailure(ctx, job, "fetch_audio: "+err.Error(), log)
	}

	stStart := time.Now()
	ctxSt, spanSt := tracer.Start(runCtx, "transcribe")
	result, err := uc.speech.Transcribe(ctxSt, audioPath, msg.Language)
	spanSt.End()
	if err != nil {
		log.Error("speech-to-text failed", zap.Error(err))
		return uc.transientFailure(ctx, job, "transcribe: "+err.Error(), log)
	}
	metrics.StageDuration.WithLabelValues("transcription", "transcribe").Observe(time.Since(stStart).Seconds())

	if strings.TrimSpace(result.Text) == "" {
		return uc.permanentFailure(ctx, job, "empty transcript for audio "+src.key, log)
	}

	text, err := uc.englishText(runCtx, result, log)
	if err != nil {
		return uc.transientFailure(ctx, job, "translate: "+err.Error(), log)
	}

	transcript := entity.Transcript{
		LessonID:  job.EntityID,
		JobID:     job.ID.String(),
		AudioPath: src.key,
		Model:     "assemblyai",
		Language:  result.Language,
		CreatedAt: time.Now().UTC(),
		Version:   1,
		Duration:  result.Duration,
		Text:      text,
	}
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	ctxUp, spanUp := tracer.Start(runCtx, "upload_transcript")
	err = uc.storage.Publish(ctxUp, entity.TranscriptKey(job.ObjectPath), data, "application/json")
	spanUp.End()
	if err != nil {
		log.Error("transcript upload failed", zap.Error(err))
		return uc.transientFailure(ctx, job, "upload_transcript: "+err.Error(), log)
	}

	if err := uc.repo.CompleteStage(ctx, job.ID, port.StageTranscription, uc.cfg.WorkerID); err != nil {
		log.Warn("lost lease before completion", zap.Error(err))
		return fmt.Errorf("complete transcription stage: %w", err)
	}

	log.Info("transcription completed",
		zap.String("language", result.Language),
		zap.Float64("duration_secs", result.Duration),
		zap.Bool("translated", text != result.Text),
	)
	return nil
}

// waitForTranscode polls the job store until the transcode stage is
// terminal, with bounded exponential backoff between polls.
func (uc *TranscribeVideoUseCase) waitForTranscode(ctx context.Context, id uuid.UUID, log *zap.Logger) (entity.StageStatus, error) {
	deadline := time.Now().Add(uc.cfg.PollTimeout)
	delay := uc.cfg.PollInterval
	polls := 0

	for {
		job, err := uc.repo.FindByID(ctx, id)
		if err != nil {
			return "", fmt.Errorf("poll job: %w", err)
		}
		metrics.JobPollsTotal.Inc()
		polls++

		if job.Transcode.Status.Terminal() {
			return job.Transcode.Status, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("transcode stage still %s after %s (%d polls)",
				job.Transcode.Status, uc.cfg.PollTimeout, polls)
		}
		if polls%12 == 0 {
			log.Info("still waiting for transcode stage",
				zap.String("status", string(job.Transcode.Status)),
				zap.Int("polls", polls),
			)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > time.Minute {
			delay = time.Minute
		}
	}
}

// locateAudioSource applies the fixed priority order: a dedicated audio
// artifact, then the adaptive stream's audio playlist, then extraction
// from the video segments.
func (uc *TranscribeVideoUseCase) locateAudioSource(ctx context.Context, objectPath string) (audioSource, error) {
	keys, err := uc.storage.ListPrefix(ctx, entity.VideoDir(objectPath)+"/")
	if err != nil {
		return audioSource{}, err
	}
	return pickAudioSource(keys, objectPath), nil
}

var dedicatedAudioExts = map[string]struct{}{
	".m4a": {}, ".mp3": {}, ".aac": {}, ".wav": {}, ".ogg": {},
}

func pickAudioSource(keys []string, objectPath string) audioSource {
	var playlist, master string
	for _, key := range keys {
		base := path.Base(key)
		if base == "audio.m3u8" && playlist == "" {
			playlist = key
			continue
		}
		if key == entity.MasterPlaylistKey(objectPath) {
			master = key
			continue
		}
		if strings.HasPrefix(base, "audio") {
			if _, ok := dedicatedAudioExts[path.Ext(base)]; ok {
				return audioSource{kind: audioSourceDedicated, key: key}
			}
		}
	}
	if playlist != "" {
		return audioSource{kind: audioSourcePlaylist, key: playlist}
	}
	if master != "" {
		return audioSource{kind: audioSourceVideo, key: master}
	}
	return audioSource{kind: audioSourceNone}
}

// fetchAudio materializes a local audio file from the selected source.
func (uc *TranscribeVideoUseCase) fetchAudio(ctx context.Context, src audioSource, workDir string) (string, error) {
	audioPath := filepath.Join(workDir, "audio.m4a")

	switch src.kind {
	case audioSourceDedicated:
		local := filepath.Join(workDir, path.Base(src.key))
		if err := uc.storage.Download(ctx, src.key, local); err != nil {
			return "", fmt.Errorf("download %s: %w", src.key, err)
		}
		return local, nil

	case audioSourcePlaylist:
		segments, err := uc.downloadPlaylistSegments(ctx, src.key, workDir)
		if err != nil {
			return "", err
		}
		if err := uc.extractor.ExtractAudio(ctx, segments, audioPath); err != nil {
			return "", err
		}
		return audioPath, nil

	case audioSourceVideo:
		variant, err := uc.firstVariant(ctx, src.key)
		if err != nil {
			return "", err
		}
		segments, err := uc.downloadPlaylistSegments(ctx, variant, workDir)
		if err != nil {
			return "", err
		}
		if err := uc.extractor.ExtractAudio(ctx, segments, audioPath); err != nil {
			return "", err
		}
		return audioPath, nil
	}
	return "", fmt.Errorf("no audio source")
}

// firstVariant resolves the master manifest to its first variant
// playlist; any rendition carries the same audio.
func (uc *TranscribeVideoUseCase) firstVariant(ctx context.Context, masterKey string) (string, error) {
	data, err := uc.storage.ReadObject(ctx, masterKey)
	if err != nil {
		return "", fmt.Errorf("read master playlist: %w", err)
	}
	entries := parsePlaylistEntries(data)
	if len(entries) == 0 {
		return "", fmt.Errorf("%w: master playlist has no variants", port.ErrNoAudioTrack)
	}
	return path.Dir(masterKey) + "/" + entries[0], nil
}

func (uc *TranscribeVideoUseCase) downloadPlaylistSegments(ctx context.Context, playlistKey, workDir string) ([]string, error) {
	data, err := uc.storage.ReadObject(ctx, playlistKey)
	if err != nil {
		return nil, fmt.Errorf("read playlist %s: %w", playlistKey, err)
	}

	entries := parsePlaylistEntries(data)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: playlist %s lists no segments", port.ErrNoAudioTrack, playlistKey)
	}

	dir := path.Dir(playlistKey)
	var local []string
	for _, name := range entries {
		dest := filepath.Join(workDir, path.Base(name))
		if err := uc.storage.Download(ctx, dir+"/"+name, dest); err != nil {
			return nil, fmt.Errorf("download segment %s: %w", name, err)
		}
		local = append(local, dest)
	}
	return local, nil
}

// parsePlaylistEntries returns the non-comment lines of an m3u8 playlist.
func parsePlaylistEntries(data []byte) []string {
	var entries []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	return entries
}

// englishText resolves the final transcript text. English sources pass
// through; non-English sources use the inline translation when present,
// otherwise a follow-up translation request governed by the configured
// failure policy.
func (uc *TranscribeVideoUseCase) englishText(ctx context.Context, result *port.SpeechResult, log *zap.Logger) (string, error) {
	if result.Language == "" || result.Language == "en" {
		return result.Text, nil
	}
	if result.TranslatedText != "" {
		return result.TranslatedText, nil
	}

	translated, err := uc.speech.TranslateToEnglish(ctx, result.TranscriptID)
	if err == nil && translated != "" {
		return translated, nil
	}
	if uc.cfg.TranslationPolicy == TranslationFail {
		if err == nil {
			err = fmt.Errorf("empty translation for transcript %s", result.TranscriptID)
		}
		return "", err
	}

	log.Warn("translation failed, keeping original language transcript",
		zap.String("language", result.Language),
		zap.Error(err),
	)
	return result.Text, nil
}

func (uc *TranscribeVideoUseCase) transientFailure(ctx context.Context, job *entity.Job, reason string, log *zap.Logger) error {
	// The run context may already be past its deadline; the release must
	// still reach the job store.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := uc.repo.ReleaseStage(releaseCtx, job.ID, port.StageTranscription, uc.cfg.WorkerID, reason); err != nil {
		log.Warn("failed to release transcription lease", zap.Error(err))
	}
	metrics.RetryTotal.WithLabelValues("transcription").Inc()
	return fmt.Errorf("transient failure (attempt %d/%d): %s",
		job.Transcript.Attempts, uc.cfg.MaxRetries, reason)
}

func (uc *TranscribeVideoUseCase) permanentFailure(ctx context.Context, job *entity.Job, reason string, log *zap.Logger) error {
	log.Warn("permanent failure", zap.String("reason", reason))
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := uc.repo.FailStage(failCtx, job.ID, port.StageTranscription, uc.cfg.WorkerID, reason); err != nil {
		log.Error("failed to mark transcription FAILED", zap.Error(err))
		return fmt.Errorf("fail transcription stage: %w", err)
	}
	metrics.JobsProcessedTotal.WithLabelValues("transcription", "failed").Inc()
	return nil
}
