package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harrybui03/media-processing-service/internal/domain/entity"
	"github.com/harrybui03/media-processing-service/internal/domain/port"
	"github.com/harrybui03/media-processing-service/internal/infra/rabbitmq"
)

func newTranscribeFixture(t *testing.T, policy TranslationPolicy) (*TranscribeVideoUseCase, *fakeRepo, *fakeStorage, *fakeExtractor, *fakeSpeech, *fakeDLQ) {
	t.Helper()
	repo := newFakeRepo()
	storage := newFakeStorage()
	extractor := &fakeExtractor{}
	speech := &fakeSpeech{result: &port.SpeechResult{
		TranscriptID: "tr-1",
		Text:         "hello class, welcome back",
		Language:     "en",
		Duration:     12.5,
	}}
	dlq := &fakeDLQ{}

	uc := NewTranscribeVideoUseCase(repo, storage, extractor, speech, dlq, zap.NewNop(), TranscribeConfig{
		TempDir:           t.TempDir(),
		MaxRetries:        3,
		LeaseTTL:          time.Minute,
		WorkerID:          "transcription-test-1",
		PollInterval:      2 * time.Millisecond,
		PollTimeout:       time.Second,
		TranslationPolicy: policy,
	})
	return uc, repo, storage, extractor, speech, dlq
}

func seedTranscodedJob(repo *fakeRepo, storage *fakeStorage) *entity.Job {
	job := entity.NewJob("lesson-42", testObjectPath)
	job.Transcode.Status = entity.StageCompleted
	repo.put(job)
	storage.objects[entity.VideoDir(testObjectPath)+"/audio.m4a"] = []byte("audio-bytes")
	return job
}

func TestTranscribeExecute_SuccessWithDedicatedAudio(t *testing.T) {
	uc, repo, storage, extractor, _, dlq := newTranscribeFixture(t, TranslationKeepOriginal)
	job := seedTranscodedJob(repo, storage)

	err := uc.Execute(context.Background(), envelope(t, job))
	require.NoError(t, err)

	stored := repo.get(job.ID)
	assert.Equal(t, entity.StageCompleted, stored.Transcript.Status)
	assert.Equal(t, entity.StageCompleted, stored.Transcode.Status, "transcode stage must be untouched")
	assert.Zero(t, extractor.calls, "dedicated audio needs no extraction")
	assert.Zero(t, dlq.count())

	data, err := storage.ReadObject(context.Background(), entity.TranscriptKey(testObjectPath))
	require.NoError(t, err)

	var transcript entity.Transcript
	require.NoError(t, json.Unmarshal(data, &transcript))
	assert.Equal(t, "lesson-42", transcript.LessonID)
	assert.Equal(t, job.ID.String(), transcript.JobID)
	assert.Equal(t, entity.VideoDir(testObjectPath)+"/audio.m4a", transcript.AudioPath)
	assert.Equal(t, "hello class, welcome back", transcript.Text)
	assert.Equal(t, "en", transcript.Language)
	assert.Equal(t, 1, transcript.Version)
	assert.InDelta(t, 12.5, transcript.Duration, 0.001)
}

func TestTranscribeExecute_WaitsForTranscodeCompletion(t *testing.T) {
	uc, repo, storage, _, _, _ := newTranscribeFixture(t, TranslationKeepOriginal)

	job := entity.NewJob("lesson-42", testObjectPath)
	job.Transcode.Status = entity.StageProcessing
	repo.put(job)
	storage.objects[entity.VideoDir(testObjectPath)+"/audio.m4a"] = []byte("audio-bytes")

	// The transcode stage completes only after a few polls.
	repo.onFind = func(find int, j *entity.Job) {
		if find >= 3 {
			j.Transcode.Status = entity.StageCompleted
		}
	}

	err := uc.Execute(context.Background(), envelope(t, job))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, repo.finds, 3, "must poll until transcode is terminal")
	assert.Equal(t, entity.StageCompleted, repo.get(job.ID).Transcript.Status)
}

func TestTranscribeExecute_PollTimeoutIsTransient(t *testing.T) {
	uc, repo, _, _, speech, _ := newTranscribeFixture(t, TranslationKeepOriginal)
	uc.cfg.PollTimeout = 10 * time.Millisecond

	job := entity.NewJob("lesson-42", testObjectPath)
	job.Transcode.Status = entity.StageProcessing
	repo.put(job)

	err := uc.Execute(context.Background(), envelope(t, job))

	require.Error(t, err)
	assert.False(t, errors.Is(err, rabbitmq.ErrDeadLetter))
	assert.Zero(t, speech.transcribes)

	stored := repo.get(job.ID)
	assert.Equal(t, entity.StageProcessing, stored.Transcript.Status)
	assert.True(t, stored.Transcript.LeaseExpired(time.Now()))
}

func TestTranscribeExecute_TranscodeFailureIsPermanent(t *testing.T) {
	uc, repo, _, _, speech, _ := newTranscribeFixture(t, TranslationKeepOriginal)

	job := entity.NewJob("lesson-42", testObjectPath)
	job.Transcode.Status = entity.StageFailed
	repo.put(job)

	err := uc.Execute(context.Background(), envelope(t, job))

	require.NoError(t, err, "permanent failures are acked")
	assert.Zero(t, speech.transcribes)

	stored := repo.get(job.ID)
	assert.Equal(t, entity.StageFailed, stored.Transcript.Status)
	assert.Contains(t, stored.Transcript.ErrorMessage, "transcode stage failed")
}

func TestTranscribeExecute_NoAudioSourceIsPermanent(t *testing.T) {
	uc, repo, storage, _, _, _ := newTranscribeFixture(t, TranslationKeepOriginal)

	job := entity.NewJob("lesson-42", testObjectPath)
	job.Transcode.Status = entity.StageCompleted
	repo.put(job)
	// Only the raw source exists; no audio artifact, no segment tree.
	storage.objects[testObjectPath] = []byte("raw-video-bytes")

	err := uc.Execute(context.Background(), envelope(t, job))

	require.NoError(t, err)
	assert.Equal(t, entity.StageFailed, repo.get(job.ID).Transcript.Status)
}

func TestTranscribeExecute_ExtractsAudioFromVideoSegments(t *testing.T) {
	uc, repo, storage, extractor, _, _ := newTranscribeFixture(t, TranslationKeepOriginal)

	job := entity.NewJob("lesson-42", testObjectPath)
	job.Transcode.Status = entity.StageCompleted
	repo.put(job)

	prefix := entity.SegmentsPrefix(testObjectPath)
	storage.objects[entity.MasterPlaylistKey(testObjectPath)] = []byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1600000\n480p.m3u8\n")
	storage.objects[prefix+"480p.m3u8"] = []byte("#EXTM3U\n#EXTINF:6.0,\n480p_000.ts\n#EXT-X-ENDLIST\n")
	storage.objects[prefix+"480p_000.ts"] = []byte("segment-bytes")

	err := uc.Execute(context.Background(), envelope(t, job))

	require.NoError(t, err)
	assert.Equal(t, 1, extractor.calls, "segment-only jobs go through audio extraction")
	assert.Equal(t, entity.StageCompleted, repo.get(job.ID).Transcript.Status)
}

func TestTranscribeExecute_EmptyTranscriptIsPermanent(t *testing.T) {
	uc, repo, storage, _, speech, _ := newTranscribeFixture(t, TranslationKeepOriginal)
	job := seedTranscodedJob(repo, storage)
	speech.result = &port.SpeechResult{TranscriptID: "tr-2", Text: "   ", Language: "en"}

	err := uc.Execute(context.Background(), envelope(t, job))

	require.NoError(t, err)
	stored := repo.get(job.ID)
	assert.Equal(t, entity.StageFailed, stored.Transcript.Status)
	assert.Contains(t, stored.Transcript.ErrorMessage, "empty transcript")
}

func TestTranscribeExecute_InlineTranslationIsUsed(t *testing.T) {
	uc, repo, storage, _, speech, _ := newTranscribeFixture(t, TranslationKeepOriginal)
	job := seedTranscodedJob(repo, storage)
	speech.result = &port.SpeechResult{
		TranscriptID:   "tr-3",
		Text:           "xin chào cả lớp",
		TranslatedText: "hello everyone",
		Language:       "vi",
	}

	err := uc.Execute(context.Background(), envelope(t, job))
	require.NoError(t, err)

	assert.Zero(t, speech.translateCalls, "inline translation skips the follow-up request")

	data, err := storage.ReadObject(context.Background(), entity.TranscriptKey(testObjectPath))
	require.NoError(t, err)
	var transcript entity.Transcript
	require.NoError(t, json.Unmarshal(data, &transcript))
	assert.Equal(t, "hello everyone", transcript.Text)
	assert.Equal(t, "vi", transcript.Language)
}

func TestTranscribeExecute_TranslationFallback(t *testing.T) {
	uc, repo, storage, _, speech, _ := newTranscribeFixture(t, TranslationKeepOriginal)
	job := seedTranscodedJob(repo, storage)
	speech.result = &port.SpeechResult{TranscriptID: "tr-4", Text: "xin chào", Language: "vi"}
	speech.translated = "hello"

	err := uc.Execute(context.Background(), envelope(t, job))
	require.NoError(t, err)

	assert.Equal(t, 1, speech.translateCalls)
	data, err := storage.ReadObject(context.Background(), entity.TranscriptKey(testObjectPath))
	require.NoError(t, err)
	var transcript entity.Transcript
	require.NoError(t, json.Unmarshal(data, &transcript))
	assert.Equal(t, "hello", transcript.Text)
}

func TestTranscribeExecute_TranslationFailureKeepsOriginal(t *testing.T) {
	uc, repo, storage, _, speech, _ := newTranscribeFixture(t, TranslationKeepOriginal)
	job := seedTranscodedJob(repo, storage)
	speech.result = &port.SpeechResult{TranscriptID: "tr-5", Text: "xin chào", Language: "vi"}
	speech.translateErr = errors.New("translation service unavailable")

	err := uc.Execute(context.Background(), envelope(t, job))
	require.NoError(t, err)

	assert.Equal(t, entity.StageCompleted, repo.get(job.ID).Transcript.Status)
	data, err := storage.ReadObject(context.Background(), entity.TranscriptKey(testObjectPath))
	require.NoError(t, err)
	var transcript entity.Transcript
	require.NoError(t, json.Unmarshal(data, &transcript))
	assert.Equal(t, "xin chào", transcript.Text, "keep-original policy persists the source language text")
}

func TestTranscribeExecute_TranslationFailurePolicyFailRetries(t *testing.T) {
	uc, repo, storage, _, speech, _ := newTranscribeFixture(t, TranslationFail)
	job := seedTranscodedJob(repo, storage)
	speech.result = &port.SpeechResult{TranscriptID: "tr-6", Text: "xin chào", Language: "vi"}
	speech.translateErr = errors.New("translation service unavailable")

	err := uc.Execute(context.Background(), envelope(t, job))

	require.Error(t, err)
	assert.False(t, errors.Is(err, rabbitmq.ErrDeadLetter))
	stored := repo.get(job.ID)
	assert.Equal(t, entity.StageProcessing, stored.Transcript.Status)
	assert.True(t, stored.Transcript.LeaseExpired(time.Now()))
}

func TestTranscribeExecute_HungSpeechCallIsCutOffAtLeaseTTL(t *testing.T) {
	uc, repo, storage, _, speech, _ := newTranscribeFixture(t, TranslationKeepOriginal)
	uc.cfg.LeaseTTL = 50 * time.Millisecond
	speech.delay = 10 * time.Second
	job := seedTranscodedJob(repo, storage)

	start := time.Now()
	err := uc.Execute(context.Background(), envelope(t, job))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.False(t, errors.Is(err, rabbitmq.ErrDeadLetter))
	assert.Less(t, elapsed, 2*time.Second, "run must be cancelled at the lease deadline, not when the call returns")

	stored := repo.get(job.ID)
	assert.Equal(t, entity.StageProcessing, stored.Transcript.Status)
	assert.True(t, stored.Transcript.LeaseExpired(time.Now()), "lease must be released for redelivery")
}

func TestTranscribeExecute_MissingJobDeadLettersWhenDLQPublishFails(t *testing.T) {
	uc, _, _, _, _, dlq := newTranscribeFixture(t, TranslationKeepOriginal)
	dlq.err = errors.New("channel closed")

	job := entity.NewJob("lesson-42", testObjectPath)
	err := uc.Execute(context.Background(), envelope(t, job))

	require.Error(t, err)
	assert.True(t, errors.Is(err, rabbitmq.ErrDeadLetter),
		"a failed DLQ publish must reject via the broker's DLX binding, never ack")
}

func TestTranscribeExecute_DuplicateOfCompletedStageIsAcked(t *testing.T) {
	uc, repo, storage, _, speech, _ := newTranscribeFixture(t, TranslationKeepOriginal)
	job := seedTranscodedJob(repo, storage)
	job.Transcript.Status = entity.StageCompleted
	repo.put(job)

	err := uc.Execute(context.Background(), envelope(t, job))

	require.NoError(t, err)
	assert.Zero(t, speech.transcribes)
}

func TestPickAudioSource_PriorityOrder(t *testing.T) {
	dir := entity.VideoDir(testObjectPath)
	master := entity.MasterPlaylistKey(testObjectPath)
	prefix := entity.SegmentsPrefix(testObjectPath)

	tests := []struct {
		name string
		keys []string
		kind audioSourceKind
		key  string
	}{
		{
			name: "dedicated audio wins over everything",
			keys: []string{master, prefix + "audio.m3u8", dir + "/audio.m4a", testObjectPath},
			kind: audioSourceDedicated,
			key:  dir + "/audio.m4a",
		},
		{
			name: "audio playlist wins over master",
			keys: []string{master, prefix + "audio.m3u8", testObjectPath},
			kind: audioSourcePlaylist,
			key:  prefix + "audio.m3u8",
		},
		{
			name: "master alone forces extraction",
			keys: []string{testObjectPath, master, prefix + "480p.m3u8"},
			kind: audioSourceVideo,
			key:  master,
		},
		{
			name: "mp3 counts as dedicated audio",
			keys: []string{dir + "/audio.mp3"},
			kind: audioSourceDedicated,
			key:  dir + "/audio.mp3",
		},
		{
			name: "source video alone yields nothing",
			keys: []string{testObjectPath},
			kind: audioSourceNone,
		},
		{
			name: "unknown audio extension is not dedicated",
			keys: []string{dir + "/audio.xyz"},
			kind: audioSourceNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := pickAudioSource(tt.keys, testObjectPath)
			assert.Equal(t, tt.kind, src.kind)
			assert.Equal(t, tt.key, src.key)
		})
	}
}

func TestParsePlaylistEntries(t *testing.T) {
	data := []byte("#EXTM3U\n#EXT-X-VERSION:3\n\n#EXTINF:6.0,\nseg_000.ts\n#EXTINF:4.2,\nseg_001.ts\n#EXT-X-ENDLIST\n")
	assert.Equal(t, []string{"seg_000.ts", "seg_001.ts"}, parsePlaylistEntries(data))
	assert.Empty(t, parsePlaylistEntries([]byte("#EXTM3U\n")))
}
