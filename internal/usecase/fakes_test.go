package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrybui03/media-processing-service/internal/domain/entity"
	"github.com/harrybui03/media-processing-service/internal/domain/port"
)

// fakeRepo mirrors the conditional-transition semantics of the Postgres
// repository in memory.
type fakeRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*entity.Job

	// onFind runs before every FindByID, used to flip state mid-poll.
	onFind func(find int, job *entity.Job)
	finds  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[uuid.UUID]*entity.Job{}}
}

func (r *fakeRepo) put(job *entity.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
}

func (r *fakeRepo) get(id uuid.UUID) *entity.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

func (r *fakeRepo) stage(job *entity.Job, name port.StageName) *entity.Stage {
	if name == port.StageTranscription {
		return &job.Transcript
	}
	return &job.Transcode
}

func (r *fakeRepo) Create(_ context.Context, job *entity.Job) error {
	r.put(job)
	return nil
}

func (r *fakeRepo) FindByID(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if ok && r.onFind != nil {
		r.finds++
		r.onFind(r.finds, job)
	}
	r.mu.Unlock()
	if !ok {
		return nil, port.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *fakeRepo) ClaimStage(_ context.Context, id uuid.UUID, stage port.StageName, owner string, leaseTTL time.Duration) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, port.ErrJobNotFound
	}
	st := r.stage(job, stage)

	if st.Status.Terminal() {
		copied := *job
		return &copied, port.ErrStageTerminal
	}
	if st.Status == entity.StageProcessing && st.LeaseOwner != owner && !st.LeaseExpired(time.Now()) {
		copied := *job
		return &copied, port.ErrStageOwned
	}

	st.Status = entity.StageProcessing
	st.Attempts++
	st.LeaseOwner = owner
	expiry := time.Now().Add(leaseTTL)
	st.LeaseExpiresAt = &expiry
	copied := *job
	return &copied, nil
}

func (r *fakeRepo) CompleteStage(_ context.Context, id uuid.UUID, stage port.StageName, owner string) error {
	return r.finish(id, stage, owner, entity.StageCompleted, "")
}

func (r *fakeRepo) FailStage(_ context.Context, id uuid.UUID, stage port.StageName, owner, reason string) error {
	return r.finish(id, stage, owner, entity.StageFailed, reason)
}

func (r *fakeRepo) ReleaseStage(_ context.Context, id uuid.UUID, stage port.StageName, owner, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return port.ErrJobNotFound
	}
	st := r.stage(job, stage)
	if st.Status != entity.StageProcessing || st.LeaseOwner != owner {
		return port.ErrStageOwned
	}
	st.ErrorMessage = reason
	now := time.Now()
	st.LeaseExpiresAt = &now
	return nil
}

func (r *fakeRepo) finish(id uuid.UUID, stage port.StageName, owner string, status entity.StageStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return port.ErrJobNotFound
	}
	st := r.stage(job, stage)
	if st.Status != entity.StageProcessing || st.LeaseOwner != owner {
		return port.ErrStageOwned
	}
	st.Status = status
	st.ErrorMessage = reason
	return nil
}

// fakeStorage keeps objects in memory and records upload order.
type fakeStorage struct {
	mu          sync.Mutex
	objects     map[string][]byte
	uploadOrder []string
	downloadErr error
	publishErr  error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (s *fakeStorage) Download(_ context.Context, objectKey, destPath string) error {
	if s.downloadErr != nil {
		return s.downloadErr
	}
	s.mu.Lock()
	data, ok := s.objects[objectKey]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("object %s not found", objectKey)
	}
	return os.WriteFile(destPath, data, 0644)
}

func (s *fakeStorage) UploadFile(_ context.Context, objectKey, filePath, _ string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey] = data
	s.uploadOrder = append(s.uploadOrder, objectKey)
	return nil
}

func (s *fakeStorage) ReadObject(_ context.Context, objectKey string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectKey)
	}
	return data, nil
}

func (s *fakeStorage) ListPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *fakeStorage) Exists(_ context.Context, objectKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[objectKey]
	return ok, nil
}

func (s *fakeStorage) Publish(_ context.Context, objectKey string, data []byte, _ string) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey] = data
	s.uploadOrder = append(s.uploadOrder, objectKey)
	return nil
}

// fakeTranscoder writes a small HLS tree to the output directory. A
// non-zero delay simulates a long-running ffmpeg child that honors
// context cancellation.
type fakeTranscoder struct {
	err   error
	delay time.Duration
	calls int
}

func (t *fakeTranscoder) TranscodeHLS(ctx context.Context, _, outputDir string) (*port.HLSResult, error) {
	t.calls++
	if t.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.delay):
		}
	}
	if t.err != nil {
		return nil, t.err
	}

	files := map[string]string{
		"480p.m3u8":   "#EXTM3U\n#EXTINF:6.0,\n480p_000.ts\n#EXT-X-ENDLIST\n",
		"480p_000.ts": "segment-bytes",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(outputDir, name), []byte(content), 0644); err != nil {
			return nil, err
		}
	}
	master := filepath.Join(outputDir, "master.m3u8")
	if err := os.WriteFile(master, []byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1600000\n480p.m3u8\n"), 0644); err != nil {
		return nil, err
	}

	return &port.HLSResult{
		MasterPlaylist: master,
		MediaFiles:     []string{"480p.m3u8", "480p_000.ts"},
		Duration:       12.5,
		Renditions:     1,
	}, nil
}

type fakeExtractor struct {
	err   error
	calls int
}

func (e *fakeExtractor) ExtractAudio(_ context.Context, segmentPaths []string, outputPath string) error {
	e.calls++
	if e.err != nil {
		return e.err
	}
	if len(segmentPaths) == 0 {
		return port.ErrNoAudioTrack
	}
	return os.WriteFile(outputPath, []byte("audio-bytes"), 0644)
}

type fakeSpeech struct {
	result         *port.SpeechResult
	transcribeErr  error
	delay          time.Duration
	translated     string
	translateErr   error
	transcribes    int
	translateCalls int
}

func (s *fakeSpeech) Transcribe(ctx context.Context, _, _ string) (*port.SpeechResult, error) {
	s.transcribes++
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.transcribeErr != nil {
		return nil, s.transcribeErr
	}
	return s.result, nil
}

func (s *fakeSpeech) TranslateToEnglish(_ context.Context, _ string) (string, error) {
	s.translateCalls++
	if s.translateErr != nil {
		return "", s.translateErr
	}
	return s.translated, nil
}

type fakeDLQ struct {
	mu      sync.Mutex
	msgs    [][]byte
	reasons []string
	err     error
}

func (d *fakeDLQ) PublishToDLQ(_ context.Context, msg []byte, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	d.reasons = append(d.reasons, reason)
	return nil
}

func (d *fakeDLQ) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}
