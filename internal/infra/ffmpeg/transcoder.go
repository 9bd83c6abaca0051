package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/harrybui03/media-processing-service/internal/domain/port"
)

// rendition is one quality level of the adaptive stream.
type rendition struct {
	name      string
	height    int
	bitrate   string
	bandwidth int
}

var renditions = []rendition{
	{name: "1080p", height: 1080, bitrate: "5000k", bandwidth: 5500000},
	{name: "720p", height: 720, bitrate: "2800k", bandwidth: 3000000},
	{name: "480p", height: 480, bitrate: "1400k", bandwidth: 1600000},
}

type Transcoder struct {
	segmentSeconds int
	preset         string
	logger         *zap.Logger
}

func NewTranscoder(segmentSeconds int, preset string, logger *zap.Logger) *Transcoder {
	return &Transcoder{segmentSeconds: segmentSeconds, preset: preset, logger: logger}
}

// TranscodeHLS produces one variant playlist plus segments per rendition
// and writes the master manifest last.
func (t *Transcoder) TranscodeHLS(ctx context.Context, videoPath, outputDir string) (*port.HLSResult, error) {
	duration, err := t.probeDuration(ctx, videoPath)
	if err != nil {
		t.logger.Warn("could not probe video duration", zap.Error(err))
	}

	for _, r := range renditions {
		if err := t.transcodeRendition(ctx, videoPath, outputDir, r); err != nil {
			return nil, err
		}
	}

	masterPath := filepath.Join(outputDir, "master.m3u8")
	if err := os.WriteFile(masterPath, []byte(renderMasterPlaylist(renditions)), 0644); err != nil {
		return nil, fmt.Errorf("write master playlist: %w", err)
	}

	var media []string
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("list output dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == "master.m3u8" {
			continue
		}
		media = append(media, e.Name())
	}
	if len(media) == 0 {
		return nil, fmt.Errorf("%w: no segments produced", port.ErrUnprocessableMedia)
	}

	t.logger.Info("transcode finished",
		zap.Int("media_files", len(media)),
		zap.Int("renditions", len(renditions)),
		zap.Float64("duration_secs", duration),
	)

	return &port.HLSResult{
		MasterPlaylist: masterPath,
		MediaFiles:     media,
		Duration:       duration,
		Renditions:     len(renditions),
	}, nil
}

func (t *Transcoder) transcodeRendition(ctx context.Context, videoPath, outputDir string, r rendition) error {
	playlist := filepath.Join(outputDir, r.name+".m3u8")
	segments := filepath.Join(outputDir, r.name+"_%03d.ts")

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", videoPath,
		"-vf", fmt.Sprintf("scale=-2:%d", r.height),
		"-c:v", "libx264",
		"-preset", t.preset,
		"-b:v", r.bitrate,
		"-c:a", "aac",
		"-b:a", "128k",
		"-hls_time", strconv.Itoa(t.segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segments,
		"-y",
		playlist,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return classifyError(fmt.Sprintf("transcode %s", r.name), err, output)
	}
	return nil
}

func (t *Transcoder) probeDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}

func renderMasterPlaylist(rs []rendition) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, r := range rs {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,NAME=%q\n%s.m3u8\n", r.bandwidth, r.name, r.name)
	}
	return b.String()
}

// contentErrors are ffmpeg messages that indicate the input itself is bad.
// These fail the job permanently; everything else is treated as transient.
var contentErrors = []string{
	"Invalid data found when processing input",
	"moov atom not found",
	"Unknown format",
	"could not find codec parameters",
	"Decoder (codec",
}

func classifyError(op string, err error, output []byte) error {
	msg := string(output)
	for _, marker := range contentErrors {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%s: %w: %s", op, port.ErrUnprocessableMedia, firstLine(msg, marker))
		}
	}
	return fmt.Errorf("%s: %w: %s", op, err, truncate(msg, 512))
}

func firstLine(output, marker string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, marker) {
			return strings.TrimSpace(line)
		}
	}
	return marker
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
