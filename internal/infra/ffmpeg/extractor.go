package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/harrybui03/media-processing-service/internal/domain/port"
)

type AudioExtractor struct {
	logger *zap.Logger
}

func NewAudioExtractor(logger *zap.Logger) *AudioExtractor {
	return &AudioExtractor{logger: logger}
}

// ExtractAudio concatenates local media segments and strips the video
// stream into a single AAC file at outputPath.
func (e *AudioExtractor) ExtractAudio(ctx context.Context, segmentPaths []string, outputPath string) error {
	if len(segmentPaths) == 0 {
		return fmt.Errorf("%w: no segments to extract from", port.ErrNoAudioTrack)
	}

	listPath := filepath.Join(filepath.Dir(outputPath), "concat.txt")
	var b strings.Builder
	for _, p := range segmentPaths {
		fmt.Fprintf(&b, "file '%s'\n", p)
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(listPath)

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-vn",
		"-acodec", "aac",
		"-b:a", "128k",
		"-y",
		outputPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		msg := string(output)
		if strings.Contains(msg, "does not contain any stream") ||
			strings.Contains(msg, "Output file is empty") {
			return fmt.Errorf("extract audio: %w", port.ErrNoAudioTrack)
		}
		return classifyError("extract audio", err, output)
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("extract audio: %w: empty output", port.ErrNoAudioTrack)
	}

	e.logger.Debug("audio extracted",
		zap.Int("segments", len(segmentPaths)),
		zap.Int64("bytes", info.Size()),
	)
	return nil
}
