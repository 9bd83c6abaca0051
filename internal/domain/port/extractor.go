package port

import (
	"context"
	"errors"
)

// ErrNoAudioTrack marks media without any usable audio stream.
var ErrNoAudioTrack = errors.New("no audio track")

// AudioExtractor derives a single audio file from downloaded media.
type AudioExtractor interface {
	// ExtractAudio concatenates the given local segment files and strips
	// the video stream. Deterministic for the same input.
	ExtractAudio(ctx context.Context, segmentPaths []string, outputPath string) error
}
