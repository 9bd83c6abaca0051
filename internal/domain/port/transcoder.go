package port

import (
	"context"
	"errors"
)

// ErrUnprocessableMedia marks content-level failures (corrupt file,
// unsupported codec). Retrying cannot help; the job is failed and the
// message acknowledged.
var ErrUnprocessableMedia = errors.New("unprocessable media")

type HLSResult struct {
	// MasterPlaylist is the local path of the master manifest.
	MasterPlaylist string
	// MediaFiles are variant playlists and segments, relative to the
	// transcode output directory.
	MediaFiles []string
	Duration   float64
	Renditions int
}

type Transcoder interface {
	TranscodeHLS(ctx context.Context, videoPath, outputDir string) (*HLSResult, error)
}
