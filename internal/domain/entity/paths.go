package entity

import (
	"path"
	"strings"
)

// Artifact keys are derived deterministically from the source object path
// (<entityPath>/videos/<timestamp>-<filename>) so any stage can locate
// another stage's output without extra coordination messages.

// VideoDir returns the directory holding the source video and all derived
// artifacts, e.g. "lessons/L1/videos".
func VideoDir(objectPath string) string {
	return path.Dir(objectPath)
}

// SegmentsPrefix is where the transcode stage publishes the adaptive
// stream, e.g. "lessons/L1/videos/segments/".
func SegmentsPrefix(objectPath string) string {
	return VideoDir(objectPath) + "/segments/"
}

// MasterPlaylistKey is the visibility gate for the segment set; it is
// uploaded last.
func MasterPlaylistKey(objectPath string) string {
	return SegmentsPrefix(objectPath) + "master.m3u8"
}

// TranscriptKey places the transcript beside the source video.
func TranscriptKey(objectPath string) string {
	return VideoDir(objectPath) + "/transcript.json"
}

// EntityIDFromPath extracts the entity segment from
// "<kind>/<entityId>/videos/...". Empty when the path does not follow the
// convention.
func EntityIDFromPath(objectPath string) string {
	parts := strings.Split(objectPath, "/")
	if len(parts) < 3 || parts[2] != "videos" {
		return ""
	}
	return parts[1]
}
