package entity

import "github.com/google/uuid"

// MediaJobMessage is the envelope both workers consume. It carries no
// payload beyond identity; everything else is reconstructed from the job
// store and object storage.
type MediaJobMessage struct {
	JobID      uuid.UUID `json:"jobId"`
	ObjectPath string    `json:"objectPath"`
	// Language is an optional source-language hint (e.g. "vi", "ja").
	// Empty means auto-detect.
	Language string `json:"language,omitempty"`
}
