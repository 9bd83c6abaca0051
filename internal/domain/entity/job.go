package entity

import (
	"time"

	"github.com/google/uuid"
)

type StageStatus string

const (
	StagePending    StageStatus = "PENDING"
	StageProcessing StageStatus = "PROCESSING"
	StageCompleted  StageStatus = "COMPLETED"
	StageFailed     StageStatus = "FAILED"
)

// Terminal reports whether a stage may no longer change state.
func (s StageStatus) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Stage holds the lifecycle of one pipeline stage. Status only moves
// forward (PENDING -> PROCESSING -> COMPLETED|FAILED); a transient failure
// keeps PROCESSING and expires the lease instead of regressing the status.
type Stage struct {
	Status         StageStatus
	Attempts       int
	ErrorMessage   string
	LeaseOwner     string
	LeaseExpiresAt *time.Time
}

// LeaseExpired reports whether the current owner's claim has lapsed and the
// stage is up for takeover.
func (s Stage) LeaseExpired(now time.Time) bool {
	return s.LeaseExpiresAt == nil || !s.LeaseExpiresAt.After(now)
}

// Job is the unit of work tracked across pipeline stages. The row is
// created by the upstream API; the workers only advance their own stage.
type Job struct {
	ID          uuid.UUID
	EntityID    string
	ObjectPath  string
	Transcode   Stage
	Transcript  Stage
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func NewJob(entityID, objectPath string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.New(),
		EntityID:   entityID,
		ObjectPath: objectPath,
		Transcode:  Stage{Status: StagePending},
		Transcript: Stage{Status: StagePending},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
