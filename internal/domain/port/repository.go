package port

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/harrybui03/media-processing-service/internal/domain/entity"
)

// StageName selects which stage's columns a repository call operates on.
type StageName string

const (
	StageTranscode     StageName = "transcode"
	StageTranscription StageName = "transcription"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrStageOwned means another worker holds an unexpired lease.
	ErrStageOwned = errors.New("stage leased by another worker")

	// ErrStageTerminal means the stage already reached COMPLETED or FAILED.
	ErrStageTerminal = errors.New("stage already terminal")
)

// JobRepository arbitrates job ownership. All transitions are conditional
// on the current status and lease; blind overwrites are not possible.
type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	FindByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)

	// ClaimStage moves the stage to PROCESSING under a lease, increments
	// the attempt counter and returns the refreshed job. It succeeds when
	// the stage is PENDING, when the caller already owns the lease, or
	// when a prior owner's lease expired (takeover).
	ClaimStage(ctx context.Context, id uuid.UUID, stage StageName, owner string, leaseTTL time.Duration) (*entity.Job, error)

	// CompleteStage and FailStage finish the stage; both require the
	// caller to still own the lease.
	CompleteStage(ctx context.Context, id uuid.UUID, stage StageName, owner string) error
	FailStage(ctx context.Context, id uuid.UUID, stage StageName, owner, reason string) error

	// ReleaseStage records a transient failure: the stage stays
	// PROCESSING but the lease is expired immediately so redelivery can
	// re-claim it.
	ReleaseStage(ctx context.Context, id uuid.UUID, stage StageName, owner, reason string) error
}
