package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harrybui03/media-processing-service/internal/domain/entity"
	"github.com/harrybui03/media-processing-service/internal/domain/port"
)

// stageColumns maps a stage to its column set in media_jobs. The two
// stages never touch each other's columns, so concurrent workers on the
// same row cannot overwrite one another's state.
type stageColumns struct {
	status   string
	attempts string
	errMsg   string
	owner    string
	expires  string
}

var stageCols = map[port.StageName]stageColumns{
	port.StageTranscode: {
		status:   "status",
		attempts: "attempts",
		errMsg:   "error_message",
		owner:    "lease_owner",
		expires:  "lease_expires_at",
	},
	port.StageTranscription: {
		status:   "transcript_status",
		attempts: "transcript_attempts",
		errMsg:   "transcript_error",
		owner:    "transcript_lease_owner",
		expires:  "transcript_lease_expires_at",
	},
}

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	query := `
		INSERT INTO media_jobs (
			id, entity_id, object_path,
			status, attempts, error_message, lease_owner, lease_expires_at,
			transcript_status, transcript_attempts, transcript_error,
			transcript_lease_owner, transcript_lease_expires_at,
			created_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	_, err := r.pool.Exec(ctx, query,
		job.ID, job.EntityID, job.ObjectPath,
		string(job.Transcode.Status), job.Transcode.Attempts, job.Transcode.ErrorMessage,
		job.Transcode.LeaseOwner, job.Transcode.LeaseExpiresAt,
		string(job.Transcript.Status), job.Transcript.Attempts, job.Transcript.ErrorMessage,
		job.Transcript.LeaseOwner, job.Transcript.LeaseExpiresAt,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *JobRepository) FindByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	query := `
		SELECT id, entity_id, object_path,
			status, attempts, error_message, lease_owner, lease_expires_at,
			transcript_status, transcript_attempts, transcript_error,
			transcript_lease_owner, transcript_lease_expires_at,
			created_at, updated_at, completed_at
		FROM media_jobs WHERE id=$1`

	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, port.ErrJobNotFound
		}
		return nil, fmt.Errorf("find job by id: %w", err)
	}
	return job, nil
}

func (r *JobRepository) ClaimStage(ctx context.Context, id uuid.UUID, stage port.StageName, owner string, leaseTTL time.Duration) (*entity.Job, error) {
	c, ok := stageCols[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	query := fmt.Sprintf(`
		UPDATE media_jobs SET
			%[1]s = 'PROCESSING',
			%[2]s = %[2]s + 1,
			%[3]s = $2,
			%[4]s = now() + $3,
			updated_at = now()
		WHERE id = $1
			AND (%[1]s = 'PENDING'
				OR (%[1]s = 'PROCESSING' AND (%[3]s = $2 OR %[4]s <= now())))
		RETURNING id, entity_id, object_path,
			status, attempts, error_message, lease_owner, lease_expires_at,
			transcript_status, transcript_attempts, transcript_error,
			transcript_lease_owner, transcript_lease_expires_at,
			created_at, updated_at, completed_at`,
		c.status, c.attempts, c.owner, c.expires,
	)

	job, err := scanJob(r.pool.QueryRow(ctx, query, id, owner, leaseTTL))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim %s stage: %w", stage, err)
	}

	// The conditional update matched nothing; read the row to tell why.
	current, findErr := r.FindByID(ctx, id)
	if findErr != nil {
		return nil, findErr
	}
	st := current.Transcode
	if stage == port.StageTranscription {
		st = current.Transcript
	}
	if st.Status.Terminal() {
		return current, port.ErrStageTerminal
	}
	return current, port.ErrStageOwned
}

func (r *JobRepository) CompleteStage(ctx context.Context, id uuid.UUID, stage port.StageName, owner string) error {
	c, ok := stageCols[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}

	completedAt := ""
	if stage == port.StageTranscode {
		completedAt = ", completed_at = now()"
	}

	query := fmt.Sprintf(`
		UPDATE media_jobs SET
			%[1]s = 'COMPLETED',
			%[2]s = '',
			updated_at = now()%[4]s
		WHERE id = $1 AND %[1]s = 'PROCESSING' AND %[3]s = $2`,
		c.status, c.errMsg, c.owner, completedAt,
	)

	return r.guardedExec(ctx, query, stage, id, owner)
}

func (r *JobRepository) FailStage(ctx context.Context, id uuid.UUID, stage port.StageName, owner, reason string) error {
	c, ok := stageCols[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}

	query := fmt.Sprintf(`
		UPDATE media_jobs SET
			%[1]s = 'FAILED',
			%[2]s = $3,
			updated_at = now()
		WHERE id = $1 AND %[1]s = 'PROCESSING' AND %[3]s = $2`,
		c.status, c.errMsg, c.owner,
	)

	return r.guardedExec(ctx, query, stage, id, owner, reason)
}

func (r *JobRepository) ReleaseStage(ctx context.Context, id uuid.UUID, stage port.StageName, owner, reason string) error {
	c, ok := stageCols[stage]
	if !ok {
		return fmt.Errorf("unknown stage %q", stage)
	}

	// Status stays PROCESSING; only the lease expires so the next
	// delivery can take over.
	query := fmt.Sprintf(`
		UPDATE media_jobs SET
			%[2]s = $3,
			%[4]s = now(),
			updated_at = now()
		WHERE id = $1 AND %[1]s = 'PROCESSING' AND %[3]s = $2`,
		c.status, c.errMsg, c.owner, c.expires,
	)

	return r.guardedExec(ctx, query, stage, id, owner, reason)
}

func (r *JobRepository) guardedExec(ctx context.Context, query string, stage port.StageName, id uuid.UUID, args ...any) error {
	allArgs := append([]any{id}, args...)
	tag, err := r.pool.Exec(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("%s stage transition: %w", stage, err)
	}
	if tag.RowsAffected() == 0 {
		return port.ErrStageOwned
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	job := &entity.Job{}
	var transcodeStatus, transcriptStatus string
	err := row.Scan(
		&job.ID, &job.EntityID, &job.ObjectPath,
		&transcodeStatus, &job.Transcode.Attempts, &job.Transcode.ErrorMessage,
		&job.Transcode.LeaseOwner, &job.Transcode.LeaseExpiresAt,
		&transcriptStatus, &job.Transcript.Attempts, &job.Transcript.ErrorMessage,
		&job.Transcript.LeaseOwner, &job.Transcript.LeaseExpiresAt,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Transcode.Status = entity.StageStatus(transcodeStatus)
	job.Transcript.Status = entity.StageStatus(transcriptStatus)
	return job, nil
}
