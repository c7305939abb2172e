package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/reelforge/render/internal/model"
	"github.com/reelforge/render/internal/store"
)

const TaskTypeRender = "render:process"

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = store.ErrNotFound

// ErrInvalidTransition is returned when a lifecycle step is not allowed from
// the job's current state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// JobStore is the ledger used by RenderService.
type JobStore interface {
	Save(ctx context.Context, job *model.RenderJob) error
	Get(ctx context.Context, jobID string) (*model.RenderJob, error)
	Update(ctx context.Context, jobID string, fn func(*model.RenderJob) error) (*model.RenderJob, error)
}

// TaskEnqueuer is satisfied by *asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueOptions control how render tasks are dispatched.
type QueueOptions struct {
	Queue              string
	JobTimeout         time.Duration
	CompletedRetention time.Duration
}

// RenderService handles render job management
type RenderService struct {
	store    JobStore
	enqueuer TaskEnqueuer
	opts     QueueOptions
	now      func() time.Time
}

func NewRenderService(jobStore JobStore, enqueuer TaskEnqueuer, opts QueueOptions) *RenderService {
	if opts.Queue == "" {
		opts.Queue = "render"
	}
	return &RenderService{
		store:    jobStore,
		enqueuer: enqueuer,
		opts:     opts,
		now:      time.Now,
	}
}

// StartRender records a waiting job and enqueues it. Each job runs at most
// once: the task carries no retries.
func (s *RenderService) StartRender(ctx context.Context, req *model.RenderStartRequest) (*model.RenderStartResponse, error) {
	jobID := uuid.New().String()

	job := &model.RenderJob{
		ID:        jobID,
		OwnerRef:  req.OwnerRef,
		Output:    req.Output,
		Metadata:  req.Metadata,
		State:     model.JobStateWaiting,
		CreatedAt: s.now(),
	}

	if err := s.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := newRenderTask(jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	_, err = s.enqueuer.EnqueueContext(ctx, task,
		asynq.TaskID(jobID),
		asynq.Queue(s.opts.Queue),
		asynq.MaxRetry(0),
		asynq.Timeout(s.opts.JobTimeout),
		asynq.Retention(s.opts.CompletedRetention),
	)
	if err != nil {
		if _, failErr := s.Fail(ctx, jobID, "enqueue failed: "+err.Error(), nil); failErr != nil {
			err = errors.Join(err, failErr)
		}
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	return &model.RenderStartResponse{
		JobID: jobID,
		State: model.JobStateWaiting,
	}, nil
}

// GetJob returns the full ledger record.
func (s *RenderService) GetJob(ctx context.Context, jobID string) (*model.RenderJob, error) {
	return s.store.Get(ctx, jobID)
}

// GetStatus returns the polling view of a job.
func (s *RenderService) GetStatus(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.JobStatusResponse{
		ID:           job.ID,
		State:        job.State,
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		FailedReason: job.Error,
		ReturnValue:  job.Result,
		ProcessedOn:  job.ProcessedOn,
		FinishedOn:   job.FinishedAt,
	}, nil
}

// MarkActive moves a waiting job to active (called by worker)
func (s *RenderService) MarkActive(ctx context.Context, jobID string) (*model.RenderJob, error) {
	return s.store.Update(ctx, jobID, func(job *model.RenderJob) error {
		if err := transition(job, model.JobStateActive); err != nil {
			return err
		}
		now := s.now()
		job.ProcessedOn = &now
		job.AttemptsMade++
		job.CurrentStep = "starting"
		return nil
	})
}

// UpdateProgress records progress of an active job (called by worker).
// Progress never moves backwards.
func (s *RenderService) UpdateProgress(ctx context.Context, jobID string, progress int, step string) error {
	_, err := s.store.Update(ctx, jobID, func(job *model.RenderJob) error {
		if job.State != model.JobStateActive {
			return fmt.Errorf("%w: progress on %s job", ErrInvalidTransition, job.State)
		}
		if progress > job.Progress {
			job.Progress = min(progress, 100)
		}
		job.CurrentStep = step
		return nil
	})
	return err
}

// Complete marks job as completed (called by worker)
func (s *RenderService) Complete(ctx context.Context, jobID string, result *model.RenderResult) (*model.RenderJob, error) {
	return s.store.Update(ctx, jobID, func(job *model.RenderJob) error {
		if err := transition(job, model.JobStateCompleted); err != nil {
			return err
		}
		now := s.now()
		job.Progress = 100
		job.CurrentStep = "done"
		job.Result = result
		job.FinishedAt = &now
		return nil
	})
}

// Fail marks job as failed with a reason and optional stack trace (called by worker)
func (s *RenderService) Fail(ctx context.Context, jobID, reason string, stacktrace []string) (*model.RenderJob, error) {
	return s.store.Update(ctx, jobID, func(job *model.RenderJob) error {
		if err := transition(job, model.JobStateFailed); err != nil {
			return err
		}
		now := s.now()
		job.Error = &reason
		job.Stacktrace = stacktrace
		job.FinishedAt = &now
		return nil
	})
}

func transition(job *model.RenderJob, next model.JobState) error {
	if !job.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, next)
	}
	job.State = next
	return nil
}

func newRenderTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(model.RenderTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRender, data), nil
}
