package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/reelforge/render/internal/model"
	"github.com/reelforge/render/internal/service"
	"go.uber.org/zap"
)

const reconcilePageSize = 100

// ArchivedTasks lists tasks asynq gave up on. *asynq.Inspector satisfies it.
type ArchivedTasks interface {
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
}

// LedgerJobs is the part of the job lifecycle the reconciler needs.
type LedgerJobs interface {
	GetJob(ctx context.Context, jobID string) (*model.RenderJob, error)
	Fail(ctx context.Context, jobID, reason string, stacktrace []string) (*model.RenderJob, error)
}

// Reconciler fails ledger jobs whose task was archived without the worker
// recording an outcome. That happens when a worker process dies mid-render
// and asynq's lease recovery archives the task instead of retrying it.
type Reconciler struct {
	jobs   LedgerJobs
	tasks  ArchivedTasks
	events EventPublisher
	queue  string
	log    *zap.Logger
	now    func() time.Time
}

func NewReconciler(jobs LedgerJobs, tasks ArchivedTasks, events EventPublisher, queue string, log *zap.Logger) *Reconciler {
	return &Reconciler{
		jobs:   jobs,
		tasks:  tasks,
		events: events,
		queue:  queue,
		log:    log.Named("reconciler"),
		now:    time.Now,
	}
}

// Run reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := r.Reconcile(ctx); err != nil {
			r.log.Warn("reconcile failed", zap.Error(err))
		} else if n > 0 {
			r.log.Info("failed orphaned jobs", zap.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile walks the archived render tasks once and fails every job still
// waiting or active in the ledger. It returns how many jobs it failed.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	failed := 0
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		tasks, err := r.tasks.ListArchivedTasks(r.queue, asynq.Page(page), asynq.PageSize(reconcilePageSize))
		if err != nil {
			return failed, fmt.Errorf("list archived tasks: %w", err)
		}
		for _, t := range tasks {
			if t.Type != service.TaskTypeRender {
				continue
			}
			ok, err := r.reconcile(ctx, t)
			if err != nil {
				r.log.Warn("failed to reconcile task", zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			if ok {
				failed++
			}
		}
		if len(tasks) < reconcilePageSize {
			return failed, nil
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context, t *asynq.TaskInfo) (bool, error) {
	var payload model.RenderTaskPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return false, fmt.Errorf("invalid payload: %w", err)
	}

	job, err := r.jobs.GetJob(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return false, nil
		}
		return false, err
	}
	if job.State.IsTerminal() {
		return false, nil
	}

	reason := ErrWorkerLost.Error()
	if t.LastErr != "" {
		reason += ": " + t.LastErr
	}
	if _, err := r.jobs.Fail(ctx, job.ID, reason, nil); err != nil {
		if errors.Is(err, service.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}

	if r.events != nil {
		if err := r.events.Publish(ctx, failedEvent(job, reason, r.now())); err != nil {
			r.log.Error("failed to publish event", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	r.log.Warn("failed orphaned job",
		zap.String("job_id", job.ID),
		zap.String("state", string(job.State)),
		zap.String("last_err", t.LastErr),
	)
	return true, nil
}
