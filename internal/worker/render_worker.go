package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/reelforge/render/internal/audio"
	"github.com/reelforge/render/internal/compositor"
	"github.com/reelforge/render/internal/encoder"
	"github.com/reelforge/render/internal/ffmpeg"
	"github.com/reelforge/render/internal/model"
	"github.com/reelforge/render/internal/service"
	"github.com/reelforge/render/internal/source"
	"github.com/reelforge/render/internal/workdir"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrJobTimeout is reported when a job outlives its wall-clock budget.
	ErrJobTimeout = errors.New("render timed out")
	// ErrInsufficientDisk is reported when the temp root is too full to start.
	ErrInsufficientDisk = errors.New("insufficient disk space")
	// ErrEmptyRange is reported when the render range covers no frames.
	ErrEmptyRange = errors.New("render range is empty")
	// ErrWorkerLost is reported for a job left active by a worker that died.
	ErrWorkerLost = errors.New("render interrupted: worker lost")
)

// Progress bands
const (
	progressStart  = 5
	progressFrames = 80
	progressUpload = 90
	progressDone   = 100
)

// Jobs is the job lifecycle used by the worker. *service.RenderService satisfies it.
type Jobs interface {
	GetJob(ctx context.Context, jobID string) (*model.RenderJob, error)
	MarkActive(ctx context.Context, jobID string) (*model.RenderJob, error)
	UpdateProgress(ctx context.Context, jobID string, progress int, step string) error
	Complete(ctx context.Context, jobID string, result *model.RenderResult) (*model.RenderJob, error)
	Fail(ctx context.Context, jobID, reason string, stacktrace []string) (*model.RenderJob, error)
}

// ProjectSource hydrates timelines.
type ProjectSource interface {
	Hydrate(ctx context.Context, owner model.OwnerRef) (*model.Project, error)
}

// FrameSource produces the visual frame stream.
type FrameSource interface {
	Sanitize(p *model.Project) *model.Project
	Stream(ctx context.Context, spec compositor.Spec, out chan<- compositor.Frame) error
}

// VideoEncoder turns frames into a video-only file.
type VideoEncoder interface {
	EncodeStream(ctx context.Context, frames <-chan compositor.Frame, opts encoder.Options, outPath string, onFrame func(n int)) (int, error)
}

// AudioMerger adds the timeline soundtrack to an encoded file.
type AudioMerger interface {
	Merge(ctx context.Context, req audio.Request) (audio.Outcome, error)
}

// ArtifactUploader sends the finished file to its destination.
type ArtifactUploader interface {
	Put(ctx context.Context, target, path, contentType string) (int64, error)
}

// DurationProber measures the finished artifact.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// EventPublisher receives terminal job events.
type EventPublisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// ProgressBroadcaster pushes live progress to subscribers.
type ProgressBroadcaster interface {
	BroadcastProgress(jobID string, progress int, state model.JobState, step string)
}

// Deps are the collaborators of a RenderWorker.
type Deps struct {
	Jobs     Jobs
	Projects ProjectSource
	Frames   FrameSource
	Encoder  VideoEncoder
	Audio    AudioMerger
	Uploader ArtifactUploader
	Prober   DurationProber
	Events   EventPublisher
	Hub      ProgressBroadcaster
}

// Options tune a RenderWorker.
type Options struct {
	TempDir       string
	JobTimeout    time.Duration
	MinFreeDiskMB uint64
	// FrameBuffer bounds how many frames may wait between compositor and encoder.
	FrameBuffer int
}

// RenderWorker processes render jobs
type RenderWorker struct {
	deps     Deps
	opts     Options
	log      *zap.Logger
	freeDisk func(path string) (uint64, error)
	now      func() time.Time
}

// NewRenderWorker creates a new render worker
func NewRenderWorker(deps Deps, opts Options, log *zap.Logger) *RenderWorker {
	if opts.FrameBuffer < 1 {
		opts.FrameBuffer = 8
	}
	return &RenderWorker{
		deps:     deps,
		opts:     opts,
		log:      log.Named("worker"),
		freeDisk: freeDiskBytes,
		now:      time.Now,
	}
}

func freeDiskBytes(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// ProcessTask handles render task processing. Every returned error is marked
// SkipRetry: a render is attempted exactly once.
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.RenderTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	jobID := payload.JobID
	log := w.log.With(zap.String("job_id", jobID))

	job, err := w.deps.Jobs.MarkActive(ctx, jobID)
	if err != nil {
		if errors.Is(err, service.ErrInvalidTransition) {
			return w.redelivered(ctx, jobID, log)
		}
		return fmt.Errorf("failed to activate job %s: %v: %w", jobID, err, asynq.SkipRetry)
	}
	log.Info("starting render",
		zap.String("format", string(job.Output.Format)),
		zap.Int("fps", job.Output.FPS),
		zap.String("quality", string(job.Output.Quality)),
	)

	runCtx := ctx
	if w.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.JobTimeout)
		defer cancel()
	}

	started := w.now()
	result, stack, err := w.runSafe(runCtx, job, log)
	if err == nil {
		if err := w.complete(ctx, job, result, log, time.Since(started)); err != nil {
			return err
		}
		writeResult(t, result, log)
		return nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", ErrJobTimeout, w.opts.JobTimeout, err)
	}
	w.fail(job, err, stack, log)
	return fmt.Errorf("render %s: %v: %w", jobID, err, asynq.SkipRetry)
}

// redelivered handles a task whose job is no longer waiting. A terminal job
// is left alone. An active job belonged to a worker that stopped mid-render
// and is failed, since a render is attempted once.
func (w *RenderWorker) redelivered(ctx context.Context, jobID string, log *zap.Logger) error {
	job, err := w.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %v: %w", jobID, err, asynq.SkipRetry)
	}
	if job.State != model.JobStateActive {
		log.Warn("job already processed, skipping", zap.String("state", string(job.State)))
		return nil
	}
	w.fail(job, ErrWorkerLost, nil, log)
	return fmt.Errorf("render %s: %v: %w", jobID, ErrWorkerLost, asynq.SkipRetry)
}

// runSafe runs the pipeline and converts a panic into an error with its stack.
func (w *RenderWorker) runSafe(ctx context.Context, job *model.RenderJob, log *zap.Logger) (result *model.RenderResult, stack []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
		}
	}()
	result, err = w.run(ctx, job, log)
	if err != nil {
		stack = errorTrace(err)
	}
	return result, stack, err
}

func (w *RenderWorker) run(ctx context.Context, job *model.RenderJob, log *zap.Logger) (*model.RenderResult, error) {
	if err := w.preflight(); err != nil {
		return nil, err
	}

	w.progress(ctx, job.ID, progressStart, "hydrating project")
	project, err := w.deps.Projects.Hydrate(ctx, job.OwnerRef)
	if err != nil {
		return nil, fmt.Errorf("hydrate project: %w", err)
	}
	project = w.deps.Frames.Sanitize(project)

	rng := ResolveRange(job.Output.Range, project.Duration())
	fps := job.Output.FPS
	total := compositor.FrameCount(rng, fps)
	if total == 0 {
		return nil, fmt.Errorf("%w: [%g, %g)", ErrEmptyRange, rng.Start, rng.End)
	}
	width, height := compositor.TargetSize(project.Resolution, job.Output.Scale())

	dir, err := workdir.Acquire(w.opts.TempDir, job.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := dir.Release(); err != nil {
			log.Warn("failed to remove work dir", zap.String("dir", dir.Root()), zap.Error(err))
		}
	}()

	videoPath := dir.Path(job.Output.Format.Extension())
	encOpts := encoder.Options{
		Format:    job.Output.Format,
		Quality:   job.Output.Quality,
		FPS:       fps,
		Width:     width,
		Height:    height,
		FastStart: job.Output.FastStart,
	}

	w.progress(ctx, job.ID, progressStart, "rendering frames")
	frames, err := w.renderVideo(ctx, job.ID, project, rng, encOpts, videoPath, total)
	if err != nil {
		return nil, err
	}

	w.progress(ctx, job.ID, progressFrames, "mixing audio")
	outcome, err := w.deps.Audio.Merge(ctx, audio.Request{
		JobID:        job.ID,
		Project:      project,
		Range:        rng,
		Format:       job.Output.Format,
		IncludeAudio: job.Output.AudioRequested(),
		FastStart:    job.Output.FastStart,
		VideoPath:    videoPath,
		TempPath:     dir.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("merge audio: %w", err)
	}
	if outcome.Skipped {
		log.Info("audio skipped", zap.String("reason", outcome.Reason))
	}

	duration := rng.Duration()
	if w.deps.Prober != nil {
		if d, err := w.deps.Prober.Duration(ctx, videoPath); err == nil {
			duration = d
		} else {
			log.Debug("could not measure output duration", zap.Error(err))
		}
	}

	w.progress(ctx, job.ID, progressUpload, "uploading")
	size, err := w.deps.Uploader.Put(ctx, job.Output.UploadTarget, videoPath, job.Output.Format.ContentType())
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	return &model.RenderResult{
		StoragePath:  source.StoragePath(job.Output.UploadTarget),
		Format:       job.Output.Format,
		Width:        width,
		Height:       height,
		Duration:     duration,
		Frames:       frames,
		HasAudio:     !outcome.Skipped,
		AudioEntries: outcome.Entries,
		Bytes:        size,
	}, nil
}

// renderVideo pipelines compositor output into the encoder.
func (w *RenderWorker) renderVideo(ctx context.Context, jobID string, project *model.Project, rng model.TimeRange, opts encoder.Options, outPath string, total int) (int, error) {
	frames := make(chan compositor.Frame, w.opts.FrameBuffer)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.deps.Frames.Stream(gctx, compositor.Spec{
			Project: project,
			Range:   rng,
			FPS:     opts.FPS,
			Width:   opts.Width,
			Height:  opts.Height,
		}, frames)
	})

	var written int
	g.Go(func() error {
		last := progressStart
		n, err := w.deps.Encoder.EncodeStream(gctx, frames, opts, outPath, func(n int) {
			p := progressStart + (progressFrames-progressStart)*n/total
			if p > last {
				last = p
				w.progress(gctx, jobID, p, fmt.Sprintf("encoded %d/%d frames", n, total))
			}
		})
		written = n
		// A non-nil error cancels gctx, which stops the compositor mid-range.
		return err
	})

	if err := g.Wait(); err != nil {
		return written, fmt.Errorf("render video: %w", err)
	}
	if written != total {
		return written, fmt.Errorf("render video: encoded %d of %d frames", written, total)
	}
	return written, nil
}

func (w *RenderWorker) preflight() error {
	if w.opts.MinFreeDiskMB == 0 {
		return nil
	}
	free, err := w.freeDisk(w.opts.TempDir)
	if err != nil {
		w.log.Warn("disk usage unavailable", zap.Error(err))
		return nil
	}
	if need := w.opts.MinFreeDiskMB << 20; free < need {
		return fmt.Errorf("%w: %d MB free under %s, need %d MB", ErrInsufficientDisk, free>>20, w.opts.TempDir, w.opts.MinFreeDiskMB)
	}
	return nil
}

func (w *RenderWorker) progress(ctx context.Context, jobID string, progress int, step string) {
	if err := w.deps.Jobs.UpdateProgress(ctx, jobID, progress, step); err != nil {
		w.log.Warn("failed to update progress", zap.String("job_id", jobID), zap.Error(err))
	}
	if w.deps.Hub != nil {
		w.deps.Hub.BroadcastProgress(jobID, progress, model.JobStateActive, step)
	}
}

func (w *RenderWorker) complete(ctx context.Context, job *model.RenderJob, result *model.RenderResult, log *zap.Logger, took time.Duration) error {
	if _, err := w.deps.Jobs.Complete(ctx, job.ID, result); err != nil {
		w.fail(job, fmt.Errorf("failed to save result: %w", err), nil, log)
		return fmt.Errorf("complete %s: %v: %w", job.ID, err, asynq.SkipRetry)
	}
	if w.deps.Hub != nil {
		w.deps.Hub.BroadcastProgress(job.ID, progressDone, model.JobStateCompleted, "done")
	}

	w.publish(model.Event{
		Type:      model.EventRenderCompleted,
		JobID:     job.ID,
		Result:    result,
		Metadata:  job.Metadata,
		OwnerRef:  job.OwnerRef,
		Timestamp: w.now(),
	}, log)

	log.Info("render completed",
		zap.String("storage_path", result.StoragePath),
		zap.Int("frames", result.Frames),
		zap.Bool("has_audio", result.HasAudio),
		zap.Duration("took", took),
	)
	return nil
}

// fail records the failure using a fresh context: the job context may be the
// reason for failing.
func (w *RenderWorker) fail(job *model.RenderJob, err error, stack []string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reason := err.Error()
	if _, ferr := w.deps.Jobs.Fail(ctx, job.ID, reason, stack); ferr != nil {
		log.Error("failed to mark job as failed", zap.Error(ferr))
	}

	w.publishCtx(ctx, failedEvent(job, reason, w.now()), log)

	log.Error("render failed", zap.Error(err))
}

func failedEvent(job *model.RenderJob, reason string, at time.Time) model.Event {
	return model.Event{
		Type:      model.EventRenderFailed,
		JobID:     job.ID,
		Error:     reason,
		Metadata:  job.Metadata,
		OwnerRef:  job.OwnerRef,
		Timestamp: at,
	}
}

func (w *RenderWorker) publish(ev model.Event, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.publishCtx(ctx, ev, log)
}

func (w *RenderWorker) publishCtx(ctx context.Context, ev model.Event, log *zap.Logger) {
	if w.deps.Events == nil {
		return
	}
	if err := w.deps.Events.Publish(ctx, ev); err != nil {
		log.Error("failed to publish event", zap.String("type", ev.Type), zap.Error(err))
	}
}

// writeResult stores the result on the task so it is visible through the
// asynq inspector for the retention period.
func writeResult(t *asynq.Task, result *model.RenderResult, log *zap.Logger) {
	rw := t.ResultWriter()
	if rw == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if _, err := rw.Write(data); err != nil {
		log.Warn("failed to write task result", zap.Error(err))
	}
}

// ResolveRange defaults a missing range to the whole project and clamps the
// end to the project duration.
func ResolveRange(r *model.TimeRange, projectDuration float64) model.TimeRange {
	if r == nil {
		return model.TimeRange{Start: 0, End: projectDuration}
	}
	out := *r
	if out.Start < 0 {
		out.Start = 0
	}
	if out.End > projectDuration {
		out.End = projectDuration
	}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

// errorTrace lists the wrap chain of err, outermost first, followed by the
// stderr tail of any failed external process.
func errorTrace(err error) []string {
	var trace []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		trace = append(trace, e.Error())
	}
	var exit *ffmpeg.ExitError
	if errors.As(err, &exit) && exit.Stderr != "" {
		for _, line := range strings.Split(strings.TrimSpace(exit.Stderr), "\n") {
			trace = append(trace, exit.Binary+": "+line)
		}
	}
	return trace
}
