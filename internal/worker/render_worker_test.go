package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/reelforge/render/internal/audio"
	"github.com/reelforge/render/internal/compositor"
	"github.com/reelforge/render/internal/encoder"
	"github.com/reelforge/render/internal/ffmpeg"
	"github.com/reelforge/render/internal/model"
	"github.com/reelforge/render/internal/service"
	"github.com/reelforge/render/internal/store"
	"go.uber.org/zap"
)

const uploadTarget = "https://acct.r2.cloudflarestorage.com/bucket/out.mp4?X-Amz-Signature=abc"

type memStore struct {
	mu   sync.Mutex
	jobs map[string]model.RenderJob
}

func (m *memStore) Save(_ context.Context, job *model.RenderJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*model.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &job, nil
}

func (m *memStore) Update(_ context.Context, id string, fn func(*model.RenderJob) error) (*model.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := fn(&job); err != nil {
		return nil, err
	}
	m.jobs[id] = job
	return &job, nil
}

type fakeProjects struct {
	project *model.Project
	calls   int
	panic   bool
}

func (f *fakeProjects) Hydrate(_ context.Context, _ model.OwnerRef) (*model.Project, error) {
	f.calls++
	if f.panic {
		panic("boom")
	}
	return f.project, nil
}

// fakeFrames counts every frame it renders, including ones never consumed.
type fakeFrames struct {
	rendered atomic.Int64
}

func (*fakeFrames) Sanitize(p *model.Project) *model.Project { return p }

func (f *fakeFrames) Stream(ctx context.Context, spec compositor.Spec, out chan<- compositor.Frame) error {
	defer close(out)
	n := compositor.FrameCount(spec.Range, spec.FPS)
	for i := 0; i < n; i++ {
		f.rendered.Add(1)
		select {
		case out <- compositor.Frame{Index: i, Time: compositor.FrameTime(spec.Range, spec.FPS, i), Data: []byte("png")}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type fakeEncoder struct {
	err   error
	block bool
	opts  encoder.Options
}

func (f *fakeEncoder) EncodeStream(ctx context.Context, frames <-chan compositor.Frame, opts encoder.Options, outPath string, onFrame func(n int)) (int, error) {
	f.opts = opts
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if f.err != nil {
		return 0, f.err
	}
	n := 0
	for range frames {
		n++
		onFrame(n)
	}
	return n, os.WriteFile(outPath, []byte("video"), 0o644)
}

type fakeMerger struct {
	req audio.Request
}

func (f *fakeMerger) Merge(_ context.Context, req audio.Request) (audio.Outcome, error) {
	f.req = req
	if req.Format == model.FormatGIF {
		return audio.Outcome{Skipped: true, Reason: audio.SkipFormat}, nil
	}
	return audio.Outcome{Entries: 2}, nil
}

type fakeUploader struct {
	target      string
	contentType string
}

func (f *fakeUploader) Put(_ context.Context, target, path, contentType string) (int64, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	f.target = target
	f.contentType = contentType
	return 42, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []model.Event
}

func (f *fakeEvents) Publish(_ context.Context, ev model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakeHub struct {
	mu       sync.Mutex
	progress []int
}

func (f *fakeHub) BroadcastProgress(_ string, progress int, _ model.JobState, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
}

type harness struct {
	worker   *RenderWorker
	store    *memStore
	projects *fakeProjects
	frames   *fakeFrames
	encoder  *fakeEncoder
	merger   *fakeMerger
	uploader *fakeUploader
	events   *fakeEvents
	hub      *fakeHub
	tempDir  string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	st := &memStore{jobs: make(map[string]model.RenderJob)}
	h := &harness{
		store: st,
		projects: &fakeProjects{project: &model.Project{
			Resolution: model.Resolution{Width: 1280, Height: 720},
			FPS:        30,
			Layers: []model.Layer{
				{Type: model.LayerText, Clips: []model.Clip{{ID: "t", Start: 0, Duration: 1, Text: "hi"}}},
			},
		}},
		frames:   &fakeFrames{},
		encoder:  &fakeEncoder{},
		merger:   &fakeMerger{},
		uploader: &fakeUploader{},
		events:   &fakeEvents{},
		hub:      &fakeHub{},
		tempDir:  t.TempDir(),
	}
	opts.TempDir = h.tempDir
	h.worker = NewRenderWorker(Deps{
		Jobs:     service.NewRenderService(st, nil, service.QueueOptions{}),
		Projects: h.projects,
		Frames:   h.frames,
		Encoder:  h.encoder,
		Audio:    h.merger,
		Uploader: h.uploader,
		Events:   h.events,
		Hub:      h.hub,
	}, opts, zap.NewNop())
	h.worker.freeDisk = func(string) (uint64, error) { return 10 << 30, nil }
	return h
}

func (h *harness) addJob(t *testing.T, id string, output model.OutputSpec) *asynq.Task {
	t.Helper()
	if output.UploadTarget == "" {
		output.UploadTarget = uploadTarget
	}
	_ = h.store.Save(context.Background(), &model.RenderJob{
		ID:       id,
		OwnerRef: model.OwnerRef{UserID: "u", ProjectID: "p", BranchID: "main"},
		Output:   output,
		Metadata: model.JobMetadata{Provenance: "test"},
		State:    model.JobStateWaiting,
	})
	payload, _ := json.Marshal(model.RenderTaskPayload{JobID: id})
	return asynq.NewTask(service.TaskTypeRender, payload)
}

func (h *harness) job(t *testing.T, id string) *model.RenderJob {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("job %s: %v", id, err)
	}
	return job
}

func mp4Output() model.OutputSpec {
	return model.OutputSpec{Format: model.FormatMP4, FPS: 10, Quality: model.QualityWeb}
}

func TestProcessTask_Success(t *testing.T) {
	h := newHarness(t, Options{})
	task := h.addJob(t, "job-1", mp4Output())

	if err := h.worker.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	job := h.job(t, "job-1")
	if job.State != model.JobStateCompleted || job.Progress != 100 {
		t.Fatalf("state=%s progress=%d", job.State, job.Progress)
	}
	r := job.Result
	if r == nil {
		t.Fatal("expected result")
	}
	if r.Frames != 10 || r.Width != 1280 || r.Height != 720 || r.Bytes != 42 {
		t.Errorf("unexpected result %+v", r)
	}
	if !r.HasAudio || r.AudioEntries != 2 || r.StoragePath != "bucket/out.mp4" {
		t.Errorf("unexpected result %+v", r)
	}
	if r.Duration != 1 {
		t.Errorf("Duration = %v, want range duration 1", r.Duration)
	}
	if h.uploader.target != uploadTarget || h.uploader.contentType != "video/mp4" {
		t.Errorf("upload target=%q type=%q", h.uploader.target, h.uploader.contentType)
	}
	if !h.merger.req.IncludeAudio || h.merger.req.Range.End != 1 {
		t.Errorf("unexpected merge request %+v", h.merger.req)
	}

	if len(h.events.events) != 1 || h.events.events[0].Type != model.EventRenderCompleted {
		t.Fatalf("events = %+v", h.events.events)
	}
	if h.events.events[0].Metadata.Provenance != "test" || h.events.events[0].OwnerRef.BranchID != "main" {
		t.Errorf("event lost job context: %+v", h.events.events[0])
	}

	last := 0
	for _, p := range h.hub.progress {
		if p < last {
			t.Fatalf("progress went backwards: %v", h.hub.progress)
		}
		last = p
	}
	if last != 100 {
		t.Errorf("final broadcast = %d, want 100", last)
	}

	entries, _ := os.ReadDir(h.tempDir)
	if len(entries) != 0 {
		t.Errorf("work dir not released: %v", entries)
	}
}

func TestProcessTask_ScaledGIF(t *testing.T) {
	h := newHarness(t, Options{})
	scale := 0.5
	output := model.OutputSpec{
		Format:          model.FormatGIF,
		FPS:             10,
		Quality:         model.QualityLow,
		Range:           &model.TimeRange{Start: 0.5, End: 5},
		ResolutionScale: &scale,
	}
	task := h.addJob(t, "job-gif", output)

	if err := h.worker.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}
	r := h.job(t, "job-gif").Result
	if r.HasAudio || r.Frames != 5 || r.Width != 640 || r.Height != 360 {
		t.Errorf("unexpected result %+v", r)
	}
	if h.encoder.opts.Format != model.FormatGIF || h.uploader.contentType != "image/gif" {
		t.Errorf("encoder format=%s content type=%s", h.encoder.opts.Format, h.uploader.contentType)
	}
}

func TestProcessTask_EncodeFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.encoder.err = &ffmpeg.ExitError{Binary: "ffmpeg", Code: 1, Stderr: "Unknown encoder 'libx264'"}
	task := h.addJob(t, "job-2", mp4Output())

	err := h.worker.ProcessTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	job := h.job(t, "job-2")
	if job.State != model.JobStateFailed || job.Error == nil {
		t.Fatalf("state=%s error=%v", job.State, job.Error)
	}
	if !strings.Contains(strings.Join(job.Stacktrace, "\n"), "ffmpeg: Unknown encoder") {
		t.Errorf("stacktrace missing stderr: %v", job.Stacktrace)
	}
	if len(h.events.events) != 1 || h.events.events[0].Type != model.EventRenderFailed {
		t.Errorf("events = %+v", h.events.events)
	}
}

func TestProcessTask_EncodeFailureStopsCompositor(t *testing.T) {
	h := newHarness(t, Options{FrameBuffer: 4, JobTimeout: 10 * time.Second})
	h.projects.project.Layers[0].Clips[0].Duration = 60
	h.encoder.err = &ffmpeg.ExitError{Binary: "ffmpeg", Code: 1, Stderr: "pipe:0: Invalid data"}
	output := mp4Output()
	output.FPS = 30
	task := h.addJob(t, "job-long", output)

	if err := h.worker.ProcessTask(context.Background(), task); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	if n := h.frames.rendered.Load(); n > 8 {
		t.Errorf("compositor rendered %d of 1800 frames after the encoder failed", n)
	}
	job := h.job(t, "job-long")
	if job.State != model.JobStateFailed {
		t.Fatalf("state=%s", job.State)
	}
	if strings.Contains(*job.Error, ErrJobTimeout.Error()) || !strings.Contains(*job.Error, "render video") {
		t.Errorf("error = %q, want an encode failure", *job.Error)
	}
}

func TestProcessTask_Timeout(t *testing.T) {
	h := newHarness(t, Options{JobTimeout: 20 * time.Millisecond})
	h.encoder.block = true
	task := h.addJob(t, "job-3", mp4Output())

	err := h.worker.ProcessTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	job := h.job(t, "job-3")
	if job.State != model.JobStateFailed || !strings.Contains(*job.Error, ErrJobTimeout.Error()) {
		t.Errorf("state=%s error=%v", job.State, job.Error)
	}
}

func TestProcessTask_Panic(t *testing.T) {
	h := newHarness(t, Options{})
	h.projects.panic = true
	task := h.addJob(t, "job-4", mp4Output())

	if err := h.worker.ProcessTask(context.Background(), task); err == nil {
		t.Fatal("expected error")
	}
	job := h.job(t, "job-4")
	if job.State != model.JobStateFailed || !strings.Contains(*job.Error, "panic: boom") {
		t.Errorf("state=%s error=%v", job.State, job.Error)
	}
	if len(job.Stacktrace) == 0 {
		t.Error("expected stack trace")
	}
}

func TestProcessTask_InsufficientDisk(t *testing.T) {
	h := newHarness(t, Options{MinFreeDiskMB: 512})
	h.worker.freeDisk = func(string) (uint64, error) { return 1 << 20, nil }
	task := h.addJob(t, "job-5", mp4Output())

	_ = h.worker.ProcessTask(context.Background(), task)
	job := h.job(t, "job-5")
	if job.State != model.JobStateFailed || !strings.Contains(*job.Error, ErrInsufficientDisk.Error()) {
		t.Errorf("state=%s error=%v", job.State, job.Error)
	}
	if h.projects.calls != 0 {
		t.Error("project should not be hydrated")
	}
}

func TestProcessTask_EmptyRange(t *testing.T) {
	h := newHarness(t, Options{})
	output := mp4Output()
	output.Range = &model.TimeRange{Start: 3, End: 4}
	task := h.addJob(t, "job-6", output)

	_ = h.worker.ProcessTask(context.Background(), task)
	job := h.job(t, "job-6")
	if job.State != model.JobStateFailed || !strings.Contains(*job.Error, ErrEmptyRange.Error()) {
		t.Errorf("state=%s error=%v", job.State, job.Error)
	}
}

func TestProcessTask_AlreadyTerminal(t *testing.T) {
	h := newHarness(t, Options{})
	task := h.addJob(t, "job-7", mp4Output())
	_ = h.store.Save(context.Background(), &model.RenderJob{ID: "job-7", State: model.JobStateCompleted})

	if err := h.worker.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("expected nil for terminal job, got %v", err)
	}
	if h.projects.calls != 0 {
		t.Error("terminal job must not run again")
	}
}

func TestProcessTask_RedeliveredActiveJobFails(t *testing.T) {
	h := newHarness(t, Options{})
	task := h.addJob(t, "job-8", mp4Output())
	_, _ = h.store.Update(context.Background(), "job-8", func(job *model.RenderJob) error {
		job.State = model.JobStateActive
		job.Progress = 40
		return nil
	})

	err := h.worker.ProcessTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
	if h.projects.calls != 0 {
		t.Error("lost job must not be rendered again")
	}

	job := h.job(t, "job-8")
	if job.State != model.JobStateFailed || *job.Error != ErrWorkerLost.Error() {
		t.Fatalf("state=%s error=%v", job.State, job.Error)
	}
	if len(h.events.events) != 1 || h.events.events[0].Type != model.EventRenderFailed {
		t.Fatalf("events = %+v", h.events.events)
	}
	if ev := h.events.events[0]; ev.JobID != "job-8" || ev.OwnerRef.ProjectID != "p" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestProcessTask_BadPayload(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.worker.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypeRender, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry, got %v", err)
	}
}

func TestResolveRange(t *testing.T) {
	tests := []struct {
		name string
		in   *model.TimeRange
		want model.TimeRange
	}{
		{"default", nil, model.TimeRange{Start: 0, End: 10}},
		{"inside", &model.TimeRange{Start: 2, End: 4}, model.TimeRange{Start: 2, End: 4}},
		{"clamped end", &model.TimeRange{Start: 2, End: 40}, model.TimeRange{Start: 2, End: 10}},
		{"past end", &model.TimeRange{Start: 12, End: 14}, model.TimeRange{Start: 12, End: 12}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveRange(tt.in, 10); got != tt.want {
				t.Errorf("ResolveRange() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
