package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/reelforge/render/internal/model"
	"github.com/reelforge/render/internal/service"
	"go.uber.org/zap"
)

type fakeArchive struct {
	tasks []*asynq.TaskInfo
	pages []int
	err   error
}

func (f *fakeArchive) ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	page := len(f.pages) + 1
	f.pages = append(f.pages, page)
	start := (page - 1) * reconcilePageSize
	if start >= len(f.tasks) {
		return nil, nil
	}
	return f.tasks[start:min(start+reconcilePageSize, len(f.tasks))], nil
}

func archived(t *testing.T, jobID, lastErr string) *asynq.TaskInfo {
	t.Helper()
	payload, err := json.Marshal(model.RenderTaskPayload{JobID: jobID})
	if err != nil {
		t.Fatal(err)
	}
	return &asynq.TaskInfo{
		ID:      jobID,
		Type:    service.TaskTypeRender,
		Payload: payload,
		State:   asynq.TaskStateArchived,
		LastErr: lastErr,
	}
}

func newReconcilerFixture(t *testing.T, states map[string]model.JobState) (*Reconciler, *memStore, *fakeEvents, *fakeArchive) {
	t.Helper()
	st := &memStore{jobs: make(map[string]model.RenderJob)}
	for id, state := range states {
		_ = st.Save(context.Background(), &model.RenderJob{
			ID:       id,
			OwnerRef: model.OwnerRef{UserID: "u", ProjectID: "p"},
			State:    state,
		})
	}
	events := &fakeEvents{}
	archive := &fakeArchive{}
	r := NewReconciler(service.NewRenderService(st, nil, service.QueueOptions{}), archive, events, "renders", zap.NewNop())
	return r, st, events, archive
}

func TestReconcile_FailsOrphanedJobs(t *testing.T) {
	r, st, events, archive := newReconcilerFixture(t, map[string]model.JobState{
		"active":    model.JobStateActive,
		"waiting":   model.JobStateWaiting,
		"completed": model.JobStateCompleted,
		"failed":    model.JobStateFailed,
	})
	archive.tasks = []*asynq.TaskInfo{
		archived(t, "active", "asynq: task lease expired"),
		archived(t, "waiting", ""),
		archived(t, "completed", ""),
		archived(t, "failed", "render job-x: boom"),
		archived(t, "missing", ""),
		{ID: "other", Type: "email:send", Payload: []byte("{")},
	}

	n, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("failed %d jobs, want 2", n)
	}

	active, _ := st.Get(context.Background(), "active")
	if active.State != model.JobStateFailed || !strings.Contains(*active.Error, "task lease expired") {
		t.Errorf("active job: state=%s error=%v", active.State, active.Error)
	}
	if !strings.HasPrefix(*active.Error, ErrWorkerLost.Error()) {
		t.Errorf("error = %q", *active.Error)
	}
	completed, _ := st.Get(context.Background(), "completed")
	if completed.State != model.JobStateCompleted {
		t.Errorf("completed job changed to %s", completed.State)
	}

	if len(events.events) != 2 {
		t.Fatalf("events = %+v", events.events)
	}
	for _, ev := range events.events {
		if ev.Type != model.EventRenderFailed || ev.OwnerRef.ProjectID != "p" {
			t.Errorf("unexpected event %+v", ev)
		}
	}

	// A second pass finds nothing left to fail.
	archive.pages = nil
	if n, _ := r.Reconcile(context.Background()); n != 0 {
		t.Errorf("second pass failed %d jobs", n)
	}
}

func TestReconcile_Pages(t *testing.T) {
	states := map[string]model.JobState{}
	r, _, _, archive := newReconcilerFixture(t, states)
	for i := 0; i < reconcilePageSize+1; i++ {
		archive.tasks = append(archive.tasks, archived(t, "gone", ""))
	}

	if _, err := r.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(archive.pages) != 2 {
		t.Errorf("listed %d pages, want 2", len(archive.pages))
	}
}

func TestReconcile_ListError(t *testing.T) {
	r, _, _, archive := newReconcilerFixture(t, nil)
	archive.err = errors.New("redis down")

	if _, err := r.Reconcile(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
