package model

import "time"

// OwnerRef identifies the project branch a render belongs to.
type OwnerRef struct {
	UserID    string `json:"userId" validate:"required,max=128"`
	ProjectID string `json:"projectId" validate:"required,max=128"`
	BranchID  string `json:"branchId" validate:"required,max=128"`
}

// OutputSpec describes the artifact to produce.
type OutputSpec struct {
	Format          OutputFormat `json:"format" validate:"required,oneof=mp4 webm gif"`
	FPS             int          `json:"fps" validate:"required,min=1,max=120"`
	Quality         Quality      `json:"quality" validate:"required,oneof=low web social studio"`
	Range           *TimeRange   `json:"range,omitempty" validate:"omitempty"`
	ResolutionScale *float64     `json:"resolutionScale,omitempty" validate:"omitempty,gt=0,lte=1"`
	IncludeAudio    *bool        `json:"includeAudio,omitempty"`
	FastStart       bool         `json:"fastStart,omitempty"`
	UploadTarget    string       `json:"uploadTarget" validate:"required,url,upload_target"`
}

// AudioRequested reports whether the caller wants an audio track. Unset means yes.
func (o OutputSpec) AudioRequested() bool {
	return o.IncludeAudio == nil || *o.IncludeAudio
}

// Scale returns the resolution scale, defaulting to 1.
func (o OutputSpec) Scale() float64 {
	if o.ResolutionScale == nil {
		return 1
	}
	return *o.ResolutionScale
}

// JobMetadata is opaque provenance carried through to events.
type JobMetadata struct {
	Provenance string            `json:"provenance,omitempty" validate:"max=256"`
	Labels     map[string]string `json:"labels,omitempty" validate:"omitempty,max=32"`
}

// RenderStartRequest is the body of POST /renders.
type RenderStartRequest struct {
	OwnerRef OwnerRef    `json:"ownerRef" validate:"required"`
	Output   OutputSpec  `json:"output" validate:"required"`
	Metadata JobMetadata `json:"metadata"`
}

// RenderStartResponse is returned with 202 Accepted.
type RenderStartResponse struct {
	JobID string   `json:"jobId"`
	State JobState `json:"state"`
}

// RenderJob is the ledger record of a single render.
type RenderJob struct {
	ID           string        `json:"id"`
	OwnerRef     OwnerRef      `json:"ownerRef"`
	Output       OutputSpec    `json:"output"`
	Metadata     JobMetadata   `json:"metadata"`
	State        JobState      `json:"state"`
	Progress     int           `json:"progress"`
	CurrentStep  string        `json:"currentStep,omitempty"`
	AttemptsMade int           `json:"attemptsMade"`
	Result       *RenderResult `json:"result,omitempty"`
	Error        *string       `json:"error,omitempty"`
	Stacktrace   []string      `json:"stacktrace,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	ProcessedOn  *time.Time    `json:"processedOn,omitempty"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
}

// RenderResult is the return value of a completed render.
type RenderResult struct {
	StoragePath  string       `json:"storagePath"`
	Format       OutputFormat `json:"format"`
	Width        int          `json:"width"`
	Height       int          `json:"height"`
	Duration     float64      `json:"duration"`
	Frames       int          `json:"frames"`
	HasAudio     bool         `json:"hasAudio"`
	AudioEntries int          `json:"audioEntries"`
	Bytes        int64        `json:"bytes"`
}

// JobStatusResponse is returned by GET /jobs/:id.
type JobStatusResponse struct {
	ID           string        `json:"id"`
	State        JobState      `json:"state"`
	Progress     int           `json:"progress"`
	AttemptsMade int           `json:"attemptsMade"`
	FailedReason *string       `json:"failedReason"`
	ReturnValue  *RenderResult `json:"returnValue"`
	ProcessedOn  *time.Time    `json:"processedOn"`
	FinishedOn   *time.Time    `json:"finishedOn"`
}

// RenderTaskPayload is the asynq task body.
type RenderTaskPayload struct {
	JobID string `json:"jobId"`
}

// Event announces a terminal job state to external consumers.
type Event struct {
	Type      string        `json:"type"`
	JobID     string        `json:"jobId"`
	Result    *RenderResult `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Metadata  JobMetadata   `json:"metadata"`
	OwnerRef  OwnerRef      `json:"ownerRef"`
	Timestamp time.Time     `json:"timestamp"`
}

// UploadPresignRequest is the body of POST /uploads/presign.
type UploadPresignRequest struct {
	ProjectID string       `json:"projectId" validate:"required,max=128"`
	Format    OutputFormat `json:"format" validate:"required,oneof=mp4 webm gif"`
}

// UploadPresignResponse carries a signed PUT URL usable as uploadTarget.
type UploadPresignResponse struct {
	UploadURL string    `json:"uploadUrl"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}
