package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/reelforge/render/internal/model"
	"go.uber.org/zap"
)

// TopicSink publishes events as JSON on a Redis pub/sub channel.
type TopicSink struct {
	redis *redis.Client
	topic string
}

func NewTopicSink(redisClient *redis.Client, topic string) *TopicSink {
	return &TopicSink{redis: redisClient, topic: topic}
}

func (s *TopicSink) Name() string { return "topic:" + s.topic }

func (s *TopicSink) Deliver(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.redis.Publish(ctx, s.topic, data).Err()
}

// Broadcaster is satisfied by the websocket hub.
type Broadcaster interface {
	BroadcastEvent(ev model.Event)
}

// HubSink pushes events to websocket subscribers of the job.
type HubSink struct {
	hub Broadcaster
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "websocket" }

func (s *HubSink) Deliver(_ context.Context, ev model.Event) error {
	s.hub.BroadcastEvent(ev)
	return nil
}

// AssetRegistrar records a finished artifact and returns its asset id.
type AssetRegistrar interface {
	Register(ctx context.Context, storagePath string, metadata map[string]interface{}) (string, error)
}

// RegistrationSink registers the artifact of every completed render. Other
// event types are ignored.
type RegistrationSink struct {
	assets AssetRegistrar
	log    *zap.Logger
}

func NewRegistrationSink(assets AssetRegistrar, log *zap.Logger) *RegistrationSink {
	return &RegistrationSink{assets: assets, log: log}
}

func (s *RegistrationSink) Name() string { return "asset-registration" }

func (s *RegistrationSink) Deliver(ctx context.Context, ev model.Event) error {
	if ev.Type != model.EventRenderCompleted || ev.Result == nil {
		return nil
	}

	metadata := map[string]interface{}{
		"jobId":      ev.JobID,
		"userId":     ev.OwnerRef.UserID,
		"projectId":  ev.OwnerRef.ProjectID,
		"branchId":   ev.OwnerRef.BranchID,
		"format":     ev.Result.Format,
		"width":      ev.Result.Width,
		"height":     ev.Result.Height,
		"duration":   ev.Result.Duration,
		"hasAudio":   ev.Result.HasAudio,
		"bytes":      ev.Result.Bytes,
		"provenance": ev.Metadata.Provenance,
	}
	for k, v := range ev.Metadata.Labels {
		if _, taken := metadata[k]; !taken {
			metadata[k] = v
		}
	}

	assetID, err := s.assets.Register(ctx, ev.Result.StoragePath, metadata)
	if err != nil {
		return fmt.Errorf("register asset for job %s: %w", ev.JobID, err)
	}
	s.log.Info("asset registered", zap.String("job_id", ev.JobID), zap.String("asset_id", assetID))
	return nil
}
