package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/shirou/gopsutil/v3/disk"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueInspector reports queue depth.
type QueueInspector interface {
	QueueStats(queue string) (*asynq.QueueInfo, error)
}

type HealthHandler struct {
	redis     Pinger
	inspector QueueInspector
	queue     string
	tempDir   string
	usage     func(path string) (*disk.UsageStat, error)
}

func NewHealthHandler(redis Pinger, inspector QueueInspector, queue, tempDir string) *HealthHandler {
	return &HealthHandler{
		redis:     redis,
		inspector: inspector,
		queue:     queue,
		tempDir:   tempDir,
		usage:     disk.Usage,
	}
}

// Check handles GET /health. It answers 503 when Redis is down.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := fiber.StatusOK

	redisOK := h.redis.Ping(ctx) == nil
	if !redisOK {
		status = "degraded"
		code = fiber.StatusServiceUnavailable
	}

	queue := fiber.Map{"name": h.queue, "available": false}
	if info, err := h.inspector.QueueStats(h.queue); err == nil {
		queue = fiber.Map{
			"name":      h.queue,
			"available": true,
			"pending":   info.Pending,
			"active":    info.Active,
			"completed": info.Completed,
			"failed":    info.Failed,
			"paused":    info.Paused,
		}
	}

	diskInfo := fiber.Map{"path": h.tempDir}
	if u, err := h.usage(h.tempDir); err == nil {
		diskInfo["freeMB"] = u.Free >> 20
		diskInfo["usedPercent"] = u.UsedPercent
	}

	return c.Status(code).JSON(fiber.Map{
		"status": status,
		"services": fiber.Map{
			"redis": redisOK,
			"queue": queue,
		},
		"disk": diskInfo,
	})
}
