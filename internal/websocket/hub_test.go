package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/reelforge/render/internal/model"
	"go.uber.org/zap"
)

func receive(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("invalid message: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestHub_RoutesByJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(zap.NewNop())
	go h.Run(ctx)

	a := &Client{JobID: "a", Send: make(chan []byte, 4)}
	b := &Client{JobID: "b", Send: make(chan []byte, 4)}
	h.Register(a)
	h.Register(b)

	h.BroadcastProgress("a", 42, model.JobStateActive, "frames")
	msg := receive(t, a)
	if msg["type"] != model.WSMessageTypeProgress || msg["progress"] != float64(42) || msg["state"] != "active" {
		t.Errorf("unexpected message %v", msg)
	}

	h.BroadcastEvent(model.Event{Type: model.EventRenderFailed, JobID: "b", Error: "boom"})
	msg = receive(t, b)
	if msg["type"] != model.EventRenderFailed || msg["error"] != "boom" {
		t.Errorf("unexpected message %v", msg)
	}

	select {
	case extra := <-a.Send:
		t.Errorf("client a received a message for job b: %s", extra)
	default:
	}
}

func TestHub_Unregister(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := NewHub(zap.NewNop())
	go h.Run(ctx)

	c := &Client{JobID: "a", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Unregister(c)

	if _, ok := <-c.Send; ok {
		t.Error("send channel should be closed after unregister")
	}
	if n := h.Subscribers("a"); n != 0 {
		t.Errorf("expected no subscribers, got %d", n)
	}
}
