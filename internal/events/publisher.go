// Package events forwards terminal job events from workers to external
// consumers. Workers write into a bounded channel; a single publisher
// goroutine drains it and fans each event out to the configured sinks.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/reelforge/render/internal/model"
	"go.uber.org/zap"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("publisher closed")

// Sink receives every published event.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev model.Event) error
}

// Publisher decouples event producers from sink delivery.
type Publisher struct {
	ch    chan model.Event
	sinks []Sink
	log   *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewPublisher creates a publisher with a channel of the given capacity.
func NewPublisher(buffer int, log *zap.Logger, sinks ...Sink) *Publisher {
	if buffer < 1 {
		buffer = 1
	}
	return &Publisher{
		ch:    make(chan model.Event, buffer),
		sinks: sinks,
		log:   log.Named("events"),
		done:  make(chan struct{}),
	}
}

// Publish queues ev. It blocks while the buffer is full, until ctx is done.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers events until Close is called and the buffer is drained.
// Sink failures are logged; they never block other sinks.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	for ev := range p.ch {
		for _, sink := range p.sinks {
			if err := sink.Deliver(ctx, ev); err != nil {
				p.log.Error("event delivery failed",
					zap.String("sink", sink.Name()),
					zap.String("type", ev.Type),
					zap.String("job_id", ev.JobID),
					zap.Error(err),
				)
			}
		}
	}
}

// Close stops accepting events and waits for Run to drain the buffer.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()
	<-p.done
}
