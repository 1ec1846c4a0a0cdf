package queue

import (
	"context"
	"log/slog"
	"sync"
)

// InlinePublisher runs tasks in-process on a goroutine; used when no broker is configured
type InlinePublisher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewInlinePublisher creates an in-process publisher
func NewInlinePublisher(logger *slog.Logger) *InlinePublisher {
	return &InlinePublisher{handlers: make(map[string]Handler), logger: logger}
}

// Register binds a handler to a task type
func (p *InlinePublisher) Register(taskType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = h
}

// Enqueue runs the task's handler in the background; unknown types are skipped
func (p *InlinePublisher) Enqueue(ctx context.Context, task Task) error {
	p.mu.RLock()
	h, ok := p.handlers[task.Meta.Type]
	p.mu.RUnlock()
	if !ok {
		p.logger.Warn("inline publisher: skipped task", "type", task.Meta.Type)
		return nil
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := h(context.WithoutCancel(ctx), task); err != nil {
			p.logger.Error("inline task failed", "type", task.Meta.Type, "task_id", task.Meta.ID, "error", err)
		}
	}()
	return nil
}

// Close waits for running tasks
func (p *InlinePublisher) Close() error {
	p.wg.Wait()
	return nil
}
