package app

import (
	"context"

	"github.com/vadim/unified-comms/internal/queue"
	"github.com/vadim/unified-comms/internal/tenant"
)

// taskRegistrar is implemented by the inline publisher and the rabbit consumer
type taskRegistrar interface {
	Register(taskType string, h queue.Handler)
}

// registerTasks binds background task handlers to whichever side runs them
func (a *App) registerTasks() {
	var targets []taskRegistrar
	if inline, ok := a.publisher.(*queue.InlinePublisher); ok {
		targets = append(targets, inline)
	}
	if a.consumer != nil {
		targets = append(targets, a.consumer)
	}

	for _, t := range targets {
		t.Register(queue.TaskContactResolution, a.handleContactResolution)
		t.Register(queue.TaskContactHistorySync, a.handleContactHistorySync)
	}
}

// handleContactResolution links a stored message to its CRM contact
func (a *App) handleContactResolution(ctx context.Context, task queue.Task) error {
	var data queue.ContactResolutionData
	if err := task.Decode(&data); err != nil {
		return err
	}
	return tenant.Run(ctx, a.repos.switcher, task.Schema, func(tc tenant.Context) error {
		return a.participants.LinkMessage(ctx, tc, data)
	})
}

// handleContactHistorySync backfills the history of a newly linked contact
func (a *App) handleContactHistorySync(ctx context.Context, task queue.Task) error {
	var data queue.ContactHistorySyncData
	if err := task.Decode(&data); err != nil {
		return err
	}
	return tenant.Run(ctx, a.repos.switcher, task.Schema, func(tc tenant.Context) error {
		return a.orchestrator.HandleTask(ctx, tc, data, task.Meta.ID)
	})
}
