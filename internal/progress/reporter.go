// Package progress delivers out-of-band task progress events. Events are
// ephemeral: they ride a pub/sub channel and are never used as authoritative
// task state.
package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/crossdock/pricing-engine/internal/cache"
)

// Stages reported over the lifetime of a task.
const (
	StageProcessing = "processing"
	StageFallback   = "fallback"
	StageFinished   = "finished"
	StageFailed     = "failed"
)

// Update is a single progress event for one task.
type Update struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// Reporter pushes progress updates for a task. Implementations must be safe
// for concurrent use.
type Reporter interface {
	Publish(ctx context.Context, taskID uuid.UUID, update Update)
}

// ChannelName returns the pub/sub channel carrying a task's progress events.
func ChannelName(taskID uuid.UUID) string {
	return fmt.Sprintf("task:%s:progress", taskID)
}

// PubSubReporter publishes updates over a message channel (Redis in
// production). Delivery is best effort: a failed publish is logged by the
// caller's logger, never surfaced to the task.
type PubSubReporter struct {
	pub cache.Publisher
}

// NewPubSubReporter creates a reporter backed by the given publisher.
func NewPubSubReporter(pub cache.Publisher) *PubSubReporter {
	return &PubSubReporter{pub: pub}
}

// Publish sends the update to the task's progress channel.
func (r *PubSubReporter) Publish(ctx context.Context, taskID uuid.UUID, update Update) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	_ = r.pub.Publish(ctx, ChannelName(taskID), payload)
}

// NopReporter discards all updates.
type NopReporter struct{}

// Publish discards the update.
func (NopReporter) Publish(context.Context, uuid.UUID, Update) {}

// Watch subscribes to a task's progress channel and decodes updates until the
// context is done or the subscription closes.
func Watch(ctx context.Context, sub cache.Subscriber, taskID uuid.UUID) (<-chan Update, func(), error) {
	raw, cancel, err := sub.Subscribe(ctx, ChannelName(taskID))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe progress: %w", err)
	}

	out := make(chan Update, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-raw:
				if !ok {
					return
				}
				var u Update
				if err := json.Unmarshal(payload, &u); err != nil {
					continue
				}
				out <- u
			}
		}
	}()

	return out, cancel, nil
}

// Task ids travel in the context so lower layers (the query router) can tag
// their warnings without widening call signatures.
type contextKey string

const taskIDKey contextKey = "task_id"

// ContextWithTaskID attaches a task id to the context.
func ContextWithTaskID(ctx context.Context, taskID uuid.UUID) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskIDFromContext extracts the task id from the context, if present.
func TaskIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if v := ctx.Value(taskIDKey); v != nil {
		if id, ok := v.(uuid.UUID); ok {
			return id, true
		}
	}
	return uuid.Nil, false
}
