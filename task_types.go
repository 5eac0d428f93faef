package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	TypeBroadcastPublish = "broadcast:publish"
	TypeNotifyCustomer   = "notify:customer"
	TypeDailyReset       = "queue:daily_reset"
)

// Task payloads
type NotifyCustomerPayload struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Message    string `json:"message"`
	Type       string `json:"type"`
}

type DailyResetPayload struct {
	Reason string `json:"reason"`
}

func NewBroadcastTask(ev *BroadcastEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeBroadcastPublish, payload, asynq.Queue("critical")), nil
}

func NewNotifyCustomerTask(p NotifyCustomerPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeNotifyCustomer, payload), nil
}

func NewDailyResetTask(reason string) (*asynq.Task, error) {
	payload, err := json.Marshal(DailyResetPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeDailyReset, payload, asynq.Queue("low"), asynq.MaxRetry(3)), nil
}

// Task handlers

// HandleBroadcastPublish pushes one committed event to the realtime
// channel. Delivery is at-least-once and best-effort: a failed publish is
// logged and dropped, never fed back into asynq's retry loop.
func (h *Handlers) HandleBroadcastPublish(ctx context.Context, t *asynq.Task) error {
	var ev BroadcastEvent
	if err := json.Unmarshal(t.Payload(), &ev); err != nil {
		return err
	}
	if err := h.pubnub.PublishQueueEvent(ctx, &ev); err != nil {
		slog.Error("broadcast publish", "type", ev.Type, "sequence", ev.Sequence, "error", err)
	}
	return nil
}

func (h *Handlers) HandleNotifyCustomer(ctx context.Context, t *asynq.Task) error {
	var payload NotifyCustomerPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	if err := h.pubnub.SendToCustomer(ctx, payload.CustomerID, payload); err != nil {
		slog.Error("notify customer", "customerID", payload.CustomerID, "error", err)
	}
	return nil
}

// HandleDailyReset runs the scheduled end-of-day job. Lock contention
// means another instance won the day; that is not a failure.
func (h *Handlers) HandleDailyReset(ctx context.Context, t *asynq.Task) error {
	var payload DailyResetPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	reason := payload.Reason
	if reason == "" {
		reason = "scheduled"
	}
	err := h.reset.Run(ctx, reason)
	if errors.Is(err, ErrSchedulerLockContention) {
		slog.Info("daily reset held elsewhere", "error", err)
		return nil
	}
	return err
}
