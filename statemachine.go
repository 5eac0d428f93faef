package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// transitions is the authoritative edge table. processing is reachable
// only from serving; there is no privileged bypass edge.
var transitions = map[Status][]Status{
	StatusWaiting:    {StatusServing, StatusCancelled},
	StatusServing:    {StatusProcessing, StatusCompleted, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// elevatedEdge marks the two edges that need an elevated role:
// serving→processing, and serving→completed (the one in-table edge that
// bypasses the processing stage).
func elevatedEdge(from, to Status) bool {
	return from == StatusServing && (to == StatusProcessing || to == StatusCompleted)
}

type StateMachine struct {
	store       *Store
	auth        Authorizer
	broadcaster *Broadcaster
}

func NewStateMachine(store *Store, auth Authorizer, broadcaster *Broadcaster) *StateMachine {
	return &StateMachine{store: store, auth: auth, broadcaster: broadcaster}
}

func (sm *StateMachine) validateEdge(role string, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !sm.auth.Allow(role, from, to) {
		return fmt.Errorf("%w: role %q may not take %s -> %s", ErrInsufficientPrivilege, role, from, to)
	}
	return nil
}

func applyStatus(c *Customer, to Status, now time.Time) {
	c.Status = to
	if to == StatusServing {
		t := now
		c.ServedAt = &t
	}
	if to.Terminal() {
		t := now
		c.FinishedAt = &t
	}
}

// Transition applies one edge for a customer outside the counter-call
// flow. Leaving serving releases the bound counter in the same atomic
// write. Transitions into serving must go through the assignment manager
// so the counter pairing is established atomically.
func (sm *StateMachine) Transition(ctx context.Context, customerID string, to Status, role string) (*Customer, error) {
	return sm.transitionWith(ctx, customerID, to, role, nil)
}

// Cancel is Transition to cancelled with the reason recorded on the
// customer record.
func (sm *StateMachine) Cancel(ctx context.Context, customerID, reason, role string) (*Customer, error) {
	return sm.transitionWith(ctx, customerID, StatusCancelled, role, func(c *Customer) {
		c.CancelReason = reason
	})
}

func (sm *StateMachine) transitionWith(ctx context.Context, customerID string, to Status, role string, extra func(*Customer)) (*Customer, error) {
	if to == StatusServing {
		return nil, fmt.Errorf("%w: transition to serving goes through a counter call", ErrInvalidTransition)
	}

	cur, err := sm.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	from := cur.Status
	now := time.Now()

	var updated *Customer
	counterID := derefStr(cur.CounterID)
	if cur.Status == StatusServing && cur.CounterID != nil {
		updated, _, err = sm.store.UpdatePair(ctx, customerID, *cur.CounterID, func(c *Customer, ct *Counter) error {
			if c.CounterID == nil || *c.CounterID != ct.ID {
				return ErrConcurrentModification
			}
			if err := sm.validateEdge(role, c.Status, to); err != nil {
				return err
			}
			from = c.Status
			applyStatus(c, to, now)
			if extra != nil {
				extra(c)
			}
			c.CounterID = nil
			ct.CurrentCustomerID = nil
			return nil
		})
	} else {
		updated, err = sm.store.UpdateCustomer(ctx, customerID, func(c *Customer) error {
			if c.Status == StatusServing {
				// The counter binding appeared after our read.
				return ErrConcurrentModification
			}
			if err := sm.validateEdge(role, c.Status, to); err != nil {
				return err
			}
			from = c.Status
			applyStatus(c, to, now)
			if extra != nil {
				extra(c)
			}
			return nil
		})
	}
	if err != nil {
		return nil, err
	}

	sm.afterTransition(ctx, updated, from, counterID)
	return updated, nil
}

// afterTransition records the QueueEvent, feeds the estimator samples and
// triggers the broadcast. Runs after the mutation committed; failures here
// are logged and never unwind the write.
func (sm *StateMachine) afterTransition(ctx context.Context, c *Customer, from Status, counterID string) {
	ev := &QueueEvent{
		CustomerID: c.ID,
		FromStatus: from,
		ToStatus:   c.Status,
		Timestamp:  time.Now(),
	}
	if counterID != "" {
		ev.CounterID = &counterID
	}
	switch {
	case c.Status == StatusServing:
		ev.Type = EventCalled
		if c.ServedAt != nil {
			ev.WaitDuration = c.ServedAt.Sub(c.ArrivedAt)
		}
	case c.Status == StatusCompleted:
		ev.Type = EventCompleted
	case c.Status == StatusCancelled:
		ev.Type = EventCancelled
	default:
		ev.Type = EventStatusChanged
	}
	if c.Status.Terminal() && c.ServedAt != nil && c.FinishedAt != nil {
		ev.ServiceDuration = c.FinishedAt.Sub(*c.ServedAt)
	}

	if err := sm.store.AppendEvent(ctx, ev); err != nil {
		slog.Error("append queue event", "customerID", c.ID, "type", ev.Type, "error", err)
	}
	if c.Status == StatusCompleted && ev.ServiceDuration > 0 {
		if err := sm.store.RecordServiceSample(ctx, c.Tier(), ev.ServiceDuration); err != nil {
			slog.Error("record service sample", "customerID", c.ID, "error", err)
		}
	}

	sm.broadcaster.Publish(ctx, &BroadcastEvent{
		Type:        broadcastTypeFor(c.Status),
		CustomerID:  c.ID,
		CounterID:   counterID,
		PriorStatus: from,
		NewStatus:   c.Status,
	})
}

func broadcastTypeFor(to Status) string {
	switch to {
	case StatusServing:
		return BroadcastCustomerCalled
	case StatusCompleted:
		return BroadcastCustomerCompleted
	case StatusCancelled:
		return BroadcastCustomerCancelled
	}
	return BroadcastStatusChanged
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
