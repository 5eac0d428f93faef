package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueueService is the intake boundary and the read side of the queue. New
// customers arrive already validated by the intake collaborator; the core
// assigns the token number and owns them from there.
type QueueService struct {
	store       *Store
	ordering    *OrderingEngine
	estimator   *Estimator
	broadcaster *Broadcaster
}

func NewQueueService(store *Store, ordering *OrderingEngine, estimator *Estimator, broadcaster *Broadcaster) *QueueService {
	return &QueueService{store: store, ordering: ordering, estimator: estimator, broadcaster: broadcaster}
}

func (qs *QueueService) RegisterCustomer(ctx context.Context, name string, senior, pregnant, pwd bool) (*Customer, error) {
	token, err := qs.store.NextToken(ctx)
	if err != nil {
		return nil, err
	}
	c := &Customer{
		ID:            uuid.New().String(),
		Name:          name,
		TokenNumber:   token,
		SeniorCitizen: senior,
		Pregnant:      pregnant,
		PWD:           pwd,
		Status:        StatusWaiting,
		ArrivedAt:     time.Now(),
	}
	if err := qs.store.CreateCustomer(ctx, c); err != nil {
		return nil, err
	}

	if err := qs.store.AppendEvent(ctx, &QueueEvent{
		CustomerID: c.ID,
		Type:       EventJoined,
		ToStatus:   StatusWaiting,
	}); err != nil {
		return nil, fmt.Errorf("record joined event: %w", err)
	}
	qs.broadcaster.Publish(ctx, &BroadcastEvent{
		Type:       BroadcastQueueReordered,
		CustomerID: c.ID,
		NewStatus:  StatusWaiting,
	})
	return c, nil
}

// UpdatePriority amends a waiting customer's priority flags (the intake
// collaborator corrects registrations). The rank recomputes atomically
// with the write.
func (qs *QueueService) UpdatePriority(ctx context.Context, customerID string, senior, pregnant, pwd bool) (*Customer, error) {
	c, err := qs.store.UpdateCustomer(ctx, customerID, func(c *Customer) error {
		if c.Status != StatusWaiting {
			return fmt.Errorf("%w: priority flags only change while waiting, customer is %s", ErrInvalidTransition, c.Status)
		}
		c.SeniorCitizen = senior
		c.Pregnant = pregnant
		c.PWD = pwd
		return nil
	})
	if err != nil {
		return nil, err
	}
	qs.broadcaster.Publish(ctx, &BroadcastEvent{
		Type:       BroadcastPriorityUpdated,
		CustomerID: c.ID,
		NewStatus:  c.Status,
	})
	return c, nil
}

func (qs *QueueService) Reorder(ctx context.Context, orderedIDs []string) error {
	if err := qs.ordering.Reorder(ctx, orderedIDs); err != nil {
		return err
	}
	qs.broadcaster.Publish(ctx, &BroadcastEvent{Type: BroadcastQueueReordered})
	return nil
}

func (qs *QueueService) Position(ctx context.Context, customerID string) (int, error) {
	return qs.ordering.Position(ctx, customerID)
}

func (qs *QueueService) EstimatedWait(ctx context.Context, customerID string) (time.Duration, int, error) {
	pos, err := qs.ordering.Position(ctx, customerID)
	if err != nil {
		return 0, 0, err
	}
	c, err := qs.store.GetCustomer(ctx, customerID)
	if err != nil {
		return 0, 0, err
	}
	wait, err := qs.estimator.ForCustomer(ctx, c, pos)
	if err != nil {
		return 0, 0, err
	}
	return wait, pos, nil
}
