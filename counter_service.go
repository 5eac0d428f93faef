package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// errAlreadyBound signals inside a claim transaction that the exact
// requested assignment already committed; the retry returns it instead of
// writing a duplicate.
var errAlreadyBound = errors.New("assignment already committed")

// CounterService is the counter assignment manager. Every customer/counter
// pairing change is one atomic write; retried calls never double-assign.
type CounterService struct {
	store    *Store
	ordering *OrderingEngine
	sm       *StateMachine
	bus      EventBus
}

func NewCounterService(store *Store, ordering *OrderingEngine, sm *StateMachine, bus EventBus) *CounterService {
	return &CounterService{store: store, ordering: ordering, sm: sm, bus: bus}
}

func (cs *CounterService) guardMaintenance(ctx context.Context) error {
	on, err := cs.store.InMaintenance(ctx)
	if err != nil {
		return err
	}
	if on {
		return ErrMaintenanceInProgress
	}
	return nil
}

// CallNext binds the top-ranked waiting customer to the counter. If a
// concurrent terminal claims the candidate first, the next one is tried.
// A counter that is already serving someone reports the existing binding
// alongside ErrCounterUnavailable so a timed-out caller can reconcile.
func (cs *CounterService) CallNext(ctx context.Context, counterID, role string) (*Assignment, error) {
	if err := cs.guardMaintenance(ctx); err != nil {
		return nil, err
	}

	ct, err := cs.store.GetCounter(ctx, counterID)
	if err != nil {
		return nil, err
	}
	if !ct.Active {
		return nil, fmt.Errorf("%w: counter %s is inactive", ErrCounterUnavailable, counterID)
	}
	if ct.CurrentCustomerID != nil {
		bound, berr := cs.store.GetCustomer(ctx, *ct.CurrentCustomerID)
		if berr != nil {
			return nil, fmt.Errorf("%w: counter %s is busy", ErrCounterUnavailable, counterID)
		}
		return &Assignment{Customer: bound, Counter: ct},
			fmt.Errorf("%w: counter %s already serving %s", ErrCounterUnavailable, counterID, bound.ID)
	}

	order, err := cs.ordering.WaitingOrder(ctx)
	if err != nil {
		return nil, err
	}
	if len(order) == 0 {
		return nil, ErrQueueEmpty
	}

	for _, candidate := range order {
		asg, err := cs.claim(ctx, candidate.ID, counterID, role)
		if err == nil {
			return asg, nil
		}
		if errors.Is(err, ErrCustomerAlreadyAssigned) || errors.Is(err, ErrCustomerNotFound) {
			// Lost the race for this candidate; the order guarantees we
			// never skip anyone still waiting.
			continue
		}
		return nil, err
	}
	return nil, ErrQueueEmpty
}

// CallSpecific binds one named waiting customer to the counter. The
// customer's status is re-validated inside the transaction immediately
// before committing. An exact retry of a committed call returns the
// existing assignment without a new QueueEvent.
func (cs *CounterService) CallSpecific(ctx context.Context, customerID, counterID, role string) (*Assignment, error) {
	if err := cs.guardMaintenance(ctx); err != nil {
		return nil, err
	}
	asg, err := cs.claim(ctx, customerID, counterID, role)
	if errors.Is(err, errAlreadyBound) {
		return cs.currentAssignment(ctx, customerID, counterID)
	}
	return asg, err
}

func (cs *CounterService) claim(ctx context.Context, customerID, counterID, role string) (*Assignment, error) {
	now := time.Now()
	var from Status
	c, ct, err := cs.store.ClaimPair(ctx, customerID, counterID, func(c *Customer, ct *Counter) error {
		if c.Status == StatusServing && c.CounterID != nil && *c.CounterID == ct.ID &&
			ct.CurrentCustomerID != nil && *ct.CurrentCustomerID == c.ID {
			return errAlreadyBound
		}
		if !ct.Active {
			return fmt.Errorf("%w: counter %s is inactive", ErrCounterUnavailable, ct.ID)
		}
		if ct.CurrentCustomerID != nil {
			return fmt.Errorf("%w: counter %s already serving %s", ErrCounterUnavailable, ct.ID, *ct.CurrentCustomerID)
		}
		if c.Status != StatusWaiting {
			return fmt.Errorf("%w: customer %s is %s", ErrCustomerAlreadyAssigned, c.ID, c.Status)
		}
		if err := cs.sm.validateEdge(role, c.Status, StatusServing); err != nil {
			return err
		}
		from = c.Status
		applyStatus(c, StatusServing, now)
		c.CounterID = &ct.ID
		ct.CurrentCustomerID = &c.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	cs.sm.afterTransition(ctx, c, from, ct.ID)
	cs.notifyCustomer(c.ID, fmt.Sprintf("Token %d: please proceed to %s", c.TokenNumber, ct.Name), "called")
	return &Assignment{Customer: c, Counter: ct}, nil
}

func (cs *CounterService) currentAssignment(ctx context.Context, customerID, counterID string) (*Assignment, error) {
	c, err := cs.store.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	ct, err := cs.store.GetCounter(ctx, counterID)
	if err != nil {
		return nil, err
	}
	return &Assignment{Customer: c, Counter: ct}, nil
}

// CompleteService releases the counter and moves the customer on: to
// processing for flows with a post-counter settlement stage, straight to
// completed otherwise. Both edges require an elevated role.
func (cs *CounterService) CompleteService(ctx context.Context, customerID, counterID string, toProcessing bool, role string) (*Customer, error) {
	target := StatusCompleted
	if toProcessing {
		target = StatusProcessing
	}
	now := time.Now()
	var from Status
	c, _, err := cs.store.UpdatePair(ctx, customerID, counterID, func(c *Customer, ct *Counter) error {
		if c.Status == target && c.CounterID == nil {
			return errAlreadyBound
		}
		if c.Status != StatusServing || c.CounterID == nil || *c.CounterID != ct.ID {
			return fmt.Errorf("%w: customer %s is not being served at counter %s", ErrInvalidTransition, c.ID, ct.ID)
		}
		if err := cs.sm.validateEdge(role, c.Status, target); err != nil {
			return err
		}
		from = c.Status
		applyStatus(c, target, now)
		c.CounterID = nil
		ct.CurrentCustomerID = nil
		return nil
	})
	if errors.Is(err, errAlreadyBound) {
		return cs.store.GetCustomer(ctx, customerID)
	}
	if err != nil {
		return nil, err
	}

	cs.sm.afterTransition(ctx, c, from, counterID)
	return c, nil
}

// CancelService cancels a customer from any non-terminal state, releasing
// the counter if one is bound.
func (cs *CounterService) CancelService(ctx context.Context, customerID, reason, role string) (*Customer, error) {
	return cs.sm.Cancel(ctx, customerID, reason, role)
}

// notifyCustomer hands the external notification collaborator a
// fire-and-forget task. Never blocks or fails the calling operation.
func (cs *CounterService) notifyCustomer(customerID, message, msgType string) {
	task, err := NewNotifyCustomerTask(NotifyCustomerPayload{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Message:    message,
		Type:       msgType,
	})
	if err != nil {
		slog.Error("build notify task", "customerID", customerID, "error", err)
		return
	}
	if _, err := cs.bus.Enqueue(task); err != nil {
		slog.Error("enqueue notify task", "customerID", customerID, "error", err)
	}
}
