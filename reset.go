package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const resetLockTTL = 10 * time.Minute

// ResetService runs the end-of-day job: archive, resolve unfinished
// customers per the configured policy, clear counters, restart the token
// sequence. Exactly one reset executes per calendar day across all
// process instances.
type ResetService struct {
	store       *Store
	ordering    *OrderingEngine
	broadcaster *Broadcaster
	policy      string
	loc         *time.Location
}

func NewResetService(store *Store, ordering *OrderingEngine, broadcaster *Broadcaster, policy string, loc *time.Location) *ResetService {
	return &ResetService{store: store, ordering: ordering, broadcaster: broadcaster, policy: policy, loc: loc}
}

// Run executes the reset for the current business day. Failures leave the
// queue in its pre-reset state; the next scheduled attempt or a manual
// trigger retries from scratch.
func (rs *ResetService) Run(ctx context.Context, reason string) error {
	started := time.Now()
	date := started.In(rs.loc).Format("2006-01-02")

	done, err := rs.store.ResetDone(ctx, date)
	if err != nil {
		return err
	}
	if done {
		slog.Info("reset already completed today, skipping", "date", date)
		return nil
	}

	ok, err := rs.store.AcquireResetLock(ctx, date, resetLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: date %s", ErrSchedulerLockContention, date)
	}
	defer func() {
		if err := rs.store.ReleaseResetLock(ctx, date); err != nil {
			slog.Error("release reset lock", "date", date, "error", err)
		}
	}()

	// New assignment operations fail retryable while the job runs.
	if err := rs.store.SetMaintenance(ctx, true); err != nil {
		return err
	}
	defer func() {
		if err := rs.store.SetMaintenance(ctx, false); err != nil {
			slog.Error("clear maintenance flag", "date", date, "error", err)
		}
	}()

	audit := &ResetAudit{
		ID:     uuid.New().String(),
		Date:   date,
		Reason: reason,
		At:     started,
	}
	err = rs.execute(ctx, date, audit)
	audit.Duration = time.Since(started)
	if err != nil {
		audit.Success = false
		audit.Error = err.Error()
		if aerr := rs.store.AppendResetAudit(ctx, audit); aerr != nil {
			slog.Error("append failed-reset audit", "date", date, "error", aerr)
		}
		slog.Error("daily reset failed, queue left in pre-reset state",
			"date", date, "policy", rs.policy, "carried", audit.Carried,
			"cancelled", audit.Cancelled, "duration", audit.Duration, "error", err)
		return fmt.Errorf("daily reset %s: %w", date, err)
	}

	audit.Success = true
	if err := rs.store.MarkResetDone(ctx, date); err != nil {
		return err
	}
	if err := rs.store.AppendResetAudit(ctx, audit); err != nil {
		slog.Error("append reset audit", "date", date, "error", err)
	}

	rs.broadcaster.Publish(ctx, &BroadcastEvent{Type: BroadcastQueueReset})
	slog.Info("daily reset complete", "date", date, "policy", rs.policy,
		"carried", audit.Carried, "cancelled", audit.Cancelled,
		"countersCleared", audit.CountersCleared, "duration", audit.Duration)
	return nil
}

func (rs *ResetService) execute(ctx context.Context, date string, audit *ResetAudit) error {
	// Step 1: archive the closing state. SetNX makes a retried run keep
	// the first attempt's snapshot.
	snap, err := rs.broadcaster.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	if err := rs.store.ArchiveSnapshot(ctx, date, snap); err != nil {
		return err
	}
	for _, ct := range snap.Counters {
		if ct.CurrentCustomerID != nil {
			audit.CountersCleared++
		}
	}

	// Step 2: resolve every customer not in a terminal state.
	customers, err := rs.store.ListCustomers(ctx)
	if err != nil {
		return err
	}
	var carriedIDs []string
	var maxCarriedToken int64
	for _, c := range customers {
		if c.Status.Terminal() {
			continue
		}
		if rs.policy == PolicyCancel {
			if err := rs.forceCancel(ctx, c); err != nil {
				return fmt.Errorf("force cancel %s: %w", c.ID, err)
			}
			audit.Cancelled++
			continue
		}
		if err := rs.carryForward(ctx, c); err != nil {
			return fmt.Errorf("carry forward %s: %w", c.ID, err)
		}
		carriedIDs = append(carriedIDs, c.ID)
		if c.TokenNumber > maxCarriedToken {
			maxCarriedToken = c.TokenNumber
		}
		audit.Carried++
	}

	// Manual overrides do not survive the day.
	if err := rs.store.SetManualPositions(ctx, nil); err != nil {
		return err
	}

	// Step 3: no counter starts the new day with a customer. Most refs are
	// already gone from resolving serving customers; this sweeps the rest.
	counters, err := rs.store.ListCounters(ctx)
	if err != nil {
		return err
	}
	for _, ct := range counters {
		if ct.CurrentCustomerID == nil {
			continue
		}
		ct.CurrentCustomerID = nil
		if err := rs.store.SaveCounter(ctx, ct); err != nil {
			return fmt.Errorf("clear counter %s: %w", ct.ID, err)
		}
	}

	// Step 4: token numbers restart above the highest carried token, so a
	// carried customer never shares a number with a new-day arrival.
	if err := rs.store.ResetTokenSeq(ctx, maxCarriedToken); err != nil {
		return err
	}

	// The day's terminal customers leave the active set; their records and
	// events remain as history.
	if err := rs.store.ClearCustomers(ctx, carriedIDs); err != nil {
		return err
	}

	if err := rs.store.AppendEvent(ctx, &QueueEvent{Type: EventReset}); err != nil {
		return err
	}
	return nil
}

// forceCancel resolves an unfinished customer by cancelling. All edges
// into cancelled are in the transition table, so this never bypasses it.
// Re-running over an already-cancelled customer is a no-op with no second
// event.
func (rs *ResetService) forceCancel(ctx context.Context, c *Customer) error {
	changed := false
	from := c.Status
	mutate := func(c *Customer) error {
		if c.Status.Terminal() {
			return nil
		}
		from = c.Status
		applyStatus(c, StatusCancelled, time.Now())
		c.CancelReason = "daily reset"
		changed = true
		return nil
	}
	err := rs.resolve(ctx, c, mutate)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return rs.store.AppendEvent(ctx, &QueueEvent{
		CustomerID: c.ID,
		Type:       EventCancelled,
		FromStatus: from,
		ToStatus:   StatusCancelled,
	})
}

// carryForward keeps the customer waiting into the new day, flagged and
// stripped of any priority boost so the carried group holds its relative
// order without outranking the new day's priority arrivals.
func (rs *ResetService) carryForward(ctx context.Context, c *Customer) error {
	return rs.resolve(ctx, c, func(c *Customer) error {
		if c.Status.Terminal() {
			return nil
		}
		c.Status = StatusWaiting
		c.CarriedForward = true
		c.ServedAt = nil
		return nil
	})
}

// resolve applies mutate to the customer, releasing a bound counter in
// the same atomic write when one is referenced.
func (rs *ResetService) resolve(ctx context.Context, c *Customer, mutate func(*Customer) error) error {
	var err error
	if c.Status == StatusServing && c.CounterID != nil {
		_, _, err = rs.store.UpdatePair(ctx, c.ID, *c.CounterID, func(c *Customer, ct *Counter) error {
			if err := mutate(c); err != nil {
				return err
			}
			if c.Status != StatusServing {
				c.CounterID = nil
				if ct.CurrentCustomerID != nil && *ct.CurrentCustomerID == c.ID {
					ct.CurrentCustomerID = nil
				}
			}
			return nil
		})
	} else {
		_, err = rs.store.UpdateCustomer(ctx, c.ID, func(c *Customer) error {
			if err := mutate(c); err != nil {
				return err
			}
			c.CounterID = nil
			return nil
		})
	}
	if errors.Is(err, ErrCustomerNotFound) {
		return nil
	}
	return err
}
