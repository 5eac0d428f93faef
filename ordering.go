package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// rankTierSpan separates priority tiers by more than any unix-seconds
// arrival value, so tier always dominates arrival time.
const rankTierSpan = 1e10

// effectiveRank computes the ordering score for a customer without a
// manual position. Smaller ranks are served first: higher tiers first,
// FIFO within a tier.
func effectiveRank(c *Customer) float64 {
	return float64(TierPWD-c.Tier())*rankTierSpan + float64(c.ArrivedAt.Unix())
}

// OrderingEngine produces the deterministic total order over the waiting
// set. Manual positions index the final order directly; everyone else
// interleaves by computed rank.
type OrderingEngine struct {
	store *Store
}

func NewOrderingEngine(store *Store) *OrderingEngine {
	return &OrderingEngine{store: store}
}

func (oe *OrderingEngine) WaitingOrder(ctx context.Context) ([]*Customer, error) {
	ids, err := oe.store.WaitingIDs(ctx)
	if err != nil {
		return nil, err
	}
	manual, err := oe.store.ManualPositions(ctx)
	if err != nil {
		return nil, err
	}

	var pinned, ranked []*Customer
	for _, id := range ids {
		c, err := oe.store.GetCustomer(ctx, id)
		if errors.Is(err, ErrCustomerNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if pos, ok := manual[id]; ok {
			p := pos
			c.ManualPosition = &p
			pinned = append(pinned, c)
		} else {
			ranked = append(ranked, c)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return rankLess(ranked[i], ranked[j]) })
	sort.SliceStable(pinned, func(i, j int) bool {
		if *pinned[i].ManualPosition != *pinned[j].ManualPosition {
			return *pinned[i].ManualPosition < *pinned[j].ManualPosition
		}
		return rankLess(pinned[i], pinned[j])
	})

	order := make([]*Customer, 0, len(pinned)+len(ranked))
	pi, ri := 0, 0
	for len(order) < cap(order) {
		if pi < len(pinned) && *pinned[pi].ManualPosition <= len(order) {
			order = append(order, pinned[pi])
			pi++
			continue
		}
		if ri < len(ranked) {
			order = append(order, ranked[ri])
			ri++
			continue
		}
		order = append(order, pinned[pi])
		pi++
	}
	return order, nil
}

// rankLess breaks same-second rank ties by full arrival precision, then
// token number, so the order is total and stable across recomputations.
func rankLess(a, b *Customer) bool {
	ra, rb := effectiveRank(a), effectiveRank(b)
	if ra != rb {
		return ra < rb
	}
	if !a.ArrivedAt.Equal(b.ArrivedAt) {
		return a.ArrivedAt.Before(b.ArrivedAt)
	}
	return a.TokenNumber < b.TokenNumber
}

// Position returns the zero-based position of a waiting customer.
func (oe *OrderingEngine) Position(ctx context.Context, customerID string) (int, error) {
	order, err := oe.WaitingOrder(ctx)
	if err != nil {
		return 0, err
	}
	for i, c := range order {
		if c.ID == customerID {
			return i, nil
		}
	}
	// Distinguish "not waiting" from "does not exist".
	if _, err := oe.store.GetCustomer(ctx, customerID); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%w: customer %s is not waiting", ErrCustomerNotFound, customerID)
}

// Reorder replaces the manual ordering with the given sequence. The
// sequence must contain exactly the current waiting set or nothing is
// mutated.
func (oe *OrderingEngine) Reorder(ctx context.Context, orderedIDs []string) error {
	current, err := oe.store.WaitingIDs(ctx)
	if err != nil {
		return err
	}
	if len(orderedIDs) != len(current) {
		return fmt.Errorf("%w: got %d ids, waiting set has %d", ErrReorderMismatch, len(orderedIDs), len(current))
	}
	waiting := make(map[string]bool, len(current))
	for _, id := range current {
		waiting[id] = true
	}
	seen := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if !waiting[id] {
			return fmt.Errorf("%w: %s is not in the waiting set", ErrReorderMismatch, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: %s appears twice", ErrReorderMismatch, id)
		}
		seen[id] = true
	}
	return oe.store.SetManualPositions(ctx, orderedIDs)
}

// Summary renders the current order as broadcast/snapshot payload.
func (oe *OrderingEngine) Summary(ctx context.Context) ([]QueuePosition, error) {
	order, err := oe.WaitingOrder(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]QueuePosition, len(order))
	for i, c := range order {
		out[i] = QueuePosition{
			Position:       i,
			CustomerID:     c.ID,
			TokenNumber:    c.TokenNumber,
			CarriedForward: c.CarriedForward,
		}
	}
	return out, nil
}
