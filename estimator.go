package main

import (
	"context"
	"time"
)

const defaultServiceTime = 3 * time.Minute

// EstimateWait is the pure projection: queue position times the average
// service duration.
func EstimateWait(position int, avg time.Duration) time.Duration {
	if avg <= 0 {
		avg = defaultServiceTime
	}
	return time.Duration(position) * avg
}

// Estimator reads historical service-duration samples; it has no mutation
// rights over queue state.
type Estimator struct {
	store *Store
}

func NewEstimator(store *Store) *Estimator {
	return &Estimator{store: store}
}

// TierAverage is the windowed historical mean for one tier, falling back
// to the all-tier mean, then to the configured default.
func (e *Estimator) TierAverage(ctx context.Context, tier int) (time.Duration, error) {
	avg, err := e.average(ctx, []int{tier})
	if err != nil {
		return 0, err
	}
	if avg > 0 {
		return avg, nil
	}
	avg, err = e.average(ctx, []int{TierNone, TierPregnant, TierPWD})
	if err != nil {
		return 0, err
	}
	if avg > 0 {
		return avg, nil
	}
	return defaultServiceTime, nil
}

func (e *Estimator) average(ctx context.Context, tiers []int) (time.Duration, error) {
	var total time.Duration
	var n int
	for _, tier := range tiers {
		samples, err := e.store.ServiceSamples(ctx, tier)
		if err != nil {
			return 0, err
		}
		for _, d := range samples {
			total += d
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return total / time.Duration(n), nil
}

// ForCustomer projects the wait for a waiting customer at the given
// position.
func (e *Estimator) ForCustomer(ctx context.Context, c *Customer, position int) (time.Duration, error) {
	avg, err := e.TierAverage(ctx, c.Tier())
	if err != nil {
		return 0, err
	}
	return EstimateWait(position, avg), nil
}
