package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyWaiting     = "queue:waiting"
	keyManual      = "queue:manual"
	keyTokenSeq    = "queue:token_seq"
	keyCounters    = "counters"
	keyCustomers   = "customers"
	keyEvents      = "events"
	keyEventSeq    = "events:seq"
	keyMaintenance = "queue:maintenance"
	keyResetAudit  = "audit:reset"

	serviceSampleWindow = 50
	maxTxRetries        = 5
)

func customerKey(id string) string { return fmt.Sprintf("customer:%s", id) }
func counterKey(id string) string  { return fmt.Sprintf("counter:%s", id) }

// Store is the single source of truth. Customers and counters are JSON
// values guarded by a version field; cross-entity mutations run inside a
// WATCH transaction so two terminals can never claim the same customer.
type Store struct {
	redis *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{redis: rdb}
}

func (s *Store) CreateCustomer(ctx context.Context, c *Customer) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, customerKey(c.ID), raw, 0)
	pipe.SAdd(ctx, keyCustomers, c.ID)
	if c.Status == StatusWaiting {
		pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: effectiveRank(c), Member: c.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create customer %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	return getJSON[Customer](ctx, s.redis, customerKey(id), ErrCustomerNotFound)
}

func (s *Store) GetCounter(ctx context.Context, id string) (*Counter, error) {
	return getJSON[Counter](ctx, s.redis, counterKey(id), ErrCounterNotFound)
}

func getJSON[T any](ctx context.Context, r redis.Cmdable, key string, notFound error) (*T, error) {
	raw, err := r.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &v, nil
}

func (s *Store) CreateCounter(ctx context.Context, ct *Counter) error {
	raw, err := json.Marshal(ct)
	if err != nil {
		return err
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, counterKey(ct.ID), raw, 0)
	pipe.SAdd(ctx, keyCounters, ct.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create counter %s: %w", ct.ID, err)
	}
	return nil
}

func (s *Store) ListCounters(ctx context.Context) ([]*Counter, error) {
	ids, err := s.redis.SMembers(ctx, keyCounters).Result()
	if err != nil {
		return nil, fmt.Errorf("list counters: %w", err)
	}
	counters := make([]*Counter, 0, len(ids))
	for _, id := range ids {
		ct, err := s.GetCounter(ctx, id)
		if errors.Is(err, ErrCounterNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		counters = append(counters, ct)
	}
	return counters, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]*Customer, error) {
	ids, err := s.redis.SMembers(ctx, keyCustomers).Result()
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	customers := make([]*Customer, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetCustomer(ctx, id)
		if errors.Is(err, ErrCustomerNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, nil
}

// UpdateCustomer applies mutate to the current record under optimistic
// concurrency. The waiting ZSET membership is kept in sync with the
// resulting status inside the same transaction.
func (s *Store) UpdateCustomer(ctx context.Context, id string, mutate func(*Customer) error) (*Customer, error) {
	var out *Customer
	err := s.watch(ctx, []string{customerKey(id)}, func(tx *redis.Tx) error {
		c, err := getJSON[Customer](ctx, tx, customerKey(id), ErrCustomerNotFound)
		if err != nil {
			return err
		}
		if err := mutate(c); err != nil {
			return err
		}
		c.Version++
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, customerKey(id), raw, 0)
			syncWaiting(ctx, pipe, c)
			return nil
		})
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// UpdatePair mutates a customer and a counter as one atomic unit. Either
// both writes commit or neither does.
func (s *Store) UpdatePair(ctx context.Context, customerID, counterID string, mutate func(*Customer, *Counter) error) (*Customer, *Counter, error) {
	return s.updatePair(ctx, customerID, counterID, false, mutate)
}

// ClaimPair is UpdatePair with the maintenance flag held in the WATCH
// set: a reset starting mid-claim aborts the transaction instead of
// racing the counter sweep.
func (s *Store) ClaimPair(ctx context.Context, customerID, counterID string, mutate func(*Customer, *Counter) error) (*Customer, *Counter, error) {
	return s.updatePair(ctx, customerID, counterID, true, mutate)
}

func (s *Store) updatePair(ctx context.Context, customerID, counterID string, guarded bool, mutate func(*Customer, *Counter) error) (*Customer, *Counter, error) {
	var (
		outC  *Customer
		outCt *Counter
	)
	keys := []string{customerKey(customerID), counterKey(counterID)}
	if guarded {
		keys = append(keys, keyMaintenance)
	}
	err := s.watch(ctx, keys, func(tx *redis.Tx) error {
		if guarded {
			n, err := tx.Exists(ctx, keyMaintenance).Result()
			if err != nil {
				return fmt.Errorf("maintenance flag: %w", err)
			}
			if n > 0 {
				return ErrMaintenanceInProgress
			}
		}
		c, err := getJSON[Customer](ctx, tx, customerKey(customerID), ErrCustomerNotFound)
		if err != nil {
			return err
		}
		ct, err := getJSON[Counter](ctx, tx, counterKey(counterID), ErrCounterNotFound)
		if err != nil {
			return err
		}
		if err := mutate(c, ct); err != nil {
			return err
		}
		c.Version++
		ct.Version++
		rawC, err := json.Marshal(c)
		if err != nil {
			return err
		}
		rawCt, err := json.Marshal(ct)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, customerKey(customerID), rawC, 0)
			pipe.Set(ctx, counterKey(counterID), rawCt, 0)
			syncWaiting(ctx, pipe, c)
			return nil
		})
		if err != nil {
			return err
		}
		outC, outCt = c, ct
		return nil
	})
	return outC, outCt, err
}

func syncWaiting(ctx context.Context, pipe redis.Pipeliner, c *Customer) {
	if c.Status == StatusWaiting {
		pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: effectiveRank(c), Member: c.ID})
	} else {
		pipe.ZRem(ctx, keyWaiting, c.ID)
		pipe.HDel(ctx, keyManual, c.ID)
	}
}

func (s *Store) watch(ctx context.Context, keys []string, fn func(*redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConcurrentModification
}

// SaveCounter writes a counter outside any assignment flow (administration
// only; assignment goes through UpdatePair).
func (s *Store) SaveCounter(ctx context.Context, ct *Counter) error {
	ct.Version++
	raw, err := json.Marshal(ct)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, counterKey(ct.ID), raw, 0).Err()
}

// WaitingIDs returns waiting customer ids in computed-rank order.
func (s *Store) WaitingIDs(ctx context.Context) ([]string, error) {
	ids, err := s.redis.ZRange(ctx, keyWaiting, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("waiting ids: %w", err)
	}
	return ids, nil
}

func (s *Store) ManualPositions(ctx context.Context) (map[string]int, error) {
	raw, err := s.redis.HGetAll(ctx, keyManual).Result()
	if err != nil {
		return nil, fmt.Errorf("manual positions: %w", err)
	}
	out := make(map[string]int, len(raw))
	for id, v := range raw {
		pos, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("skipping malformed manual position", "customerID", id, "value", v)
			continue
		}
		out[id] = pos
	}
	return out, nil
}

// SetManualPositions replaces the whole manual-override hash. Repeating
// the same call is a no-op by construction.
func (s *Store) SetManualPositions(ctx context.Context, ids []string) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, keyManual)
	for i, id := range ids {
		pipe.HSet(ctx, keyManual, id, i)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set manual positions: %w", err)
	}
	return nil
}

func (s *Store) NextToken(ctx context.Context) (int64, error) {
	n, err := s.redis.Incr(ctx, keyTokenSeq).Result()
	if err != nil {
		return 0, fmt.Errorf("next token: %w", err)
	}
	return n, nil
}

// ResetTokenSeq restarts token numbering for a new day. floor is the
// highest token carried over, so carried customers keep their printed
// numbers without colliding with new arrivals.
func (s *Store) ResetTokenSeq(ctx context.Context, floor int64) error {
	return s.redis.Set(ctx, keyTokenSeq, floor, 0).Err()
}

// AppendEvent writes one immutable QueueEvent onto the event stream.
func (s *Store) AppendEvent(ctx context.Context, ev *QueueEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = s.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: keyEvents,
		Values: map[string]any{
			"type":        string(ev.Type),
			"customer_id": ev.CustomerID,
			"payload":     string(raw),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.Type, err)
	}
	return nil
}

// NextSequence hands out the monotonically increasing broadcast sequence.
func (s *Store) NextSequence(ctx context.Context) (int64, error) {
	n, err := s.redis.Incr(ctx, keyEventSeq).Result()
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return n, nil
}

func (s *Store) CurrentSequence(ctx context.Context) (int64, error) {
	n, err := s.redis.Get(ctx, keyEventSeq).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("current sequence: %w", err)
	}
	return n, nil
}

func serviceSampleKey(tier int) string { return fmt.Sprintf("stats:service:%d", tier) }

// RecordServiceSample keeps a window of recent per-tier service durations
// for the wait-time estimator.
func (s *Store) RecordServiceSample(ctx context.Context, tier int, d time.Duration) error {
	key := serviceSampleKey(tier)
	pipe := s.redis.TxPipeline()
	pipe.LPush(ctx, key, int64(d))
	pipe.LTrim(ctx, key, 0, serviceSampleWindow-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record service sample: %w", err)
	}
	return nil
}

func (s *Store) ServiceSamples(ctx context.Context, tier int) ([]time.Duration, error) {
	raw, err := s.redis.LRange(ctx, serviceSampleKey(tier), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("service samples: %w", err)
	}
	out := make([]time.Duration, 0, len(raw))
	for _, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			slog.Warn("skipping malformed service sample", "value", v)
			continue
		}
		out = append(out, time.Duration(n))
	}
	return out, nil
}

func (s *Store) SetMaintenance(ctx context.Context, on bool) error {
	if on {
		return s.redis.Set(ctx, keyMaintenance, 1, 0).Err()
	}
	return s.redis.Del(ctx, keyMaintenance).Err()
}

func (s *Store) InMaintenance(ctx context.Context) (bool, error) {
	n, err := s.redis.Exists(ctx, keyMaintenance).Result()
	if err != nil {
		return false, fmt.Errorf("maintenance flag: %w", err)
	}
	return n > 0, nil
}

func resetLockKey(date string) string { return fmt.Sprintf("reset:lock:%s", date) }
func resetDoneKey(date string) string { return fmt.Sprintf("reset:done:%s", date) }
func historyKey(date string) string   { return fmt.Sprintf("history:%s", date) }

// AcquireResetLock takes the per-day lease. The TTL frees the day for a
// retry if the holder crashes mid-run.
func (s *Store) AcquireResetLock(ctx context.Context, date string, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, resetLockKey(date), uuid.New().String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire reset lock: %w", err)
	}
	return ok, nil
}

func (s *Store) ReleaseResetLock(ctx context.Context, date string) error {
	return s.redis.Del(ctx, resetLockKey(date)).Err()
}

func (s *Store) ResetDone(ctx context.Context, date string) (bool, error) {
	n, err := s.redis.Exists(ctx, resetDoneKey(date)).Result()
	if err != nil {
		return false, fmt.Errorf("reset done marker: %w", err)
	}
	return n > 0, nil
}

func (s *Store) MarkResetDone(ctx context.Context, date string) error {
	return s.redis.Set(ctx, resetDoneKey(date), 1, 48*time.Hour).Err()
}

// ArchiveSnapshot stores the end-of-day snapshot. SetNX keeps a retried
// reset from overwriting what the first attempt archived.
func (s *Store) ArchiveSnapshot(ctx context.Context, date string, snap *QueueSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.redis.SetNX(ctx, historyKey(date), raw, 0).Err(); err != nil {
		return fmt.Errorf("archive snapshot: %w", err)
	}
	return nil
}

func (s *Store) AppendResetAudit(ctx context.Context, audit *ResetAudit) error {
	raw, err := json.Marshal(audit)
	if err != nil {
		return err
	}
	if err := s.redis.RPush(ctx, keyResetAudit, raw).Err(); err != nil {
		return fmt.Errorf("append reset audit: %w", err)
	}
	return nil
}

func (s *Store) ResetAudits(ctx context.Context) ([]*ResetAudit, error) {
	raw, err := s.redis.LRange(ctx, keyResetAudit, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("reset audits: %w", err)
	}
	out := make([]*ResetAudit, 0, len(raw))
	for _, v := range raw {
		var a ResetAudit
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			continue
		}
		out = append(out, &a)
	}
	return out, nil
}

// ClearCustomers empties the active customer set after archival. The
// individual customer records stay behind as history.
func (s *Store) ClearCustomers(ctx context.Context, keep []string) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, keyCustomers)
	if len(keep) > 0 {
		members := make([]any, len(keep))
		for i, id := range keep {
			members[i] = id
		}
		pipe.SAdd(ctx, keyCustomers, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear customers: %w", err)
	}
	return nil
}
