package main

import (
	"fmt"
	"time"
)

// Status is the closed set of customer lifecycle states. Values coming in
// from the outside go through ParseStatus; anything else is rejected.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusServing    Status = "serving"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusWaiting, StatusServing, StatusProcessing, StatusCompleted, StatusCancelled:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority tiers derived from the legally-mandated flags.
const (
	TierNone     = 0
	TierPregnant = 1
	TierPWD      = 2
)

type Customer struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	TokenNumber    int64      `json:"token_number"`
	SeniorCitizen  bool       `json:"senior_citizen"`
	Pregnant       bool       `json:"pregnant"`
	PWD            bool       `json:"pwd"`
	ManualPosition *int       `json:"manual_position,omitempty"`
	Status         Status     `json:"status"`
	CarriedForward bool       `json:"carried_forward"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	ArrivedAt      time.Time  `json:"arrived_at"`
	ServedAt       *time.Time `json:"served_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	CounterID      *string    `json:"counter_id,omitempty"`
	Version        int64      `json:"version"`
}

// Tier ranks senior citizens and PWD highest, pregnant next. A customer
// carried forward from the previous day keeps no tier boost.
func (c *Customer) Tier() int {
	if c.CarriedForward {
		return TierNone
	}
	switch {
	case c.SeniorCitizen || c.PWD:
		return TierPWD
	case c.Pregnant:
		return TierPregnant
	}
	return TierNone
}

type Counter struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Active            bool    `json:"active"`
	CurrentCustomerID *string `json:"current_customer_id,omitempty"`
	Version           int64   `json:"version"`
}

// QueueEvent is the append-only record behind history archival and the
// wait-time estimator. Never mutated, never deleted.
type QueueEvent struct {
	ID              string        `json:"id"`
	CustomerID      string        `json:"customer_id,omitempty"`
	Type            EventType     `json:"type"`
	CounterID       *string       `json:"counter_id,omitempty"`
	FromStatus      Status        `json:"from_status,omitempty"`
	ToStatus        Status        `json:"to_status,omitempty"`
	WaitDuration    time.Duration `json:"wait_duration,omitempty"`
	ServiceDuration time.Duration `json:"service_duration,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

type EventType string

const (
	EventJoined        EventType = "joined"
	EventCalled        EventType = "called"
	EventStatusChanged EventType = "status_changed"
	EventCompleted     EventType = "completed"
	EventCancelled     EventType = "cancelled"
	EventReset         EventType = "reset"
)

// Broadcast event types pushed to subscribed displays.
const (
	BroadcastCustomerCalled    = "customer_called"
	BroadcastCustomerCompleted = "customer_completed"
	BroadcastCustomerCancelled = "customer_cancelled"
	BroadcastStatusChanged     = "status_changed"
	BroadcastPriorityUpdated   = "priority_updated"
	BroadcastQueueReordered    = "queue_reordered"
	BroadcastQueueReset        = "queue_reset"
)

// BroadcastEvent carries enough for a subscriber to apply incrementally:
// prior/new status, the counter involved and a queue summary, stamped with
// a monotonically increasing sequence.
type BroadcastEvent struct {
	Sequence    int64           `json:"sequence"`
	Type        string          `json:"type"`
	CustomerID  string          `json:"customer_id,omitempty"`
	CounterID   string          `json:"counter_id,omitempty"`
	PriorStatus Status          `json:"prior_status,omitempty"`
	NewStatus   Status          `json:"new_status,omitempty"`
	Queue       []QueuePosition `json:"queue,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

type QueuePosition struct {
	Position       int    `json:"position"`
	CustomerID     string `json:"customer_id"`
	TokenNumber    int64  `json:"token_number"`
	CarriedForward bool   `json:"carried_forward,omitempty"`
}

// QueueSnapshot is the full current state handed to a (re)connecting
// subscriber so it never has to infer missing history.
type QueueSnapshot struct {
	Sequence int64           `json:"sequence"`
	Waiting  []QueuePosition `json:"waiting"`
	Counters []*Counter      `json:"counters"`
	TakenAt  time.Time       `json:"taken_at"`
}

// ResetAudit is one row of the daily reset audit log.
type ResetAudit struct {
	ID              string        `json:"id"`
	Date            string        `json:"date"`
	Reason          string        `json:"reason,omitempty"`
	Success         bool          `json:"success"`
	Error           string        `json:"error,omitempty"`
	Carried         int           `json:"carried"`
	Cancelled       int           `json:"cancelled"`
	CountersCleared int           `json:"counters_cleared"`
	Duration        time.Duration `json:"duration"`
	At              time.Time     `json:"at"`
}

// Assignment is the customer/counter pairing returned by call operations.
type Assignment struct {
	Customer *Customer `json:"customer"`
	Counter  *Counter  `json:"counter"`
}
