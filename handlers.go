package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type Handlers struct {
	store       *Store
	queue       *QueueService
	counters    *CounterService
	sm          *StateMachine
	reset       *ResetService
	broadcaster *Broadcaster
	pubnub      Pubnub
}

const roleHeader = "X-Staff-Role"

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrCustomerNotFound), errors.Is(err, ErrCounterNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientPrivilege):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrReorderMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrCounterUnavailable),
		errors.Is(err, ErrCustomerAlreadyAssigned),
		errors.Is(err, ErrQueueEmpty),
		errors.Is(err, ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, ErrMaintenanceInProgress), errors.Is(err, ErrSchedulerLockContention):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorJSON(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), map[string]any{
		"error":     err.Error(),
		"retryable": Retryable(err),
	})
}

func (h *Handlers) RegisterCustomer(c echo.Context) error {
	var req struct {
		Name          string `json:"name"`
		SeniorCitizen bool   `json:"senior_citizen"`
		Pregnant      bool   `json:"pregnant"`
		PWD           bool   `json:"pwd"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	customer, err := h.queue.RegisterCustomer(c.Request().Context(), req.Name, req.SeniorCitizen, req.Pregnant, req.PWD)
	if err != nil {
		slog.Error("register customer", "error", err)
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, customer)
}

func (h *Handlers) UpdatePriority(c echo.Context) error {
	customerID := c.Param("customerId")
	var req struct {
		SeniorCitizen bool `json:"senior_citizen"`
		Pregnant      bool `json:"pregnant"`
		PWD           bool `json:"pwd"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	customer, err := h.queue.UpdatePriority(c.Request().Context(), customerID, req.SeniorCitizen, req.Pregnant, req.PWD)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, customer)
}

func (h *Handlers) CreateCounter(c echo.Context) error {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "counter name is required"})
	}

	counter := &Counter{ID: uuid.New().String(), Name: req.Name, Active: true}
	if err := h.store.CreateCounter(c.Request().Context(), counter); err != nil {
		slog.Error("create counter", "error", err)
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, counter)
}

func (h *Handlers) ListCounters(c echo.Context) error {
	counters, err := h.store.ListCounters(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, counters)
}

func (h *Handlers) CallNext(c echo.Context) error {
	counterID := c.Param("counterId")
	role := c.Request().Header.Get(roleHeader)

	asg, err := h.counters.CallNext(c.Request().Context(), counterID, role)
	if err != nil {
		if asg != nil {
			// Counter already bound: report the existing assignment so a
			// retrying caller can reconcile.
			return c.JSON(errorStatus(err), map[string]any{
				"error":      err.Error(),
				"assignment": asg,
			})
		}
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, asg)
}

func (h *Handlers) CallSpecific(c echo.Context) error {
	counterID := c.Param("counterId")
	role := c.Request().Header.Get(roleHeader)
	var req struct {
		CustomerID string `json:"customer_id"`
	}
	if err := c.Bind(&req); err != nil || req.CustomerID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "customer_id is required"})
	}

	asg, err := h.counters.CallSpecific(c.Request().Context(), req.CustomerID, counterID, role)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, asg)
}

func (h *Handlers) CompleteService(c echo.Context) error {
	counterID := c.Param("counterId")
	role := c.Request().Header.Get(roleHeader)
	var req struct {
		CustomerID   string `json:"customer_id"`
		ToProcessing bool   `json:"to_processing"`
	}
	if err := c.Bind(&req); err != nil || req.CustomerID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "customer_id is required"})
	}

	customer, err := h.counters.CompleteService(c.Request().Context(), req.CustomerID, counterID, req.ToProcessing, role)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, customer)
}

func (h *Handlers) CancelService(c echo.Context) error {
	customerID := c.Param("customerId")
	role := c.Request().Header.Get(roleHeader)
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	customer, err := h.counters.CancelService(c.Request().Context(), customerID, req.Reason, role)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, customer)
}

func (h *Handlers) ChangeStatus(c echo.Context) error {
	customerID := c.Param("customerId")
	role := c.Request().Header.Get(roleHeader)
	var req struct {
		Status    string `json:"status"`
		CounterID string `json:"counter_id"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	target, err := ParseStatus(req.Status)
	if err != nil {
		return errorJSON(c, err)
	}

	// Entering serving establishes a counter pairing, so it routes through
	// the assignment manager.
	if target == StatusServing {
		if req.CounterID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "counter_id is required to enter serving"})
		}
		asg, err := h.counters.CallSpecific(c.Request().Context(), customerID, req.CounterID, role)
		if err != nil {
			return errorJSON(c, err)
		}
		return c.JSON(http.StatusOK, asg.Customer)
	}

	customer, err := h.sm.Transition(c.Request().Context(), customerID, target, role)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, customer)
}

func (h *Handlers) ReorderQueue(c echo.Context) error {
	var req struct {
		CustomerIDs []string `json:"customer_ids"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	if err := h.queue.Reorder(c.Request().Context(), req.CustomerIDs); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reordered"})
}

func (h *Handlers) ResetQueue(c echo.Context) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	if err := h.reset.Run(c.Request().Context(), reason); err != nil {
		slog.Error("manual reset", "error", err)
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset complete"})
}

func (h *Handlers) GetPosition(c echo.Context) error {
	customerID := c.Param("customerId")

	pos, err := h.queue.Position(c.Request().Context(), customerID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"customer_id": customerID, "position": pos})
}

func (h *Handlers) GetEstimatedWaitTime(c echo.Context) error {
	customerID := c.Param("customerId")

	wait, pos, err := h.queue.EstimatedWait(c.Request().Context(), customerID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"customer_id":            customerID,
		"position":               pos,
		"estimated_wait_seconds": int(wait / time.Second),
	})
}

func (h *Handlers) GetSnapshot(c echo.Context) error {
	snap, err := h.broadcaster.Snapshot(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handlers) GetBroadcastToken(c echo.Context) error {
	token, err := h.pubnub.GenGrantToken(c.Request().Context())
	if err != nil {
		slog.Error("grant broadcast token", "error", err)
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}
