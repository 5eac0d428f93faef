package main

import (
	"log"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
)

func startAsynqServer(redisOpt asynq.RedisClientOpt, handlers *Handlers, cfg *Config) {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeBroadcastPublish, handlers.HandleBroadcastPublish)
	mux.HandleFunc(TypeNotifyCustomer, handlers.HandleNotifyCustomer)
	mux.HandleFunc(TypeDailyReset, handlers.HandleDailyReset)

	// The daily reset fires at the configured local time; the per-day lock
	// inside the job keeps multiple instances from racing.
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: cfg.Timezone})

	resetTask, err := NewDailyResetTask("scheduled")
	if err != nil {
		log.Fatal("build reset task:", err)
	}
	if _, err := scheduler.Register(cfg.ResetCron, resetTask); err != nil {
		log.Fatal("register reset schedule:", err)
	}

	go func() {
		if err := scheduler.Run(); err != nil {
			log.Fatal("Scheduler failed to start:", err)
		}
	}()

	slog.Info("asynq server starting", "resetCron", cfg.ResetCron, "resetPolicy", cfg.ResetPolicy)
	if err := srv.Run(mux); err != nil {
		log.Fatal("Asynq server failed to start:", err)
	}
}

func setupRoutes(e *echo.Echo, handlers *Handlers) {
	api := e.Group("/api/v1")

	// Intake boundary
	api.POST("/customers", handlers.RegisterCustomer)
	api.POST("/customers/:customerId/priority", handlers.UpdatePriority)

	// Counter administration
	api.POST("/counters", handlers.CreateCounter)
	api.GET("/counters", handlers.ListCounters)

	// Assignment operations
	api.POST("/counters/:counterId/call-next", handlers.CallNext)
	api.POST("/counters/:counterId/call", handlers.CallSpecific)
	api.POST("/counters/:counterId/complete", handlers.CompleteService)
	api.POST("/customers/:customerId/cancel", handlers.CancelService)
	api.POST("/customers/:customerId/status", handlers.ChangeStatus)

	// Queue operations
	api.POST("/queue/reorder", handlers.ReorderQueue)
	api.POST("/queue/reset", handlers.ResetQueue)
	api.GET("/queue/snapshot", handlers.GetSnapshot)

	// Client-facing queries
	api.GET("/customers/:customerId/position", handlers.GetPosition)
	api.GET("/customers/:customerId/wait-time", handlers.GetEstimatedWaitTime)

	// Realtime subscribers
	api.GET("/broadcast/token", handlers.GetBroadcastToken)
}
