// main.go - Entry point
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal("config:", err)
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	pn, err := NewPubnub(&PubNubConfig{
		PublishKey:   cfg.PNPublishKey,
		SubscribeKey: cfg.PNSubscribeKey,
		SecretKey:    cfg.PNSecretKey,
		UserID:       cfg.PNUserID,
	})
	if err != nil {
		log.Fatal("pubnub:", err)
	}

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	store := NewStore(redisClient)
	ordering := NewOrderingEngine(store)
	broadcaster := NewBroadcaster(store, ordering, asynqClient)
	auth := NewRoleListAuthorizer(cfg.ElevatedRoles)
	sm := NewStateMachine(store, auth, broadcaster)
	counters := NewCounterService(store, ordering, sm, asynqClient)
	estimator := NewEstimator(store)
	queue := NewQueueService(store, ordering, estimator, broadcaster)
	reset := NewResetService(store, ordering, broadcaster, cfg.ResetPolicy, cfg.Timezone)

	handlers := &Handlers{
		store:       store,
		queue:       queue,
		counters:    counters,
		sm:          sm,
		reset:       reset,
		broadcaster: broadcaster,
		pubnub:      pn,
	}

	go startAsynqServer(redisOpt, handlers, cfg)

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	setupRoutes(e, handlers)

	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
}
