package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Reset policy for customers left unfinished at the end of the day. The
// source systems disagreed on this, so it is an explicit choice here.
const (
	PolicyCarryForward = "carry_forward"
	PolicyCancel       = "cancel"
)

type Config struct {
	RedisAddr string
	HTTPAddr  string

	PNPublishKey   string
	PNSubscribeKey string
	PNSecretKey    string
	PNUserID       string

	ResetCron   string
	ResetPolicy string
	Timezone    *time.Location

	ElevatedRoles []string
}

func LoadConfig() (*Config, error) {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		HTTPAddr:       getenv("HTTP_ADDR", ":8081"),
		PNPublishKey:   os.Getenv("PN_PUBLISH_KEY"),
		PNSubscribeKey: os.Getenv("PN_SUBSCRIBE_KEY"),
		PNSecretKey:    os.Getenv("PN_SECRET_KEY"),
		PNUserID:       getenv("PN_USER_ID", "queue-core"),
		ResetCron:      getenv("RESET_CRON", "0 0 * * *"),
		ResetPolicy:    getenv("RESET_POLICY", PolicyCarryForward),
	}

	if cfg.ResetPolicy != PolicyCarryForward && cfg.ResetPolicy != PolicyCancel {
		return nil, fmt.Errorf("RESET_POLICY must be %q or %q, got %q",
			PolicyCarryForward, PolicyCancel, cfg.ResetPolicy)
	}

	tz := getenv("QUEUE_TIMEZONE", "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("QUEUE_TIMEZONE %q: %w", tz, err)
	}
	cfg.Timezone = loc

	for _, r := range strings.Split(getenv("ELEVATED_ROLES", "supervisor,admin"), ",") {
		if r = strings.TrimSpace(r); r != "" {
			cfg.ElevatedRoles = append(cfg.ElevatedRoles, r)
		}
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
