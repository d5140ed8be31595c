package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	SignalBridgeURL string
	SignalBotNumber string

	AWBWWSBase   string
	AWBWHTTPBase string

	RenderURL string

	DatabaseURL string
	RedisURL    string

	StatusAddr string

	PatchPollInterval time.Duration
	ReconnectDelay    time.Duration
	GameEndPoll       time.Duration
	SweepInterval     time.Duration

	DryRun bool
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		AWBWWSBase:        "wss://awbw.amarriner.com",
		AWBWHTTPBase:      "https://awbw.amarriner.com",
		PatchPollInterval: 15 * time.Second,
		ReconnectDelay:    5 * time.Second,
		GameEndPoll:       30 * time.Minute,
		SweepInterval:     time.Hour,
	}

	cfg.SignalBridgeURL = strings.TrimSpace(os.Getenv("SIGNAL_CLI_URL"))
	cfg.SignalBotNumber = strings.TrimSpace(os.Getenv("SIGNAL_BOT_NUMBER"))
	cfg.RenderURL = strings.TrimSpace(os.Getenv("RENDER_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.StatusAddr = strings.TrimSpace(os.Getenv("STATUS_ADDR"))

	if v := strings.TrimSpace(os.Getenv("AWBW_WS_BASE")); v != "" {
		cfg.AWBWWSBase = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("AWBW_HTTP_BASE")); v != "" {
		cfg.AWBWHTTPBase = strings.TrimRight(v, "/")
	}

	if v := strings.TrimSpace(os.Getenv("PATCH_POLL_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PatchPollInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("RECONNECT_DELAY")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ReconnectDelay = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("GAME_END_POLL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.GameEndPoll = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("SWEEP_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("DRY_RUN")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DryRun = b
		}
	}

	if cfg.SignalBridgeURL == "" {
		return nil, errors.New("SIGNAL_CLI_URL is required")
	}
	if cfg.SignalBotNumber == "" {
		return nil, errors.New("SIGNAL_BOT_NUMBER is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}
