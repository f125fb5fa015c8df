package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// RuntimeConfig is the process configuration, read once from the
// environment at startup.
type RuntimeConfig struct {
	Port          int
	TickPeriod    time.Duration
	EmptyTimeout  time.Duration
	AFKTimeout    time.Duration // zero disables AFK eviction
	GCInterval    time.Duration
	FlushInterval time.Duration
	DatabaseURL   string
	AssetCDNBase  string
	BlueprintDir  string
}

// LoadRuntimeConfig parses the environment. Any malformed value is a fatal
// config error (exit code 2 in main).
func LoadRuntimeConfig() (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{
		Port:          8080,
		TickPeriod:    time.Second / 60,
		EmptyTimeout:  60 * time.Second,
		AFKTimeout:    0,
		GCInterval:    5 * time.Second,
		FlushInterval: 30 * time.Second,
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		AssetCDNBase:  "https://assets.local",
		BlueprintDir:  "./blueprints",
	}

	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", v)
		}
		cfg.Port = p
	}
	if v := os.Getenv("TICK_RATE"); v != "" {
		hz, err := strconv.Atoi(v)
		if err != nil || hz <= 0 || hz > 240 {
			return nil, fmt.Errorf("invalid TICK_RATE %q", v)
		}
		cfg.TickPeriod = time.Second / time.Duration(hz)
	}
	var err error
	if cfg.EmptyTimeout, err = envDuration("EMPTY_TIMEOUT", cfg.EmptyTimeout); err != nil {
		return nil, err
	}
	if cfg.AFKTimeout, err = envDuration("AFK_TIMEOUT", cfg.AFKTimeout); err != nil {
		return nil, err
	}
	if cfg.GCInterval, err = envDuration("GC_INTERVAL", cfg.GCInterval); err != nil {
		return nil, err
	}
	if cfg.FlushInterval, err = envDuration("FLUSH_INTERVAL", cfg.FlushInterval); err != nil {
		return nil, err
	}
	if v := os.Getenv("ASSET_CDN_BASE"); v != "" {
		cfg.AssetCDNBase = v
	}
	if v := os.Getenv("BLUEPRINT_DIR"); v != "" {
		cfg.BlueprintDir = v
	}
	return cfg, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return d, nil
}
