package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBlueprintLoad(t *testing.T) {
	base := writeTestBlueprint(t, "arena", 12)
	l := NewBlueprintLoader(base, testLogger())

	bp, err := l.Load("arena")
	if err != nil {
		t.Fatal(err)
	}
	if bp.Config.Name != "Arena" || bp.Config.MaxPlayers != 12 {
		t.Fatalf("config %+v", bp.Config)
	}
	if bp.Script == "" {
		t.Fatal("entry script not loaded")
	}
	if len(bp.SkillDoc) == 0 {
		t.Fatal("skill.md not loaded")
	}
	if len(bp.Assets) != 1 || bp.Assets[0] != "models/tree.glb" {
		t.Fatalf("assets %v", bp.Assets)
	}
	if bp.AssetVersion == 0 {
		t.Fatal("asset version not derived")
	}

	// The config is cached: the same pointer comes back.
	again, err := l.Load("arena")
	if err != nil {
		t.Fatal(err)
	}
	if again != bp {
		t.Fatal("second load bypassed the cache")
	}
}

func TestBlueprintAssetVersionDeterministic(t *testing.T) {
	baseA := writeTestBlueprint(t, "arena", 8)
	baseB := writeTestBlueprint(t, "arena", 8)
	bpA, err := NewBlueprintLoader(baseA, testLogger()).Load("arena")
	if err != nil {
		t.Fatal(err)
	}
	bpB, err := NewBlueprintLoader(baseB, testLogger()).Load("arena")
	if err != nil {
		t.Fatal(err)
	}
	if bpA.AssetVersion != bpB.AssetVersion {
		t.Fatal("identical asset trees produced different versions")
	}
}

func TestBlueprintLoadErrors(t *testing.T) {
	base := writeTestBlueprint(t, "arena", 8)
	l := NewBlueprintLoader(base, testLogger())

	if _, err := l.Load("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown blueprint: %v", err)
	}
	if _, err := l.Load("../escape"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("path traversal: %v", err)
	}

	// Zero max_players is a config error.
	bad := filepath.Join(base, "bad")
	if err := os.MkdirAll(bad, 0o755); err != nil {
		t.Fatal(err)
	}
	toml := "name = \"Bad\"\nmax_players = 0\n\n[scripts]\nmain = \"main.lua\"\n"
	if err := os.WriteFile(filepath.Join(bad, "world.toml"), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Load("bad"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("max_players=0: %v", err)
	}
}

func TestRuntimeConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TICK_RATE", "30")
	t.Setenv("EMPTY_TIMEOUT", "90s")
	t.Setenv("AFK_TIMEOUT", "2m")

	cfg, err := LoadRuntimeConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9090 {
		t.Fatalf("port %d", cfg.Port)
	}
	if cfg.TickPeriod.Seconds() != 1.0/30.0 {
		t.Fatalf("tick period %s", cfg.TickPeriod)
	}
	if cfg.EmptyTimeout.Seconds() != 90 {
		t.Fatalf("empty timeout %s", cfg.EmptyTimeout)
	}
	if cfg.AFKTimeout.Minutes() != 2 {
		t.Fatalf("afk timeout %s", cfg.AFKTimeout)
	}
}

func TestRuntimeConfigRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	if _, err := LoadRuntimeConfig(); err == nil {
		t.Fatal("bad PORT accepted")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("TICK_RATE", "0")
	if _, err := LoadRuntimeConfig(); err == nil {
		t.Fatal("zero TICK_RATE accepted")
	}
	t.Setenv("TICK_RATE", "60")
	t.Setenv("EMPTY_TIMEOUT", "soon")
	if _, err := LoadRuntimeConfig(); err == nil {
		t.Fatal("bad EMPTY_TIMEOUT accepted")
	}
}
