package main

import (
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"
)

// assetExtensions is the set of files addressable as asset://<path>.
var assetExtensions = map[string]struct{}{
	".glb": {}, ".gltf": {}, ".png": {}, ".jpg": {},
	".wav": {}, ".mp3": {}, ".ogg": {}, ".bin": {},
}

// BlueprintConfig is the parsed world.toml.
type BlueprintConfig struct {
	Name        string    `toml:"name"`
	MaxPlayers  int       `toml:"max_players"`
	Description string    `toml:"description"`
	Spawn       []float64 `toml:"spawn"`
	Scripts     struct {
		Main string `toml:"main"`
	} `toml:"scripts"`

	MainScript string `toml:"-"`
}

// SpawnPosition returns the configured spawn point, defaulting to a spot a
// little above the origin.
func (c *BlueprintConfig) SpawnPosition() mgl64.Vec3 {
	if len(c.Spawn) == 3 {
		return mgl64.Vec3{c.Spawn[0], c.Spawn[1], c.Spawn[2]}
	}
	return mgl64.Vec3{0, 5, 0}
}

// Blueprint is one loaded game definition: config, entry script, capability
// document and the asset inventory.
type Blueprint struct {
	ID           string
	Dir          string
	Config       BlueprintConfig
	Script       string
	SkillDoc     []byte
	Assets       []string
	AssetVersion uint32
}

// BlueprintLoader reads blueprint directories and caches the result; the
// config for a blueprint is loaded once per process.
type BlueprintLoader struct {
	baseDir string
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	cache map[string]*Blueprint
}

// NewBlueprintLoader creates a loader rooted at the blueprint directory.
func NewBlueprintLoader(baseDir string, logger *zap.SugaredLogger) *BlueprintLoader {
	return &BlueprintLoader{
		baseDir: baseDir,
		logger:  logger,
		cache:   make(map[string]*Blueprint),
	}
}

// Load resolves a blueprint by id. Unknown ids map to ErrNotFound; a present
// but malformed blueprint is an ErrInvalidInput.
func (l *BlueprintLoader) Load(id string) (*Blueprint, error) {
	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: blueprint id %q", ErrInvalidInput, id)
	}
	l.mu.Lock()
	if bp, ok := l.cache[id]; ok {
		l.mu.Unlock()
		return bp, nil
	}
	l.mu.Unlock()

	dir := filepath.Join(l.baseDir, id)
	cfgPath := filepath.Join(dir, "world.toml")
	if _, err := os.Stat(cfgPath); err != nil {
		return nil, fmt.Errorf("%w: blueprint %q", ErrNotFound, id)
	}

	var cfg BlueprintConfig
	if _, err := toml.DecodeFile(cfgPath, &cfg); err != nil {
		return nil, fmt.Errorf("%w: world.toml: %v", ErrInvalidInput, err)
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: world.toml missing name", ErrInvalidInput)
	}
	if cfg.MaxPlayers <= 0 {
		return nil, fmt.Errorf("%w: world.toml max_players must be > 0", ErrInvalidInput)
	}
	if cfg.Scripts.Main == "" {
		return nil, fmt.Errorf("%w: world.toml missing [scripts] main", ErrInvalidInput)
	}
	cfg.MainScript = cfg.Scripts.Main

	script, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(cfg.Scripts.Main)))
	if err != nil {
		return nil, fmt.Errorf("%w: entry script %s: %v", ErrInvalidInput, cfg.Scripts.Main, err)
	}

	bp := &Blueprint{
		ID:     id,
		Dir:    dir,
		Config: cfg,
		Script: string(script),
	}

	if doc, err := os.ReadFile(filepath.Join(dir, "skill.md")); err == nil {
		bp.SkillDoc = doc
	}

	bp.Assets, bp.AssetVersion = scanAssets(dir)
	l.logger.Infof("blueprint %s loaded: %q, max players %d, %d assets (v%d)",
		id, cfg.Name, cfg.MaxPlayers, len(bp.Assets), bp.AssetVersion)

	l.mu.Lock()
	l.cache[id] = bp
	l.mu.Unlock()
	return bp, nil
}

// scanAssets walks assets/** and derives the asset version from the sorted
// relative paths and sizes, so the version is deterministic per content.
func scanAssets(dir string) ([]string, uint32) {
	root := filepath.Join(dir, "assets")
	var assets []string
	sizes := make(map[string]int64)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := assetExtensions[ext]; !ok {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		assets = append(assets, rel)
		if info, err := d.Info(); err == nil {
			sizes[rel] = info.Size()
		}
		return nil
	})
	sort.Strings(assets)

	h := fnv.New64a()
	for _, a := range assets {
		fmt.Fprintf(h, "%s:%d;", a, sizes[a])
	}
	sum := h.Sum64()
	return assets, uint32(sum ^ (sum >> 32))
}
