package archetype

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Definition describes one archetype in the catalog.
type Definition struct {
	// Key is the stable identifier used in candidates and requirements.
	Key string `yaml:"key" json:"key"`

	// Name is the display name.
	Name string `yaml:"name" json:"name"`

	// Indicators are example signals that suggest the archetype.
	Indicators []string `yaml:"indicators,omitempty" json:"indicators,omitempty"`
}

// catalogFile is the YAML shape of a catalog file.
type catalogFile struct {
	Archetypes []Definition `yaml:"archetypes"`
}

// Catalog holds the archetype definitions that seed every subject's
// hypothesis set. It can watch its backing file and hot reload.
type Catalog struct {
	mu     sync.RWMutex
	defs   []Definition
	path   string
	logger *slog.Logger
}

// DefaultDefinitions is the built-in catalog used when no file is
// configured.
var DefaultDefinitions = []Definition{
	{Key: "hero", Name: "The Hero", Indicators: []string{"overcoming adversity", "personal transformation"}},
	{Key: "caregiver", Name: "The Caregiver", Indicators: []string{"devotion to others", "sacrifice"}},
	{Key: "explorer", Name: "The Explorer", Indicators: []string{"restlessness", "seeking new horizons"}},
	{Key: "sage", Name: "The Sage", Indicators: []string{"pursuit of understanding", "teaching"}},
	{Key: "creator", Name: "The Creator", Indicators: []string{"making things", "artistic identity"}},
	{Key: "rebel", Name: "The Rebel", Indicators: []string{"challenging convention", "rule breaking"}},
}

// NewCatalog builds a catalog from the built-in definitions.
func NewCatalog(logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		defs:   append([]Definition(nil), DefaultDefinitions...),
		logger: logger,
	}
}

// LoadCatalog reads definitions from a YAML file.
func LoadCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	c := NewCatalog(logger)
	c.path = path
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	if len(file.Archetypes) == 0 {
		return fmt.Errorf("catalog %s defines no archetypes", c.path)
	}

	seen := make(map[string]struct{}, len(file.Archetypes))
	for _, def := range file.Archetypes {
		if def.Key == "" {
			return fmt.Errorf("catalog %s: archetype with empty key", c.path)
		}
		if _, dup := seen[def.Key]; dup {
			return fmt.Errorf("catalog %s: duplicate archetype key %q", c.path, def.Key)
		}
		seen[def.Key] = struct{}{}
	}

	c.mu.Lock()
	c.defs = file.Archetypes
	c.mu.Unlock()

	c.logger.Info("Archetype catalog loaded",
		"path", c.path,
		"archetypes", len(file.Archetypes))

	return nil
}

// Watch hot reloads the catalog when its backing file changes. It
// blocks until ctx is cancelled and is a no-op for built-in catalogs.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which would
	// drop a watch on the file itself.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch catalog dir: %w", err)
	}

	target := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := c.reload(); err != nil {
				// Keep serving the last good catalog.
				c.logger.Warn("Catalog reload failed", "path", c.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("Catalog watcher error", "error", err)
		}
	}
}

// Definitions returns a copy of the current definitions.
func (c *Catalog) Definitions() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Definition(nil), c.defs...)
}

// Has reports whether a key is defined.
func (c *Catalog) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, def := range c.defs {
		if def.Key == key {
			return true
		}
	}
	return false
}

// SeedCandidates builds the initial hypothesis set: every catalog
// archetype active at zero confidence.
func (c *Catalog) SeedCandidates() []Candidate {
	defs := c.Definitions()
	candidates := make([]Candidate, len(defs))
	for i, def := range defs {
		candidates[i] = Candidate{
			ArchetypeKey: def.Key,
			Status:       CandidateActive,
		}
	}
	return candidates
}
