package archetype

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCatalogUsesDefaults(t *testing.T) {
	catalog := NewCatalog(nil)

	defs := catalog.Definitions()
	assert.Len(t, defs, len(DefaultDefinitions))
	assert.True(t, catalog.Has("hero"))
	assert.False(t, catalog.Has("trickster"))
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archetypes.yaml")
	content := `archetypes:
  - key: hero
    name: The Hero
    indicators:
      - overcoming adversity
  - key: trickster
    name: The Trickster
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	catalog, err := LoadCatalog(path, nil)
	require.NoError(t, err)

	defs := catalog.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "hero", defs[0].Key)
	assert.True(t, catalog.Has("trickster"))
}

func TestLoadCatalogRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archetypes.yaml")
	content := `archetypes:
  - key: hero
    name: The Hero
  - key: hero
    name: The Hero Again
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadCatalog(path, nil)
	require.Error(t, err)
}

func TestLoadCatalogRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archetypes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("archetypes: []"), 0o644))

	_, err := LoadCatalog(path, nil)
	require.Error(t, err)
}

func TestSeedCandidates(t *testing.T) {
	catalog := NewCatalog(nil)
	candidates := catalog.SeedCandidates()

	require.Len(t, candidates, len(DefaultDefinitions))
	for _, c := range candidates {
		assert.Equal(t, CandidateActive, c.Status)
		assert.Zero(t, c.Confidence)
	}
}
