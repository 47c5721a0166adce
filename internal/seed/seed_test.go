package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/watchdog/internal/store"
)

const sampleSeed = `
sources:
  - municipality: Kittilä
    base_url: https://kittila.cloudnc.fi
  - municipality: Sodankylä
    platform: tweb
    base_url: https://sodankyla.fi/ktweb
    config:
      body_patterns:
        ymplk: Ympäristölautakunta
  - municipality: Inari
    base_url: https://inari.fi
    enabled: false
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndApply(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	entries, err := Load(writeSeed(t, sampleSeed))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	added, err := Apply(ctx, st, entries)
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	sources, err := st.ListSources(ctx, false)
	require.NoError(t, err)
	require.Len(t, sources, 3)

	byMuni := map[string]*store.Source{}
	for _, s := range sources {
		byMuni[s.Municipality] = s
	}
	assert.Equal(t, store.PlatformCloudNC, byMuni["Kittilä"].Platform, "platform auto-detected from URL")
	assert.Equal(t, store.PlatformTWeb, byMuni["Sodankylä"].Platform)
	assert.NotEmpty(t, byMuni["Sodankylä"].Config)
	assert.False(t, byMuni["Inari"].Enabled)

	// Re-applying the same file is a no-op.
	added, err = Apply(ctx, st, entries)
	require.NoError(t, err)
	assert.Equal(t, 0, added)
}

func TestLoadRejectsIncompleteEntry(t *testing.T) {
	_, err := Load(writeSeed(t, "sources:\n  - municipality: Utsjoki\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}
