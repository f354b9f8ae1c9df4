package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndSources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "olx.yaml"), []byte(`
name: OLX
handler: html
max_pages: 2
endpoints:
  search: https://www.olx.com.br/imoveis
selectors:
  card: li.listing
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	t.Setenv("SOURCES_DIR", dir)
	t.Setenv("STORE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 70, cfg.Classifier.HotThreshold)
	assert.Equal(t, 40, cfg.Classifier.WarmThreshold)
	assert.Equal(t, 8, cfg.Scheduler.AnchorHour)
	require.Contains(t, cfg.Sources, "olx")
	assert.Equal(t, "OLX", cfg.Sources["olx"].Name)
	assert.Equal(t, "html", cfg.Sources["olx"].Handler)
	assert.Equal(t, "li.listing", cfg.Sources["olx"].Selectors["card"])
	assert.Len(t, cfg.Sources, 1)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		t.Setenv("STORE_DRIVER", "memory")
		t.Setenv("SOURCES_DIR", t.TempDir())
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Classifier.HotThreshold = 40
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Classifier.WarmThreshold = -1
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Store.Driver = "postgres"
	cfg.Store.PostgresURL = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Store.Driver = "mongo"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Scheduler.AnchorHour = 24
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Sources["x"] = &SourceConfig{ID: "x", Handler: "ftp"}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Dispatch.DefaultTimezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())

	assert.NoError(t, base().Validate())
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("LIST_KEY", " a, b ,,c ")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("LIST_KEY", nil))
	assert.Equal(t, []string{"x"}, getEnvList("MISSING_LIST_KEY", []string{"x"}))
}
