package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaults verifies the defaults used when neither a file nor
// environment variables are given.
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "matchminer", cfg.Mongo.Database)
	assert.Empty(t, cfg.Mongo.ReadOnlyURI)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, "trial_match", cfg.Engine.TrialMatchCollection)
	assert.EqualValues(t, 1000, cfg.Engine.ProgressEvery)
	assert.Equal(t, DefaultIndices(), cfg.Engine.Indices)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.Metrics.Addr)
}

// TestLoadFromEnv verifies that environment variables override defaults.
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MATCHENGINE_MONGO_URI", "mongodb://primary:27017")
	t.Setenv("MATCHENGINE_MONGO_READ_ONLY_URI", "mongodb://secondary:27017")
	t.Setenv("MATCHENGINE_ENGINE_WORKERS", "16")
	t.Setenv("MATCHENGINE_LOG_LEVEL", "debug")
	t.Setenv("MATCHENGINE_METRICS_ADDR", "localhost:9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "mongodb://primary:27017", cfg.Mongo.URI)
	assert.Equal(t, "mongodb://secondary:27017", cfg.Mongo.ReadOnlyURI)
	assert.Equal(t, 16, cfg.Engine.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "localhost:9090", cfg.Metrics.Addr)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matchengine.yaml")
	content := `
mongo:
  uri: mongodb://db:27017
  database: mm_test
engine:
  workers: 2
  trial_match_collection: trial_match_test
  indices:
    clinical: [SAMPLE_ID]
log:
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://db:27017", cfg.Mongo.URI)
	assert.Equal(t, "mm_test", cfg.Mongo.Database)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, "trial_match_test", cfg.Engine.TrialMatchCollection)
	assert.Equal(t, []string{"SAMPLE_ID"}, cfg.Engine.Indices["clinical"])
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad uri scheme", map[string]string{"MATCHENGINE_MONGO_URI": "postgres://localhost"}},
		{"zero workers", map[string]string{"MATCHENGINE_ENGINE_WORKERS": "0"}},
		{"bad log level", map[string]string{"MATCHENGINE_LOG_LEVEL": "verbose"}},
		{"bad log format", map[string]string{"MATCHENGINE_LOG_FORMAT": "xml"}},
		{"bad metrics addr", map[string]string{"MATCHENGINE_METRICS_ADDR": "not an address"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config: invalid")
		})
	}
}
