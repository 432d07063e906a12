package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentmesh/pkg/domain"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100, cfg.Router.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Router.BatchTick.Duration())
	assert.Equal(t, uint64(1<<30), cfg.Resources.MaxMemoryTotal)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default().Router.InboundCapacity, cfg.Router.InboundCapacity)
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
router:
  worker_threads: 8
  batch_size: 50
storage:
  path: /tmp/mesh.db
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Router.WorkerThreads)
	assert.Equal(t, 50, cfg.Router.BatchSize)
	assert.Equal(t, "/tmp/mesh.db", cfg.Storage.Path)
	// Untouched values keep their defaults.
	assert.Equal(t, Default().Router.MaxRetries, cfg.Router.MaxRetries)
}

func TestLoadRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"worker threads over 32", "router:\n  worker_threads: 64\n"},
		{"batch size over 100", "router:\n  batch_size: 500\n"},
		{"retry delay too short", "router:\n  retry_delay: 1ms\n"},
		{"dead letter queue too small", "router:\n  dead_letter_queue_size: 100\n"},
		{"drain timeout too short", "deployment:\n  drain_timeout: 1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(tt.yaml), 0o644))

			_, err := Load(dir)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("router: ["), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}
