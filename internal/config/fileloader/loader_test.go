package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/historical-armada/internal/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestFileLoaderMergesOverDefaults(t *testing.T) {
	t.Parallel()

	path := writeFile(t, `
node:
  id: node-a
  role: worker
worker:
  max_concurrent_tasks: 32
`)
	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, config.RoleWorker, cfg.Node.Role)
	assert.Equal(t, int64(32), cfg.Worker.MaxConcurrentTasks)
	assert.Equal(t, config.Default().Reconciler, cfg.Reconciler)
}

func TestFileLoaderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{name: "missing file", path: func(t *testing.T) string { return filepath.Join(t.TempDir(), "nope.yaml") }},
		{name: "malformed yaml", path: func(t *testing.T) string { return writeFile(t, "node: [") }},
		{name: "invalid values", path: func(t *testing.T) string { return writeFile(t, "analysis:\n  retry_limit: -1\n") }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewFileLoader(tt.path(t)).Load(context.Background())
			assert.Error(t, err)
		})
	}
}
