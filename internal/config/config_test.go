package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ProviderMemory, cfg.Queue.Provider)
	assert.Equal(t, ProviderMemory, cfg.Storage.Provider)
	assert.Equal(t, ProviderMemory, cfg.Status.Provider)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 5, cfg.Queue.MaxReceive)
	assert.Equal(t, 20, cfg.Planner.MaxArticlesDefault)
	assert.Equal(t, 3, cfg.Planner.YearsBackDefault)
	assert.Equal(t, "https://api.gdeltproject.org/api/v2/doc/doc", cfg.GDELT.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.GDELTTimeout())
	assert.True(t, cfg.Worker.DrainDeadLetters)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
queue:
  provider: pubsub
  pubsub:
    project_id: news-prod
    topic_id: harvest-units
    subscription_id: harvest-workers
    dead_letter_subscription_id: harvest-dead
storage:
  provider: gcs
  gcs_bucket: news-artifacts
status:
  provider: postgres
db:
  dsn: postgres://harvester@localhost:5432/harvester
worker:
  concurrency: 16
regions:
  nordics:
    - Sweden
    - Norway
    - Denmark
  europe: []
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, ProviderPubSub, cfg.Queue.Provider)
	assert.Equal(t, "news-prod", cfg.Queue.PubSub.ProjectID)
	assert.Equal(t, "harvest-dead", cfg.Queue.PubSub.DeadLetterSubscriptionID)
	assert.Equal(t, ProviderGCS, cfg.Storage.Provider)
	assert.Equal(t, ProviderPostgres, cfg.Status.Provider)
	assert.Equal(t, 16, cfg.Worker.Concurrency)

	require.Contains(t, cfg.Regions, "nordics")
	assert.Equal(t, []string{"Sweden", "Norway", "Denmark"}, cfg.Regions["nordics"])
	assert.Empty(t, cfg.Regions["europe"], "an empty override removes the region filter")
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("HARVESTER_SERVER_PORT", "7070")
	t.Setenv("HARVESTER_WORKER_CONCURRENCY", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "bad concurrency",
			mutate:  func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr: "worker.concurrency",
		},
		{
			name:    "auth without key",
			mutate:  func(c *Config) { c.Auth.Enabled = true },
			wantErr: "auth.api_key",
		},
		{
			name:    "unknown queue provider",
			mutate:  func(c *Config) { c.Queue.Provider = "kafka" },
			wantErr: "queue.provider",
		},
		{
			name:    "pubsub missing resources",
			mutate:  func(c *Config) { c.Queue.Provider = ProviderPubSub },
			wantErr: "queue.pubsub",
		},
		{
			name:    "gcs storage without bucket",
			mutate:  func(c *Config) { c.Storage.Provider = ProviderGCS },
			wantErr: "storage.gcs_bucket",
		},
		{
			name:    "local storage without dir",
			mutate:  func(c *Config) { c.Storage.Provider = ProviderLocal },
			wantErr: "storage.local_dir",
		},
		{
			name:    "postgres status without dsn",
			mutate:  func(c *Config) { c.Status.Provider = ProviderPostgres },
			wantErr: "db.dsn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(&cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
