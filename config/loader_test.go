// 配置加载器与配置验证测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	// 不指定配置文件，应该返回默认值
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.Equal(t, 3, cfg.Workflow.MaxRetries)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stepflow.yaml")

	yamlContent := `
workflow:
  max_retries: 5
  retry_backoff: 250ms
  stream_intermediate_steps: true
  store_events: true
  events_to_skip: ["StepStarted", "StepContent"]
  max_concurrency: 4

storage:
  type: redis
  key_prefix: "pipelines"
  redis:
    addr: "redis.example.com:6379"
    password: "secret"
    db: 1
    ttl: 24h

events:
  nats:
    enabled: true
    url: "nats://nats:4222"

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	// 验证 YAML 值覆盖了默认值
	assert.Equal(t, 5, cfg.Workflow.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Workflow.RetryBackoff)
	assert.True(t, cfg.Workflow.StreamIntermediateSteps)
	assert.True(t, cfg.Workflow.StoreEvents)
	assert.Equal(t, []string{"StepStarted", "StepContent"}, cfg.Workflow.EventsToSkip)
	assert.Equal(t, 4, cfg.Workflow.MaxConcurrency)

	assert.Equal(t, StorageRedis, cfg.Storage.Type)
	assert.Equal(t, "pipelines", cfg.Storage.KeyPrefix)
	assert.Equal(t, "redis.example.com:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, "secret", cfg.Storage.Redis.Password)
	assert.Equal(t, 1, cfg.Storage.Redis.DB)
	assert.Equal(t, 24*time.Hour, cfg.Storage.Redis.TTL)

	assert.True(t, cfg.Events.NATS.Enabled)
	assert.Equal(t, "nats://nats:4222", cfg.Events.NATS.URL)
	// 未在 YAML 中出现的字段保留默认值
	assert.Equal(t, "stepflow.events", cfg.Events.NATS.SubjectPrefix)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("STEPFLOW_WORKFLOW_MAX_RETRIES", "7")
	t.Setenv("STEPFLOW_WORKFLOW_RETRY_BACKOFF", "1s")
	t.Setenv("STEPFLOW_WORKFLOW_EVENTS_TO_SKIP", "StepStarted, StepCompleted")
	t.Setenv("STEPFLOW_STORAGE_TYPE", "sql")
	t.Setenv("STEPFLOW_STORAGE_DATABASE_DRIVER", "sqlite")
	t.Setenv("STEPFLOW_STORAGE_DATABASE_NAME", "/tmp/stepflow.db")
	t.Setenv("STEPFLOW_TELEMETRY_SAMPLE_RATE", "0.5")
	t.Setenv("STEPFLOW_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Workflow.MaxRetries)
	assert.Equal(t, time.Second, cfg.Workflow.RetryBackoff)
	assert.Equal(t, []string{"StepStarted", "StepCompleted"}, cfg.Workflow.EventsToSkip)
	assert.Equal(t, StorageSQL, cfg.Storage.Type)
	assert.Equal(t, "sqlite", cfg.Storage.Database.Driver)
	assert.Equal(t, "/tmp/stepflow.db", cfg.Storage.Database.DSN())
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "stepflow.yaml")

	yamlContent := `
storage:
  type: file
  dir: "/var/lib/stepflow"
workflow:
  max_retries: 2
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	// 环境变量应该覆盖 YAML
	t.Setenv("STEPFLOW_STORAGE_DIR", "/srv/sessions")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, "/srv/sessions", cfg.Storage.Dir)
	// YAML 值应该保留（没有被环境变量覆盖）
	assert.Equal(t, StorageFile, cfg.Storage.Type)
	assert.Equal(t, 2, cfg.Workflow.MaxRetries)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_STORAGE_KEY_PREFIX", "custom")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Storage.KeyPrefix)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("STEPFLOW_WORKFLOW_MAX_RETRIES", "many")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STEPFLOW_WORKFLOW_MAX_RETRIES")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("STEPFLOW_STORAGE_TYPE", "cassandra")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error { return cfg.Validate() }).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported storage type "cassandra"`)
}

func TestLoader_NonExistentFile(t *testing.T) {
	// 指定不存在的文件，应该使用默认值（不报错）
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/stepflow.yaml").
		Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
workflow:
  max_retries: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "unsupported log format",
		},
		{
			name: "telemetry without endpoint",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.OTLPEndpoint = ""
			},
			wantErr: "otlp_endpoint",
		},
		{
			name: "telemetry sample rate out of range",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.SampleRate = 1.5
			},
			wantErr: "sample_rate",
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.Workflow.MaxRetries = -1 },
			wantErr: "max_retries",
		},
		{
			name:    "zero background workers",
			modify:  func(c *Config) { c.Workflow.BackgroundWorkers = 0 },
			wantErr: "background_workers",
		},
		{
			name: "file storage without dir",
			modify: func(c *Config) {
				c.Storage.Type = StorageFile
				c.Storage.Dir = ""
			},
			wantErr: "storage.dir",
		},
		{
			name: "sql storage with unknown driver",
			modify: func(c *Config) {
				c.Storage.Type = StorageSQL
				c.Storage.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "mongo storage without uri",
			modify: func(c *Config) {
				c.Storage.Type = StorageMongo
				c.Storage.Mongo.URI = ""
			},
			wantErr: "storage.mongo.uri",
		},
		{
			name: "cache without redis",
			modify: func(c *Config) {
				c.Storage.Cache.Enabled = true
				c.Storage.Redis.Addr = ""
			},
			wantErr: "storage.cache",
		},
		{
			name: "nats without url",
			modify: func(c *Config) {
				c.Events.NATS.Enabled = true
				c.Events.NATS.URL = ""
			},
			wantErr: "events.nats.url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
				SSLMode:  "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name: "sqlite DSN",
			config: DatabaseConfig{
				Driver: "sqlite",
				Name:   "/path/to/db.sqlite",
			},
			expected: "/path/to/db.sqlite",
		},
		{
			name: "unknown driver",
			config: DatabaseConfig{
				Driver: "unknown",
			},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

// --- 环境变量来源与展开 ---

func mapLookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestLoader_WithLookup(t *testing.T) {
	cfg, err := NewLoader().
		WithLookup(mapLookup(map[string]string{
			"STEPFLOW_METRICS_NAMESPACE":     "pipelines",
			"STEPFLOW_WORKFLOW_STORE_EVENTS": "true",
			"STEPFLOW_LOG_LEVEL":             "",
		})).
		Load()
	require.NoError(t, err)
	assert.Equal(t, "pipelines", cfg.Metrics.Namespace)
	assert.True(t, cfg.Workflow.StoreEvents)
	// 空值不覆盖默认值
	assert.Equal(t, DefaultConfig().Log.Level, cfg.Log.Level)
}

func TestLoader_ReportsEveryBadEnvValue(t *testing.T) {
	_, err := NewLoader().
		WithLookup(mapLookup(map[string]string{
			"STEPFLOW_WORKFLOW_MAX_RETRIES":  "many",
			"STEPFLOW_TELEMETRY_SAMPLE_RATE": "half",
		})).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `STEPFLOW_WORKFLOW_MAX_RETRIES="many"`)
	assert.Contains(t, err.Error(), `STEPFLOW_TELEMETRY_SAMPLE_RATE="half"`)
}

func TestLoader_ExpandsYAMLReferences(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "stepflow.yaml")
	yamlContent := `
storage:
  type: redis
  redis:
    addr: "${REDIS_HOST}:6379"
    password: "${REDIS_PASSWORD}"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))
	env := mapLookup(map[string]string{"REDIS_HOST": "cache.internal"})

	cfg, err := NewLoader().WithConfigPath(configPath).WithLookup(env).Load()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6379", cfg.Storage.Redis.Addr)
	assert.Empty(t, cfg.Storage.Redis.Password)

	cfg, err = NewLoader().WithConfigPath(configPath).WithLookup(env).WithoutExpand().Load()
	require.NoError(t, err)
	assert.Equal(t, "${REDIS_HOST}:6379", cfg.Storage.Redis.Addr)
}

func TestLoader_EnvKeys(t *testing.T) {
	keys := NewLoader().EnvKeys()
	assert.Contains(t, keys, "STEPFLOW_LOG_LEVEL")
	assert.Contains(t, keys, "STEPFLOW_WORKFLOW_RETRY_BACKOFF")
	assert.Contains(t, keys, "STEPFLOW_STORAGE_DATABASE_DRIVER")
	assert.Contains(t, keys, "STEPFLOW_EVENTS_NATS_URL")
	assert.NotContains(t, keys, "STEPFLOW_STORAGE", "nested structs expand to their leaves")

	custom := NewLoader().WithEnvPrefix("MYAPP").EnvKeys()
	assert.Len(t, custom, len(keys))
	assert.Contains(t, custom, "MYAPP_LOG_LEVEL")
}
