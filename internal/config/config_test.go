package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "CONFIG_PATH", "SERVER_ADDR", "STORE_BACKEND", "DATABASE_URL", "MONGO_URI", "MONGO_DATABASE",
		"REDIS_URL", "JWT_SECRET", "JWT_TTL_HOURS", "MAX_WS_CONNECTIONS", "WS_SEND_BUFFER_SIZE", "WS_WRITE_TIMEOUT",
		"WS_IDLE_TIMEOUT", "WS_MAX_MESSAGE_SIZE_KB", "WS_INTENTS_PER_SECOND", "MAX_ATTACHMENT_MB",
		"LOGIN_MAX_ATTEMPTS", "LOGIN_WINDOW", "CORS_ALLOWED_ORIGINS", "LOG_LEVEL",
		"VAPID_KEYS_FILE", "VAPID_PUBLIC_KEY", "VAPID_PRIVATE_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, 30*24*time.Hour, cfg.JWT.TTL)
	assert.Equal(t, 60*time.Second, cfg.WS.IdleTimeout)
	assert.Equal(t, 10000, cfg.WS.MaxConnections)
	assert.Equal(t, 256, cfg.WS.SendBufferSize)
	assert.EqualValues(t, 10<<20, cfg.MaxAttachmentSize)
	assert.Equal(t, 20, cfg.DBMaxConnections())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "api.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_addr: ":9000"
store_backend: mongo
mongo:
  uri: mongodb://mongo:27017
  database: chats
redis:
  url: redis://cache:6379/0
ws_idle_timeout: 30
max_ws_connections: 50
`), 0o600))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("WS_IDLE_TIMEOUT", "45")
	t.Setenv("JWT_TTL_HOURS", "2")
	t.Setenv("MAX_ATTACHMENT_MB", "3")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.ServerAddr)
	assert.Equal(t, BackendMongo, cfg.StoreBackend)
	assert.Equal(t, "mongodb://mongo:27017", cfg.Mongo.URI)
	assert.Equal(t, "chats", cfg.Mongo.Database)
	assert.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
	assert.Equal(t, 50, cfg.WS.MaxConnections)
	assert.Equal(t, 45*time.Second, cfg.WS.IdleTimeout)
	assert.Equal(t, 2*time.Hour, cfg.JWT.TTL)
	assert.EqualValues(t, 3<<20, cfg.MaxAttachmentSize)
}

func TestLoadEnvFromFile(t *testing.T) {
	t.Setenv("CHATRELAY_TEST_A", "")
	t.Setenv("CHATRELAY_TEST_B", "keep")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nCHATRELAY_TEST_A=\"quoted\"\nCHATRELAY_TEST_B=override\n"), 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	loadEnvFrom(f)
	assert.Equal(t, "quoted", os.Getenv("CHATRELAY_TEST_A"))
	assert.Equal(t, "keep", os.Getenv("CHATRELAY_TEST_B"))
}
