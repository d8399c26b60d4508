package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  env: development
jwt:
  alg: HS256
  secret: s3cret
store:
  driver: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.App.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
	assert.Equal(t, 10*time.Second, cfg.WriteDeadline)
	assert.Equal(t, 60*time.Second, cfg.PongWait)
	assert.Equal(t, int64(65536), cfg.WS.MaxMessageSizeBytes)
	assert.Equal(t, "conversations", cfg.Mongo.ConversationsCollection)
	assert.Equal(t, 5, cfg.Store.MaxRetries)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `
jwt:
  alg: HS256
store:
  driver: memory
`)
	t.Setenv("CHAT_JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing hs secret", "jwt:\n  alg: HS256\nstore:\n  driver: memory\n"},
		{"missing rs key", "jwt:\n  alg: RS256\nstore:\n  driver: memory\n"},
		{"unknown alg", "jwt:\n  alg: none\n  secret: x\nstore:\n  driver: memory\n"},
		{"unknown driver", "jwt:\n  secret: x\nstore:\n  driver: sqlite\n"},
		{"mongo without uri", "jwt:\n  secret: x\nstore:\n  driver: mongo\n"},
		{"ping longer than pong", "jwt:\n  secret: x\nstore:\n  driver: memory\nws:\n  ping_interval_seconds: 90\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
