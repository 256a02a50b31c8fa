package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "", Default("archive0", 10000))
	require.NoError(t, err)
	assert.Equal(t, "archive0", cfg.NodeID)
	assert.Equal(t, "0.0.0.0:10000", cfg.Listen)
	assert.Equal(t, 64, cfg.MaxConnections)
	assert.Equal(t, 60*time.Second, cfg.Socket.ReadTimeout)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: proxy7
base_dir: /srv/cdp
listen: 127.0.0.1:20000
logging:
  level: DEBUG
socket:
  keepalive: true
  keepalive_cnt: 3
proxy:
  send_interval: 5s
`), 0o644))

	cfg, err := Load(viper.New(), path, Default("proxy0", 20000))
	require.NoError(t, err)
	assert.Equal(t, "proxy7", cfg.NodeID)
	assert.Equal(t, "/srv/cdp", cfg.BaseDir)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.True(t, cfg.Socket.KeepAlive)
	assert.Equal(t, 3, cfg.Socket.KeepAliveCount)
	assert.Equal(t, 5*time.Second, cfg.Proxy.SendInterval)
	// Untouched keys keep their defaults.
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BLOCKCDP_NODE_ID", "from-env")
	cfg, err := Load(viper.New(), "", Default("archive0", 10000))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
}

func TestValidate(t *testing.T) {
	base := Default("a", 1)

	bad := base
	bad.NodeID = ""
	assert.Error(t, bad.Validate())

	bad = base
	bad.Logging.Level = "CHATTY"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Socket.KeepAlive = true
	bad.Socket.KeepAliveCount = 0
	assert.Error(t, bad.Validate())

	assert.NoError(t, base.Validate())
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default("archive0", 10000)
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "node_id: archive0")
	assert.Contains(t, out, "base_dir: /var/lib/blockcdp")
}
