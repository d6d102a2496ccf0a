package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-asmux/internal/config"
)

const sampleYAML = `
homeserver:
  address: https://example.com
  domain: example.com
appservice:
  address: http://localhost:29000
  id: asmux
  bot_username: asmuxbot
  namespace:
    prefix: _asmux_
    exclusive: true
  mxid_prefix: "@_asmux_"
  mxid_suffix: ":example.com"
mux:
  hostname: 0.0.0.0
  port: 29000
  database: postgres://localhost/asmux
  redis: redis://localhost:6379/0
status:
  remote_status_endpoint: "https://status.example.com/{owner}/{prefix}"
  bridge_status_endpoint: "https://status.example.com/bridge/{owner}/{prefix}"
  sync_proxy: "https://syncproxy.example.com"
push:
  only_if_ws_timeout: true
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0600))
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	cfg, err := config.Load(writeSample(t))
	require.NoError(t, err)

	assert.Equal(t, "example.com", cfg.Homeserver.Domain)
	assert.Equal(t, "asmux", cfg.Appservice.ID)
	assert.Equal(t, "@_asmux_", cfg.Appservice.MXIDPrefix)
	assert.Equal(t, ":example.com", cfg.Appservice.MXIDSuffix)
	assert.True(t, cfg.Appservice.Namespace.Exclusive)
	assert.Equal(t, 29000, cfg.Mux.Port)
	assert.True(t, cfg.Push.OnlyIfWSTimeout)
}

func TestGenerateRegistrationProducesDistinctTokens(t *testing.T) {
	cfg, err := config.Load(writeSample(t))
	require.NoError(t, err)

	reg, err := cfg.GenerateRegistration()
	require.NoError(t, err)

	assert.Equal(t, "asmux", reg.ID)
	assert.Len(t, reg.ASToken, 64)
	assert.Len(t, reg.HSToken, 64)
	assert.NotEqual(t, reg.ASToken, reg.HSToken)
	assert.Equal(t, "@_asmux_.+:example\\.com", reg.Namespaces.Users[0].Regex)
	assert.Equal(t, "#_asmux_.+:example\\.com", reg.Namespaces.Aliases[0].Regex)
	assert.True(t, reg.Namespaces.Users[0].Exclusive)
	assert.Equal(t, "http://localhost:29000", reg.URL)
	assert.Equal(t, "asmuxbot", reg.SenderLocalpart)
	assert.False(t, reg.RateLimited)

	assert.Equal(t, reg.ASToken, cfg.Appservice.ASToken)
}

func TestSaveRegistrationWritesYAML(t *testing.T) {
	cfg, err := config.Load(writeSample(t))
	require.NoError(t, err)
	reg, err := cfg.GenerateRegistration()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "registration.yaml")
	require.NoError(t, config.SaveRegistration(path, reg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "as_token: "+reg.ASToken)
}
