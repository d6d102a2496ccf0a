// Package config loads the engine's YAML configuration and generates
// the homeserver registration document, the Go equivalent of the
// original's config.py (itself built on mautrix.util.config's
// BaseFileConfig).
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"regexp"

	"github.com/rs/zerolog"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

// Config mirrors config.py's do_update field set, generalized from a
// single (owner, prefix) bridge to the multi-tenant engine spec.md
// describes: homeserver connection, the shared Postgres/Redis stores,
// the ghost-mxid naming scheme, and the four outbound status/push
// endpoint templates.
type Config struct {
	Homeserver struct {
		Address string `yaml:"address"`
		Domain  string `yaml:"domain"`
	} `yaml:"homeserver"`

	Appservice struct {
		Address string `yaml:"address"`

		ID             string `yaml:"id"`
		BotUsername    string `yaml:"bot_username"`
		BotDisplayname string `yaml:"bot_displayname"`
		BotAvatar      string `yaml:"bot_avatar"`

		ASToken string `yaml:"as_token"`
		HSToken string `yaml:"hs_token"`

		Namespace struct {
			Prefix    string `yaml:"prefix"`
			Exclusive bool   `yaml:"exclusive"`
		} `yaml:"namespace"`

		// MXIDPrefix/MXIDSuffix generalize the original's single
		// bot_username/namespace pair into the ghost-mxid naming
		// scheme spec.md's GLOSSARY defines: a ghost is
		// "{mxid_prefix}{owner}_{prefix}_{…}{mxid_suffix}".
		MXIDPrefix string `yaml:"mxid_prefix"`
		MXIDSuffix string `yaml:"mxid_suffix"`
	} `yaml:"appservice"`

	Mux struct {
		Hostname string `yaml:"hostname"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		Redis    string `yaml:"redis"`
	} `yaml:"mux"`

	// Status holds the four outbound endpoint templates for the
	// Status Reporter and sync-proxy RPC (spec §4.H, §6).
	Status struct {
		RemoteStatusEndpoint string `yaml:"remote_status_endpoint"`
		BridgeStatusEndpoint string `yaml:"bridge_status_endpoint"`

		// SyncProxy is the sync-proxy's own base URL; SyncProxyToken
		// authenticates this replica to it; SyncProxyAddress is this
		// replica's own address, handed to the proxy so it can call
		// back (spec §6, "Outbound RPC (sync-proxy)").
		SyncProxy        string `yaml:"sync_proxy"`
		SyncProxyToken   string `yaml:"sync_proxy_token"`
		SyncProxyAddress string `yaml:"sync_proxy_address"`
	} `yaml:"status"`

	// Push configures the Wakeup Pusher's only_if_ws_timeout gate and
	// the Sygnal gateway it posts wakeups to (spec §4.F).
	Push struct {
		OnlyIfWSTimeout bool   `yaml:"only_if_ws_timeout"`
		SygnalEndpoint  string `yaml:"sygnal_endpoint"`
	} `yaml:"push"`

	// Logging mirrors the teacher's appservice.go LogConfig field
	// directly, rather than introducing a parallel logging config
	// shape.
	Logging *zeroconfig.Config `yaml:"logging"`
}

// Load reads and parses the YAML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Logging == nil {
		defaultLevel := zerolog.InfoLevel
		cfg.Logging = &zeroconfig.Config{
			MinLevel: &defaultLevel,
			Writers: []zeroconfig.WriterConfig{{
				Type:   zeroconfig.WriterTypeStdout,
				Format: zeroconfig.LogFormatPrettyColored,
			}},
		}
	}
	return &cfg, nil
}

// Save writes the config back out as YAML, the Go equivalent of
// BaseFileConfig.save.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

const tokenCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// newToken ports config.py's _new_token: 64 lowercase-alphanumeric
// characters. crypto/rand replaces Python's random.choices, since a
// homeserver/appservice shared secret deserves a cryptographic source
// even though the original used the stdlib's non-cryptographic one.
func newToken() (string, error) {
	const length = 64
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = tokenCharset[int(b)%len(tokenCharset)]
	}
	return string(out), nil
}

// GenerateTokens assigns fresh as_token/hs_token values, mirroring the
// first half of generate_registration.
func (c *Config) GenerateTokens() error {
	asToken, err := newToken()
	if err != nil {
		return err
	}
	hsToken, err := newToken()
	if err != nil {
		return err
	}
	c.Appservice.ASToken = asToken
	c.Appservice.HSToken = hsToken
	return nil
}

// Registration is the homeserver-loaded registration document (spec
// §9 AMBIENT, "Registration-file generation"), a direct port of
// generate_registration's output shape.
type Registration struct {
	ID              string         `yaml:"id"`
	ASToken         string         `yaml:"as_token"`
	HSToken         string         `yaml:"hs_token"`
	Namespaces      RegistrationNS `yaml:"namespaces"`
	URL             string         `yaml:"url"`
	SenderLocalpart string         `yaml:"sender_localpart"`
	RateLimited     bool           `yaml:"rate_limited"`
}

type RegistrationNS struct {
	Users   []NamespaceEntry `yaml:"users"`
	Aliases []NamespaceEntry `yaml:"aliases"`
}

type NamespaceEntry struct {
	Regex     string `yaml:"regex"`
	Exclusive bool   `yaml:"exclusive"`
}

// GenerateRegistration builds the registration document from the
// current config, regenerating as_token/hs_token first (a direct port
// of config.py's generate_registration).
func (c *Config) GenerateRegistration() (*Registration, error) {
	if err := c.GenerateTokens(); err != nil {
		return nil, err
	}
	prefix := regexp.QuoteMeta(c.Appservice.Namespace.Prefix)
	domain := regexp.QuoteMeta(c.Homeserver.Domain)
	exclusive := c.Appservice.Namespace.Exclusive

	return &Registration{
		ID:      c.Appservice.ID,
		ASToken: c.Appservice.ASToken,
		HSToken: c.Appservice.HSToken,
		Namespaces: RegistrationNS{
			Users:   []NamespaceEntry{{Regex: fmt.Sprintf("@%s.+:%s", prefix, domain), Exclusive: exclusive}},
			Aliases: []NamespaceEntry{{Regex: fmt.Sprintf("#%s.+:%s", prefix, domain), Exclusive: exclusive}},
		},
		URL:             c.Appservice.Address,
		SenderLocalpart: c.Appservice.BotUsername,
		RateLimited:     false,
	}, nil
}

// SaveRegistration writes the registration document to path as YAML.
func SaveRegistration(path string, reg *Registration) error {
	data, err := yaml.Marshal(reg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
