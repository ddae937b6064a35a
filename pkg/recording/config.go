package recording

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration defaults applied by Validate.
const (
	defaultNickname            = "recorder"
	defaultHashFunction        = "sha-256"
	defaultOutputDir           = "recordings"
	defaultConnectivityTimeout = 30 * time.Second
	defaultSignalingTimeout    = 20 * time.Second
	defaultStanzaRateLimit     = 20.0
	defaultStanzaBurst         = 40
)

// Config captures runtime configuration for the recording service.
// Values come from an optional YAML file overlaid with environment
// variables; environment always wins.
type Config struct {
	// XMPPURL is the WebSocket URL of the XMPP server.
	// Environment variable: XMPP_WS_URL (required)
	XMPPURL string `yaml:"xmpp_ws_url"`

	// XMPPDomain is the XMPP service domain used during stream setup.
	// Environment variable: XMPP_DOMAIN (required)
	XMPPDomain string `yaml:"xmpp_domain"`

	// MUCDomain is the conference service domain, e.g. "conference.example.com".
	// Used by callers to derive full MUC addresses from bare room names.
	// Environment variable: MUC_DOMAIN
	MUCDomain string `yaml:"muc_domain"`

	// Username authenticates the recorder account. Empty selects SASL
	// ANONYMOUS.
	// Environment variable: XMPP_USERNAME
	Username string `yaml:"username"`

	// Password for the recorder account.
	// Environment variable: XMPP_PASSWORD
	Password string `yaml:"password"`

	// Nickname is the MUC occupant nickname tasks join under.
	// Environment variable: RECORDER_NICKNAME (default: recorder)
	Nickname string `yaml:"nickname"`

	// HashFunction selects the DTLS fingerprint hash.
	// Environment variable: DTLS_HASH_FUNCTION (default: sha-256)
	HashFunction string `yaml:"hash_function"`

	// OutputDir is the base directory recordings are written under. Each
	// task gets its own subdirectory.
	// Environment variable: OUTPUT_DIR (default: recordings)
	OutputDir string `yaml:"output_dir"`

	// ConnectivityTimeout bounds the wait for ICE pair selection. A task
	// whose transport never selects a pair within this bound aborts with
	// ErrConnectivityTimeout.
	// Environment variable: CONNECTIVITY_TIMEOUT (default: 30s)
	ConnectivityTimeout time.Duration `yaml:"connectivity_timeout"`

	// SignalingTimeout bounds the wait for the remote session-initiate.
	// Environment variable: SIGNALING_TIMEOUT (default: 20s)
	SignalingTimeout time.Duration `yaml:"signaling_timeout"`

	// StunServers lists STUN URIs for ICE gathering, e.g.
	// "stun:stun.l.google.com:19302". Empty means host candidates only.
	// Environment variable: STUN_SERVERS (comma-separated)
	StunServers []string `yaml:"stun_servers"`

	// StanzaRateLimit caps outbound stanzas per second on the signaling
	// connection.
	// Environment variable: STANZA_RATE_LIMIT (default: 20)
	StanzaRateLimit float64 `yaml:"stanza_rate_limit"`

	// StanzaBurst is the burst size for the outbound stanza limiter.
	// Environment variable: STANZA_BURST (default: 40)
	StanzaBurst int `yaml:"stanza_burst"`
}

// LoadConfig builds a Config from the optional YAML file at path (skipped
// when path is empty) overlaid with environment variables, then validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	c.XMPPURL = getEnv("XMPP_WS_URL", c.XMPPURL)
	c.XMPPDomain = getEnv("XMPP_DOMAIN", c.XMPPDomain)
	c.MUCDomain = getEnv("MUC_DOMAIN", c.MUCDomain)
	c.Username = getEnv("XMPP_USERNAME", c.Username)
	c.Password = getEnv("XMPP_PASSWORD", c.Password)
	c.Nickname = getEnv("RECORDER_NICKNAME", c.Nickname)
	c.HashFunction = getEnv("DTLS_HASH_FUNCTION", c.HashFunction)
	c.OutputDir = getEnv("OUTPUT_DIR", c.OutputDir)
	c.ConnectivityTimeout = getEnvDuration("CONNECTIVITY_TIMEOUT", c.ConnectivityTimeout)
	c.SignalingTimeout = getEnvDuration("SIGNALING_TIMEOUT", c.SignalingTimeout)
	if servers := os.Getenv("STUN_SERVERS"); servers != "" {
		c.StunServers = nil
		for _, s := range strings.Split(servers, ",") {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				c.StunServers = append(c.StunServers, trimmed)
			}
		}
	}
	c.StanzaRateLimit = getEnvFloat("STANZA_RATE_LIMIT", c.StanzaRateLimit)
	c.StanzaBurst = getEnvInt("STANZA_BURST", c.StanzaBurst)
}

// Validate applies defaults and rejects configurations the service cannot
// run with.
func (c *Config) Validate() error {
	if c.XMPPURL == "" {
		return fmt.Errorf("%w: XMPP_WS_URL is required", ErrInitialization)
	}
	if c.XMPPDomain == "" {
		return fmt.Errorf("%w: XMPP_DOMAIN is required", ErrInitialization)
	}
	if c.Nickname == "" {
		c.Nickname = defaultNickname
	}
	if c.HashFunction == "" {
		c.HashFunction = defaultHashFunction
	}
	if c.OutputDir == "" {
		c.OutputDir = defaultOutputDir
	}
	if c.ConnectivityTimeout == 0 {
		c.ConnectivityTimeout = defaultConnectivityTimeout
	}
	if c.ConnectivityTimeout < 0 {
		return fmt.Errorf("%w: connectivity timeout must be positive", ErrInitialization)
	}
	if c.SignalingTimeout == 0 {
		c.SignalingTimeout = defaultSignalingTimeout
	}
	if c.SignalingTimeout < 0 {
		return fmt.Errorf("%w: signaling timeout must be positive", ErrInitialization)
	}
	if c.StanzaRateLimit == 0 {
		c.StanzaRateLimit = defaultStanzaRateLimit
	}
	if c.StanzaRateLimit < 0 {
		return fmt.Errorf("%w: stanza rate limit must be positive", ErrInitialization)
	}
	if c.StanzaBurst == 0 {
		c.StanzaBurst = defaultStanzaBurst
	}
	if c.StanzaBurst < 0 {
		return fmt.Errorf("%w: stanza burst must be positive", ErrInitialization)
	}
	return nil
}

// getEnv retrieves an environment variable or returns the default value if unset.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns the default value.
// Returns defaultValue if the variable is unset or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if str := os.Getenv(key); str != "" {
		if value, err := strconv.Atoi(str); err == nil {
			return value
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns the default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if str := os.Getenv(key); str != "" {
		if value, err := strconv.ParseFloat(str, 64); err == nil {
			return value
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("30s", "2m") or
// returns the default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if str := os.Getenv(key); str != "" {
		if value, err := time.ParseDuration(str); err == nil {
			return value
		}
	}
	return defaultValue
}
