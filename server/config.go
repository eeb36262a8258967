package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded token, session, and CSRF defaults.
const (
	// DefaultAccessTTL is deliberately short so silent renewal is
	// observable during normal use of a single-page client.
	DefaultAccessTTL  = 100 * time.Second
	DefaultSessionTTL = 12 * time.Hour
	DefaultCSRFTTL    = 1 * time.Hour

	DefaultAuthCookieName = "auth_cookie"
	DefaultCSRFCookieName = "XSRF-TOKEN"
	DefaultCSRFHeaderName = "X-XSRF-TOKEN"
)

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Tokens   TokenConfig    `yaml:"tokens"`
	Sessions SessionConfig  `yaml:"sessions"`
	CSRF     CSRFConfig     `yaml:"csrf"`
	Clients  []ClientConfig `yaml:"clients"`
	Identity IdentityConfig `yaml:"identity"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	CookieDomain    string    `yaml:"cookie_domain"`
	LoginURL        string    `yaml:"login_url"`
	SignedOutURL    string    `yaml:"signed_out_url"`
	ClientOrigins   []string  `yaml:"client_origins"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// TokenConfig controls access and identity token issuance.
type TokenConfig struct {
	AccessTTL       time.Duration `yaml:"access_ttl"`
	AudienceDefault string        `yaml:"audience_default"`
	// PersistPath, when set, loads and saves the signing key set so
	// tokens survive a restart. Empty means a fresh ephemeral key per
	// process, invalidating all previously issued tokens.
	PersistPath string `yaml:"persist_path"`
}

// SessionConfig controls the server-side authentication cookie.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// CSRFConfig controls the double-submit-cookie guard.
type CSRFConfig struct {
	CookieName string        `yaml:"cookie_name"`
	HeaderName string        `yaml:"header_name"`
	TTL        time.Duration `yaml:"ttl"`
}

// ClientConfig describes a registered client application.
type ClientConfig struct {
	ClientID               string   `yaml:"client_id"`
	DisplayName            string   `yaml:"display_name"`
	RedirectURIs           []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris"`
	Scopes                 []string `yaml:"scopes"`
	ResponseTypes          []string `yaml:"response_types"`
}

// IdentityConfig selects the account store backend.
type IdentityConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:5000",
			DevListenAddr:   "127.0.0.1:5000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			LoginURL:        "/login",
			SignedOutURL:    "/bye",
		},
		Tokens: TokenConfig{
			AccessTTL:       DefaultAccessTTL,
			AudienceDefault: "resource-server",
		},
		Sessions: SessionConfig{TTL: DefaultSessionTTL},
		CSRF: CSRFConfig{
			CookieName: DefaultCSRFCookieName,
			HeaderName: DefaultCSRFHeaderName,
			TTL:        DefaultCSRFTTL,
		},
		Identity: IdentityConfig{Driver: "memory"},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"SPAIDP_SERVER_PUBLIC_URL":      func(v string) { cfg.Server.PublicURL = v },
		"SPAIDP_SERVER_DEV_LISTEN_ADDR": func(v string) { cfg.Server.DevListenAddr = v },
		"SPAIDP_SERVER_DEV_MODE":        func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"SPAIDP_SERVER_COOKIE_DOMAIN":   func(v string) { cfg.Server.CookieDomain = v },
		"SPAIDP_SERVER_CLIENT_ORIGINS":  func(v string) { cfg.Server.ClientOrigins = splitAndTrim(v) },
		"SPAIDP_TOKENS_ACCESS_TTL":      func(v string) { cfg.Tokens.AccessTTL = parseDuration(v, cfg.Tokens.AccessTTL) },
		"SPAIDP_TOKENS_PERSIST_PATH":    func(v string) { cfg.Tokens.PersistPath = v },
		"SPAIDP_IDENTITY_DRIVER":        func(v string) { cfg.Identity.Driver = v },
		"SPAIDP_IDENTITY_PATH":          func(v string) { cfg.Identity.Path = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Tokens.AccessTTL <= 0 {
		return errors.New("tokens.access_ttl must be positive")
	}
	if c.Sessions.TTL <= 0 {
		return errors.New("sessions.ttl must be positive")
	}

	if len(c.Clients) == 0 {
		return errors.New("at least one client must be registered")
	}
	for i, client := range c.Clients {
		if client.ClientID == "" {
			return fmt.Errorf("clients[%d]: client_id is required", i)
		}
		if len(client.RedirectURIs) == 0 {
			return fmt.Errorf("clients[%d] (%s): at least one redirect_uri is required", i, client.ClientID)
		}
		uris := append(append([]string{}, client.RedirectURIs...), client.PostLogoutRedirectURIs...)
		for _, uri := range uris {
			u, err := url.Parse(uri)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("clients[%d] (%s): %q must be an absolute http(s) URL", i, client.ClientID, uri)
			}
		}
		for _, rt := range client.ResponseTypes {
			if !supportedResponseType(rt) {
				return fmt.Errorf("clients[%d] (%s): unsupported response_type %q", i, client.ClientID, rt)
			}
		}
	}

	switch c.Identity.Driver {
	case "memory":
	case "sqlite":
		if c.Identity.Path == "" {
			return errors.New("identity.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("identity.driver must be 'sqlite' or 'memory', got: %s", c.Identity.Driver)
	}

	return nil
}

// InferCORSOrigins extracts allowed origins from explicit config plus
// registered client redirect URIs.
func (c Config) InferCORSOrigins() []string {
	seen := make(map[string]bool)
	origins := []string{}

	add := func(origin string) {
		if origin != "" && !seen[origin] {
			seen[origin] = true
			origins = append(origins, origin)
		}
	}

	for _, origin := range c.Server.ClientOrigins {
		add(origin)
	}
	for _, client := range c.Clients {
		for _, uri := range client.RedirectURIs {
			add(extractOrigin(uri))
		}
		for _, uri := range client.PostLogoutRedirectURIs {
			add(extractOrigin(uri))
		}
	}
	return origins
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
