package config

import (
	"errors"
	"fmt"
	"strings"
)

// AuthType selects the authentication mode for an outbound OCPP service.
type AuthType string

const (
	AuthNone  AuthType = "none"
	AuthBasic AuthType = "basic"
	AuthToken AuthType = "token"
)

// Service describes one outbound OCPP service connection.
type Service struct {
	ID       string   `yaml:"id"`
	URL      string   `yaml:"url"`
	Version  string   `yaml:"version"`
	AuthType AuthType `yaml:"auth_type"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Token    string   `yaml:"token"`
	Enabled  *bool    `yaml:"enabled"`
}

// IsEnabled treats a missing enabled flag as true.
func (s Service) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Config is the immutable configuration snapshot loaded at startup.
// Rebinding requires a process restart.
type Config struct {
	Port string `yaml:"port" env:"PORT"`

	AllowSharedCharging  *bool    `yaml:"allow_shared_charging"`
	PreferredProvider    string   `yaml:"preferred_provider"`
	RateLimitSeconds     int      `yaml:"rate_limit_seconds"`
	LockTimeoutSeconds   int      `yaml:"lock_timeout_seconds"`
	OCPPVersion          string   `yaml:"ocpp_version"`
	AutoDetectVersion    *bool    `yaml:"auto_detect_ocpp_version"`
	PresenceSensor       string   `yaml:"presence_sensor"`
	OverrideInputBoolean string   `yaml:"override_input_boolean"`
	AllowedProviders     []string `yaml:"allowed_providers"`
	DisallowedProviders  []string `yaml:"disallowed_providers"`

	OCPPServices []Service `yaml:"ocpp_services"`

	HomeAssistant struct {
		URL   string `yaml:"url" env:"HA_URL"`
		Token string `yaml:"token" env:"HA_TOKEN"`
	} `yaml:"home_assistant"`

	LogDBPath string `yaml:"log_db_path" env:"LOG_DB_PATH"`
}

// Load reads the configuration and applies defaults and validation.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               "9000",
		RateLimitSeconds:   10,
		LockTimeoutSeconds: 60,
		OCPPVersion:        "1.6",
		LogDBPath:          "usage_log.db",
	}

	if err := load(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.OCPPVersion {
	case "1.6", "2.0.1":
	default:
		return fmt.Errorf("config: unsupported ocpp_version %q", c.OCPPVersion)
	}
	if c.RateLimitSeconds < 0 {
		return errors.New("config: rate_limit_seconds must not be negative")
	}
	seen := make(map[string]struct{}, len(c.OCPPServices))
	for _, svc := range c.OCPPServices {
		if strings.TrimSpace(svc.ID) == "" {
			return errors.New("config: ocpp service entry without id")
		}
		if _, dup := seen[svc.ID]; dup {
			return fmt.Errorf("config: duplicate ocpp service id %q", svc.ID)
		}
		seen[svc.ID] = struct{}{}
		if svc.IsEnabled() && strings.TrimSpace(svc.URL) == "" {
			return fmt.Errorf("config: ocpp service %s has no url", svc.ID)
		}
		switch svc.AuthType {
		case "", AuthNone, AuthBasic, AuthToken:
		default:
			return fmt.Errorf("config: ocpp service %s has unknown auth_type %q", svc.ID, svc.AuthType)
		}
		switch svc.Version {
		case "", "1.6", "2.0.1":
		default:
			return fmt.Errorf("config: ocpp service %s has unsupported version %q", svc.ID, svc.Version)
		}
	}
	return nil
}

// SharedChargingAllowed treats a missing flag as true.
func (c *Config) SharedChargingAllowed() bool {
	return c.AllowSharedCharging == nil || *c.AllowSharedCharging
}

// AutoDetect treats a missing flag as true.
func (c *Config) AutoDetect() bool {
	return c.AutoDetectVersion == nil || *c.AutoDetectVersion
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "9000"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
