// Package config loads the broker configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sistemas-fsa/authz/pkg/downstream"
)

// RealmConfig describes the Keycloak realm the broker authenticates against.
type RealmConfig struct {
	// IssuerURL is the realm issuer (e.g. https://kc.example.com/realms/acme).
	IssuerURL string `mapstructure:"issuer_url"`

	// Audience is the audience inbound tokens must carry; it also scopes
	// declared permission names.
	Audience string `mapstructure:"audience"`

	// ClientID and ClientSecret authenticate this service to the token
	// endpoint.
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	// ClockTolerance is the leeway for exp/nbf verification (default 10s).
	ClockTolerance time.Duration `mapstructure:"clock_tolerance"`

	// CacheClockSkew is the safety margin applied to cached exchanged
	// tokens (default 30s).
	CacheClockSkew time.Duration `mapstructure:"cache_clock_skew"`

	// TenantIDClaim and TenantCodeClaim override the tenant claim names.
	TenantIDClaim   string `mapstructure:"tenant_id_claim"`
	TenantCodeClaim string `mapstructure:"tenant_code_claim"`
}

// DefaultPolicy is the policy applied to operations declaring nothing.
type DefaultPolicy struct {
	// AllowedAzp is the default azp allow-list.
	AllowedAzp []string `mapstructure:"allowed_azp"`

	// RequireTenantData requires the tenant claims by default.
	RequireTenantData bool `mapstructure:"require_tenant_data"`
}

// Config is the full broker configuration.
type Config struct {
	Realm       RealmConfig             `mapstructure:"realm"`
	Policy      DefaultPolicy           `mapstructure:"policy"`
	Downstreams []downstream.Definition `mapstructure:"downstreams"`
}

// Load reads the configuration from path (optional) and the environment.
// Environment variables use the AUTHZ prefix with underscores, e.g.
// AUTHZ_REALM_CLIENT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("authz")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees keys viper knows about, so every key must be
	// bound explicitly for env-only setups without a config file.
	for _, key := range []string{
		"realm.issuer_url",
		"realm.audience",
		"realm.client_id",
		"realm.client_secret",
		"realm.tenant_id_claim",
		"realm.tenant_code_claim",
		"policy.allowed_azp",
		"policy.require_tenant_data",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	v.SetDefault("realm.clock_tolerance", 10*time.Second)
	v.SetDefault("realm.cache_clock_skew", 30*time.Second)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and the downstream definitions.
func (c *Config) Validate() error {
	if c.Realm.IssuerURL == "" {
		return fmt.Errorf("realm.issuer_url is required")
	}
	if c.Realm.Audience == "" {
		return fmt.Errorf("realm.audience is required")
	}
	if c.Realm.ClientID == "" {
		return fmt.Errorf("realm.client_id is required")
	}

	seen := map[string]bool{}
	for i := range c.Downstreams {
		def := &c.Downstreams[i]
		if err := def.Validate(); err != nil {
			return err
		}
		if seen[def.Name] {
			return fmt.Errorf("duplicate downstream name %q", def.Name)
		}
		seen[def.Name] = true
	}
	return nil
}
