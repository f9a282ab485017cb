package admin

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PolicyAdditive is the only supported manifest policy: the syncer creates
// what is missing and never removes anything.
const PolicyAdditive = "additive"

// Manifest declares the roles and grants a service expects its realm to
// carry.
type Manifest struct {
	// Realm and ClientID pin the manifest to one realm/client pair; a
	// manifest pointing elsewhere is rejected.
	Realm    string `yaml:"realm"`
	ClientID string `yaml:"clientId"`

	// Policy must be "additive".
	Policy string `yaml:"policy"`

	// RealmRoles lists realm roles and the client roles composed into
	// each. Realm roles are assumed to exist; the syncer only adds
	// missing composites.
	RealmRoles []ManifestRealmRole `yaml:"realmRoles"`

	// ClientRoles lists the client roles (permissions) the service
	// exposes.
	ClientRoles []ManifestClientRole `yaml:"clientRoles,omitempty"`

	// GeneratedAt records when an exported manifest was created.
	GeneratedAt time.Time `yaml:"generatedAt,omitempty"`
}

// ManifestRealmRole is one realm role entry of a manifest.
type ManifestRealmRole struct {
	Name       string              `yaml:"name"`
	Composites *ManifestComposites `yaml:"composites,omitempty"`
}

// ManifestComposites lists the client roles composed into a realm role.
type ManifestComposites struct {
	ClientRoles []string `yaml:"clientRoles,omitempty"`
}

// ManifestClientRole is one client role entry of a manifest.
type ManifestClientRole struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Validate checks structural manifest constraints.
func (m *Manifest) Validate() error {
	if m.Realm == "" {
		return fmt.Errorf("manifest realm is required")
	}
	if m.ClientID == "" {
		return fmt.Errorf("manifest clientId is required")
	}
	if m.Policy != PolicyAdditive {
		return fmt.Errorf("only policy %q is supported, got %q", PolicyAdditive, m.Policy)
	}
	return nil
}

// LoadManifest reads and validates a manifest YAML file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path comes from a CLI flag
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// WriteManifest serializes a manifest to a YAML file.
func WriteManifest(manifest *Manifest, path string) error {
	encoded, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}
