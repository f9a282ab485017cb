package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/sistemas-fsa/authz/pkg/logger"
)

// SyncOptions controls one sync run.
type SyncOptions struct {
	// DryRun computes the plan without applying it.
	DryRun bool

	// CreateMissingClientRoles creates manifest client roles that do not
	// exist yet; otherwise missing client roles fail the run.
	CreateMissingClientRoles bool
}

// PlanStep is one pending composite assignment.
type PlanStep struct {
	RealmRole      string   `yaml:"realmRole" json:"realmRole"`
	AddClientRoles []string `yaml:"addClientRoles" json:"addClientRoles"`
}

// SyncResult reports what a sync run did (or would do, on a dry run).
type SyncResult struct {
	DryRun  bool       `yaml:"dryRun" json:"dryRun"`
	Applied int        `yaml:"applied" json:"applied"`
	Plan    []PlanStep `yaml:"plan" json:"plan"`
}

// Syncer reconciles a manifest against the realm, additively.
type Syncer struct {
	client   *Client
	clientID string
}

// NewSyncer creates a syncer for the given admin client and target clientId.
func NewSyncer(client *Client, clientID string) *Syncer {
	return &Syncer{client: client, clientID: clientID}
}

// CreateManifest snapshots the realm into a manifest: the target client's
// roles plus every realm role with its composites on that client.
func (s *Syncer) CreateManifest(ctx context.Context) (*Manifest, error) {
	clientUUID, err := s.client.LookupClientUUID(ctx, s.clientID)
	if err != nil {
		return nil, err
	}

	realmRoles, err := s.client.ListRealmRoles(ctx)
	if err != nil {
		return nil, err
	}
	clientRoles, err := s.client.ListClientRoles(ctx, clientUUID)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Realm:       s.client.Realm(),
		ClientID:    s.clientID,
		Policy:      PolicyAdditive,
		GeneratedAt: time.Now().UTC(),
	}

	for _, role := range clientRoles {
		manifest.ClientRoles = append(manifest.ClientRoles, ManifestClientRole{
			Name:        role.Name,
			Description: role.Description,
		})
	}

	for _, realmRole := range realmRoles {
		composites, err := s.client.GetCompositeRoles(ctx, realmRole.ID)
		if err != nil {
			return nil, err
		}
		entry := ManifestRealmRole{Name: realmRole.Name}
		for _, composite := range composites {
			if composite.ClientRole && composite.ContainerID == clientUUID {
				if entry.Composites == nil {
					entry.Composites = &ManifestComposites{}
				}
				entry.Composites.ClientRoles = append(entry.Composites.ClientRoles, composite.Name)
			}
		}
		manifest.RealmRoles = append(manifest.RealmRoles, entry)
	}

	return manifest, nil
}

// Sync reconciles the manifest against the realm in additive mode: it may
// create missing client roles (when enabled) and attach missing composites
// to existing realm roles, and never deletes anything. Realm roles named by
// the manifest must already exist.
func (s *Syncer) Sync(ctx context.Context, manifest *Manifest, opts SyncOptions) (*SyncResult, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if manifest.Realm != s.client.Realm() || manifest.ClientID != s.clientID {
		return nil, fmt.Errorf("manifest targets %s/%s, syncer is configured for %s/%s",
			manifest.Realm, manifest.ClientID, s.client.Realm(), s.clientID)
	}

	clientUUID, err := s.client.LookupClientUUID(ctx, s.clientID)
	if err != nil {
		return nil, err
	}

	clientRoleByName, err := s.ensureClientRoles(ctx, clientUUID, manifest, opts)
	if err != nil {
		return nil, err
	}

	realmRoles, err := s.client.ListRealmRoles(ctx)
	if err != nil {
		return nil, err
	}
	realmRoleByName := map[string]RoleRepresentation{}
	for _, role := range realmRoles {
		realmRoleByName[role.Name] = role
	}

	for _, realmRole := range manifest.RealmRoles {
		if _, ok := realmRoleByName[realmRole.Name]; !ok {
			return nil, fmt.Errorf("realm role %q does not exist in realm %s", realmRole.Name, manifest.Realm)
		}
		if realmRole.Composites == nil {
			continue
		}
		for _, clientRole := range realmRole.Composites.ClientRoles {
			if _, ok := clientRoleByName[clientRole]; !ok {
				return nil, fmt.Errorf(
					"client role %q does not exist; enable create-missing-client-roles or define it first",
					clientRole)
			}
		}
	}

	plan, err := s.buildPlan(ctx, manifest, realmRoleByName, clientUUID)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return &SyncResult{DryRun: true, Plan: plan}, nil
	}

	for _, step := range plan {
		realmRole := realmRoleByName[step.RealmRole]
		toAdd := make([]RoleRepresentation, 0, len(step.AddClientRoles))
		for _, name := range step.AddClientRoles {
			role := clientRoleByName[name]
			toAdd = append(toAdd, RoleRepresentation{
				ID:          role.ID,
				Name:        role.Name,
				ClientRole:  true,
				ContainerID: clientUUID,
			})
		}
		if err := s.client.AddCompositeRoles(ctx, realmRole.ID, toAdd); err != nil {
			return nil, err
		}
		logger.Infow("attached composite client roles",
			"realmRole", step.RealmRole, "clientRoles", step.AddClientRoles)
	}

	return &SyncResult{Applied: len(plan), Plan: plan}, nil
}

// ensureClientRoles creates manifest client roles that are missing (when
// enabled) and returns the up-to-date roles by name.
func (s *Syncer) ensureClientRoles(
	ctx context.Context,
	clientUUID string,
	manifest *Manifest,
	opts SyncOptions,
) (map[string]RoleRepresentation, error) {
	existing, err := s.client.ListClientRoles(ctx, clientUUID)
	if err != nil {
		return nil, err
	}
	byName := map[string]RoleRepresentation{}
	for _, role := range existing {
		byName[role.Name] = role
	}

	if opts.CreateMissingClientRoles {
		created := false
		for _, role := range manifest.ClientRoles {
			if _, ok := byName[role.Name]; ok {
				continue
			}
			err := s.client.CreateClientRole(ctx, clientUUID, RoleRepresentation{
				Name:        role.Name,
				Description: role.Description,
			})
			if err != nil {
				return nil, err
			}
			logger.Infow("created client role", "role", role.Name)
			created = true
		}
		if created {
			// re-list to pick up the server-assigned ids
			after, err := s.client.ListClientRoles(ctx, clientUUID)
			if err != nil {
				return nil, err
			}
			byName = map[string]RoleRepresentation{}
			for _, role := range after {
				byName[role.Name] = role
			}
		}
	}

	return byName, nil
}

// buildPlan computes the composites each realm role is missing.
func (s *Syncer) buildPlan(
	ctx context.Context,
	manifest *Manifest,
	realmRoleByName map[string]RoleRepresentation,
	clientUUID string,
) ([]PlanStep, error) {
	var plan []PlanStep
	for _, realmRole := range manifest.RealmRoles {
		if realmRole.Composites == nil || len(realmRole.Composites.ClientRoles) == 0 {
			continue
		}

		current, err := s.client.GetCompositeRoles(ctx, realmRoleByName[realmRole.Name].ID)
		if err != nil {
			return nil, err
		}
		currentNames := map[string]bool{}
		for _, composite := range current {
			if composite.ClientRole && composite.ContainerID == clientUUID {
				currentNames[composite.Name] = true
			}
		}

		var missing []string
		for _, want := range realmRole.Composites.ClientRoles {
			if !currentNames[want] {
				missing = append(missing, want)
			}
		}
		if len(missing) > 0 {
			plan = append(plan, PlanStep{RealmRole: realmRole.Name, AddClientRoles: missing})
		}
	}
	return plan, nil
}
