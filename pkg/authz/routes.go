package authz

// RouteMeta is the plain-data authorization metadata attached to a protected
// operation (or a route group) at registration time. Handlers declare their
// requirements as values; the middleware resolves them by explicit lookup.
type RouteMeta struct {
	// Public bypasses verification and policy evaluation entirely.
	Public bool

	// Policy is the explicit policy for this operation or group. When an
	// operation declares one, it is evaluated instead of the merged
	// group/default policy.
	Policy *Policy

	// Permissions are client-role names required on the verifier's own
	// audience. Group-level and operation-level permission declarations
	// union together and merge into whatever explicit policy is found.
	Permissions []string
}

// Public is the RouteMeta for an explicitly public operation.
func Public() RouteMeta {
	return RouteMeta{Public: true}
}

// Require is a convenience constructor for an operation-level policy.
func Require(policy Policy) RouteMeta {
	return RouteMeta{Policy: &policy}
}

// Perms is a convenience constructor for declared permission names scoped
// to the verifier's own audience.
func Perms(perms ...string) RouteMeta {
	return RouteMeta{Permissions: perms}
}

// resolveMeta computes the effective decision inputs for one operation.
//
// An operation-level policy wins over a group-level one, which wins over
// the configured default. Declared
// permission names from both levels union together and are scoped to
// ownAudience, then merged into the selected policy.
func resolveMeta(defaults *Policy, group, op *RouteMeta, ownAudience string) (bool, *Policy) {
	if (op != nil && op.Public) || (group != nil && group.Public) {
		return true, nil
	}

	var policy *Policy
	switch {
	case op != nil && op.Policy != nil:
		policy = op.Policy
	case group != nil && group.Policy != nil:
		policy = group.Policy
	default:
		policy = defaults
	}

	var perms []string
	if group != nil {
		perms = unionStrings(perms, group.Permissions)
	}
	if op != nil {
		perms = unionStrings(perms, op.Permissions)
	}
	if len(perms) > 0 && ownAudience != "" {
		policy = Merge(policy, &Policy{
			RequiredClientRoles: map[string][]string{ownAudience: perms},
		})
	} else if policy == nil {
		policy = &Policy{}
	}

	return false, policy
}
