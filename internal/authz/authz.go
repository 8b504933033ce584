// Package authz implements the scope lattice gating every kernel read and
// write: direct and group grants, resolved against a namespace's id and its
// public/private group membership.
package authz

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/db"
)

// Scope is one atomic verb in the taxonomy.
type Scope string

const (
	ScopeLocalityRead      Scope = "locality:read"
	ScopeLocalityWrite     Scope = "locality:write"
	ScopeMetaRead          Scope = "meta:read"
	ScopeMetaWrite         Scope = "meta:write"
	ScopeNamespaceCreate   Scope = "namespace:create"
	ScopeNamespaceRead     Scope = "namespace:read"
	ScopeNamespaceWrite    Scope = "namespace:write"
	ScopeNamespaceWriteDer Scope = "namespace:write_derived"
	ScopeAll               Scope = "all"
)

// NamespaceGroup is one of the three standing namespace groups a grant's
// target may name instead of a specific namespace id.
type NamespaceGroup string

const (
	GroupPublic  NamespaceGroup = "public"
	GroupPrivate NamespaceGroup = "private"
	GroupAll     NamespaceGroup = "all"
)

// TargetKind discriminates a Grant's target: the whole system, a specific
// namespace, or a namespace group.
type TargetKind string

const (
	TargetGlobal    TargetKind = "global"
	TargetNamespace TargetKind = "namespace"
	TargetGroup     TargetKind = "group"
)

// Grant is one (subject, scope, target) triple. UserID names a user row;
// GroupID, when non-nil, makes the grant apply to every member of that
// group instead of a single user.
type Grant struct {
	ID              int64
	UserID          *int64
	GroupID         *int64
	Scope           Scope
	Target          TargetKind
	TargetNamespace *int64
	TargetGroup     NamespaceGroup
}

// Namespace is the subset of namespace state the resolver needs: its id and
// whether it belongs to the public group.
type Namespace struct {
	ID     int64
	Public bool
}

// Principal is a resolved, in-memory view of one user's grants: their own
// direct grants plus every grant held by a group they belong to.
// Store.ResolvePrincipal builds a Principal once per request; Has then
// answers against it without further I/O.
type Principal struct {
	UserID  int64
	IsAdmin bool
	Grants  []Grant
}

// Has implements the four-step resolution algorithm: global/all-group
// grants win outright, then namespace-id grants, then the namespace's own
// public/private group membership, and finally the write_derived-from-write
// fallback.
func (p Principal) Has(scope Scope, ns Namespace) bool {
	if p.IsAdmin {
		return true
	}
	for _, want := range scopeCandidates(scope) {
		if p.hasGlobalOrAllGroup(want) {
			return true
		}
		if p.hasAtNamespace(want, ns.ID) {
			return true
		}
		if ns.Public && p.hasAtGroup(want, GroupPublic) {
			return true
		}
		if !ns.Public && p.hasAtGroup(want, GroupPrivate) {
			return true
		}
	}
	return false
}

// scopeCandidates returns scope plus its wildcard and, for write_derived,
// the write scope that also satisfies it (rule 4).
func scopeCandidates(scope Scope) []Scope {
	candidates := []Scope{scope, ScopeAll}
	if scope == ScopeNamespaceWriteDer {
		candidates = append(candidates, ScopeNamespaceWrite)
	}
	return candidates
}

func (p Principal) hasGlobalOrAllGroup(scope Scope) bool {
	for _, g := range p.Grants {
		if g.Scope != scope {
			continue
		}
		if g.Target == TargetGlobal {
			return true
		}
		if g.Target == TargetGroup && g.TargetGroup == GroupAll {
			return true
		}
	}
	return false
}

func (p Principal) hasAtNamespace(scope Scope, namespaceID int64) bool {
	for _, g := range p.Grants {
		if g.Scope == scope && g.Target == TargetNamespace && g.TargetNamespace != nil && *g.TargetNamespace == namespaceID {
			return true
		}
	}
	return false
}

func (p Principal) hasAtGroup(scope Scope, group NamespaceGroup) bool {
	for _, g := range p.Grants {
		if g.Scope == scope && g.Target == TargetGroup && g.TargetGroup == group {
			return true
		}
	}
	return false
}

// Store loads grants and issues new ones.
type Store struct {
	pool db.Pool
}

// NewStore creates a grant Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// ResolvePrincipal loads every grant reachable by userID, directly or
// through group membership, and whether the user is flagged admin.
func (s *Store) ResolvePrincipal(ctx context.Context, userID int64) (Principal, error) {
	var isAdmin bool
	if err := s.pool.QueryRow(ctx, `SELECT is_admin FROM gerrydb.user WHERE id = $1`, userID).Scan(&isAdmin); err != nil {
		return Principal{}, eris.Wrapf(err, "authz: resolve principal %d", userID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT g.id, g.user_id, g.group_id, g.scope, g.target_kind, g.target_namespace_id, g.target_group
		FROM gerrydb.grant g
		WHERE g.user_id = $1
		   OR g.group_id IN (SELECT group_id FROM gerrydb.user_group_member WHERE user_id = $1)`, userID)
	if err != nil {
		return Principal{}, eris.Wrapf(err, "authz: load grants for %d", userID)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var targetGroup *string
		if err := rows.Scan(&g.ID, &g.UserID, &g.GroupID, &g.Scope, &g.Target, &g.TargetNamespace, &targetGroup); err != nil {
			return Principal{}, eris.Wrap(err, "authz: scan grant")
		}
		if targetGroup != nil {
			g.TargetGroup = NamespaceGroup(*targetGroup)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return Principal{}, eris.Wrap(err, "authz: iterate grants")
	}

	return Principal{UserID: userID, IsAdmin: isAdmin, Grants: grants}, nil
}

// Grant inserts a new grant row.
func (s *Store) Grant(ctx context.Context, g Grant) (int64, error) {
	var id int64
	var targetGroup *string
	if g.TargetGroup != "" {
		v := string(g.TargetGroup)
		targetGroup = &v
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.grant (user_id, group_id, scope, target_kind, target_namespace_id, target_group)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		g.UserID, g.GroupID, g.Scope, g.Target, g.TargetNamespace, targetGroup,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "authz: grant")
	}
	return id, nil
}

// GrantContributorBundle grants the bundle a contributor earns on a
// namespace they just created: full read/write/write_derived scopes scoped
// to that one namespace id.
func (s *Store) GrantContributorBundle(ctx context.Context, userID int64, namespaceID int64) error {
	for _, scope := range []Scope{ScopeNamespaceRead, ScopeNamespaceWrite, ScopeNamespaceWriteDer} {
		if _, err := s.Grant(ctx, Grant{
			UserID:          &userID,
			Scope:           scope,
			Target:          TargetNamespace,
			TargetNamespace: &namespaceID,
		}); err != nil {
			return eris.Wrapf(err, "authz: contributor bundle for namespace %d", namespaceID)
		}
	}
	return nil
}

// BootstrapFirstUser grants a brand-new user the admin bundle ("all"
// globally) when they are the first user ever created, otherwise the
// standing public bundle (locality:read + namespace:read on public).
func (s *Store) BootstrapFirstUser(ctx context.Context, userID int64, isFirstUser bool) error {
	if isFirstUser {
		_, err := s.Grant(ctx, Grant{UserID: &userID, Scope: ScopeAll, Target: TargetGlobal})
		return eris.Wrap(err, "authz: bootstrap admin")
	}

	for _, g := range []Grant{
		{UserID: &userID, Scope: ScopeLocalityRead, Target: TargetGlobal},
		{UserID: &userID, Scope: ScopeNamespaceRead, Target: TargetGroup, TargetGroup: GroupPublic},
	} {
		if _, err := s.Grant(ctx, g); err != nil {
			return eris.Wrap(err, "authz: bootstrap public bundle")
		}
	}
	return nil
}

// GrantContributorCreateBundle grants the standing scopes a contributor
// keeps globally (not per-namespace): locality:write, meta:write,
// namespace:create.
func (s *Store) GrantContributorCreateBundle(ctx context.Context, userID int64) error {
	for _, scope := range []Scope{ScopeLocalityWrite, ScopeMetaWrite, ScopeNamespaceCreate} {
		if _, err := s.Grant(ctx, Grant{UserID: &userID, Scope: scope, Target: TargetGlobal}); err != nil {
			return eris.Wrapf(err, "authz: contributor create bundle scope %s", scope)
		}
	}
	return nil
}
