package authz

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mggg/gerrydb/internal/kernelerr"
)

// User is one account. Users are created once and never deleted; every
// Meta row and grant ultimately points back at one of these.
type User struct {
	ID        int64
	Email     string
	Name      string
	IsAdmin   bool
	CreatedAt time.Time
}

// APIKey is one credential owned by a user. Only the SHA-512 digest of the
// raw key is ever stored.
type APIKey struct {
	Digest    string
	UserID    int64
	Active    bool
	CreatedAt time.Time
}

// UserGroup is a named set of users whose grants apply to every member.
type UserGroup struct {
	ID          int64
	Name        string
	Description string
	MetaID      int64
}

// rawKeyPattern is the only accepted shape for a raw API key: exactly 64
// lowercase [0-9a-z] characters, matching the X-API-Key header contract.
var rawKeyPattern = regexp.MustCompile(`^[0-9a-z]{64}$`)

// KeyDigest returns the hex SHA-512 digest under which a raw key is stored
// and looked up.
func KeyDigest(rawKey string) string {
	sum := sha512.Sum512([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// CreateUser inserts a new user. The first user ever created is implicitly
// admin and receives the global "all" grant; everyone after gets the
// standing public bundle. The email must be unique.
func (s *Store) CreateUser(ctx context.Context, email, name string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, &kernelerr.BadRequestError{Field: "email", Reason: "empty"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "authz: create user: begin tx")
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM gerrydb.user WHERE email = $1)`, email).Scan(&exists); err != nil {
		return nil, eris.Wrap(err, "authz: create user: email check")
	}
	if exists {
		return nil, &kernelerr.InvariantError{Op: "authz.CreateUser", Reason: "email already registered: " + email}
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM gerrydb.user`).Scan(&count); err != nil {
		return nil, eris.Wrap(err, "authz: create user: count users")
	}
	isFirst := count == 0

	u := &User{Email: email, Name: name, IsAdmin: isFirst, CreatedAt: time.Now().UTC()}
	if err := tx.QueryRow(ctx, `
		INSERT INTO gerrydb.user (email, name, is_admin, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		u.Email, u.Name, u.IsAdmin, u.CreatedAt,
	).Scan(&u.ID); err != nil {
		return nil, eris.Wrap(err, "authz: create user: insert")
	}

	// pgx.Tx satisfies db.Pool, so the bootstrap grants join this
	// transaction instead of landing outside it.
	if err := NewStore(tx).BootstrapFirstUser(ctx, u.ID, isFirst); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "authz: create user: commit tx")
	}
	return u, nil
}

// CreateAPIKey stores the SHA-512 digest of rawKey as an active credential
// for userID. The raw key itself is never persisted.
func (s *Store) CreateAPIKey(ctx context.Context, userID int64, rawKey string) (*APIKey, error) {
	if !rawKeyPattern.MatchString(rawKey) {
		return nil, &kernelerr.BadRequestError{Field: "api_key", Reason: "must be 64 lowercase [0-9a-z] characters"}
	}

	k := &APIKey{Digest: KeyDigest(rawKey), UserID: userID, Active: true, CreatedAt: time.Now().UTC()}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO gerrydb.api_key (digest, user_id, active, created_at) VALUES ($1, $2, TRUE, $3)`,
		k.Digest, k.UserID, k.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "authz: create api key")
	}
	return k, nil
}

// AuthenticateAPIKey resolves rawKey (the X-API-Key header value) to its
// owning user: the key must be well-formed, known by digest, and active.
func (s *Store) AuthenticateAPIKey(ctx context.Context, rawKey string) (*User, error) {
	if !rawKeyPattern.MatchString(rawKey) {
		return nil, &kernelerr.BadRequestError{Field: "api_key", Reason: "must be 64 lowercase [0-9a-z] characters"}
	}

	var u User
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.name, u.is_admin, u.created_at, k.active
		FROM gerrydb.api_key k
		JOIN gerrydb.user u ON u.id = k.user_id
		WHERE k.digest = $1`,
		KeyDigest(rawKey),
	).Scan(&u.ID, &u.Email, &u.Name, &u.IsAdmin, &u.CreatedAt, &active)
	if err != nil {
		return nil, &kernelerr.NotFoundError{Resource: "api_key", Key: "digest"}
	}
	if !active {
		return nil, &kernelerr.ForbiddenError{Scope: "api_key:active"}
	}
	return &u, nil
}

// DeactivateAPIKey marks the key with the given digest inactive. Keys are
// never deleted, only deactivated.
func (s *Store) DeactivateAPIKey(ctx context.Context, digest string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE gerrydb.api_key SET active = FALSE WHERE digest = $1`, digest)
	if err != nil {
		return eris.Wrap(err, "authz: deactivate api key")
	}
	if tag.RowsAffected() == 0 {
		return &kernelerr.NotFoundError{Resource: "api_key", Key: "digest"}
	}
	return nil
}

// CreateGroup inserts a new user group.
func (s *Store) CreateGroup(ctx context.Context, name, description string, metaID int64) (*UserGroup, error) {
	g := &UserGroup{Name: name, Description: description, MetaID: metaID}
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO gerrydb.user_group (name, description, meta_id) VALUES ($1, $2, $3) RETURNING id`,
		name, description, metaID,
	).Scan(&g.ID); err != nil {
		return nil, eris.Wrap(err, "authz: create group")
	}
	return g, nil
}

// AddGroupMember adds userID to groupID. Re-adding an existing member is a
// no-op.
func (s *Store) AddGroupMember(ctx context.Context, groupID, userID int64) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO gerrydb.user_group_member (group_id, user_id) VALUES ($1, $2)
		ON CONFLICT (group_id, user_id) DO NOTHING`,
		groupID, userID,
	); err != nil {
		return eris.Wrapf(err, "authz: add user %d to group %d", userID, groupID)
	}
	return nil
}
