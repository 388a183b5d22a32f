// Package authz defines the single authorization hook spec.md §1 carves out
// of an otherwise out-of-scope ACL/user-management surface ("user-management
// and ACL enforcement beyond a single authorization hook" is explicitly
// non-goal; the hook's result is not). The Session Handler calls this hook
// once per PUBLISH and once per SUBSCRIBE (spec.md §2 data flow: "client
// frame -> authorizer -> Session Handler records metrics -> ...") and turns
// a rejection into the NotAuthorized error Kind (spec.md §7: "Fail the
// single frame; do not disconnect").
//
// Grounded on the teacher's internal/auth.Store (sqlite + bcrypt credential
// check against a users table), generalized from "authenticate a username/
// password pair" into "authorize a publish or subscribe attempt", and kept
// as one concrete example implementation rather than a full ACL engine.
package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	brokerer "github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/hash"
)

// Authorizer is the single hook the core consumes (spec.md §1/§2). Publish
// and Subscribe are evaluated independently; an implementation that grants
// everything is Allow.
type Authorizer interface {
	AuthorizePublish(ctx context.Context, clientID, topic string) error
	AuthorizeSubscribe(ctx context.Context, clientID, topicFilter string) error
}

// Allow grants every publish and subscribe unconditionally. It is the
// default when no authorizer is configured.
type Allow struct{}

func (Allow) AuthorizePublish(ctx context.Context, clientID, topic string) error   { return nil }
func (Allow) AuthorizeSubscribe(ctx context.Context, clientID, topicFilter string) error { return nil }

// CredentialAuthorizer is one concrete example hook: Authenticate checks a
// clientID and password against a sqlite users table of bcrypt secrets, and
// AuthorizePublish/AuthorizeSubscribe grant every publish/subscribe to any
// client. It keeps no record of Authenticate results, and it does not
// implement per-topic ACLs — spec.md's
// authorization hook is a single accept/reject gate, not a permissions
// engine.
type CredentialAuthorizer struct {
	db *sql.DB
}

// NewCredentialAuthorizer constructs a CredentialAuthorizer against a sqlite
// users(username, secret) table, grounded on the teacher's internal/auth.Store.
func NewCredentialAuthorizer(db *sql.DB) *CredentialAuthorizer {
	return &CredentialAuthorizer{db: db}
}

// Authenticate verifies clientID's password against its stored bcrypt
// secret. It is called once at CONNECT time; its result is not stored, and
// AuthorizePublish/AuthorizeSubscribe do not consult it.
func (a *CredentialAuthorizer) Authenticate(ctx context.Context, clientID, password string) error {
	var secret string
	err := a.db.QueryRowContext(ctx, "SELECT secret FROM users WHERE username = ?", clientID).Scan(&secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return brokerer.New(brokerer.NotAuthorized, "Authenticate: unknown client "+clientID)
		}
		return brokerer.Wrap(brokerer.StoreUnavailable, "Authenticate", err)
	}
	if !hash.VerifyPasswd(secret, password) {
		return brokerer.New(brokerer.NotAuthorized, "Authenticate: invalid password for "+clientID)
	}
	return nil
}

// AuthorizePublish grants every topic to any client (no per-topic ACL, per
// spec.md's non-goal). It checks neither credentials nor whether
// Authenticate succeeded for clientID.
func (a *CredentialAuthorizer) AuthorizePublish(ctx context.Context, clientID, topic string) error {
	return nil
}

// AuthorizeSubscribe grants every filter to any client, for the same reason
// as AuthorizePublish.
func (a *CredentialAuthorizer) AuthorizeSubscribe(ctx context.Context, clientID, topicFilter string) error {
	return nil
}

// CreateUser bcrypt-hashes password at cost and upserts (username, secret)
// into the users table, grounded on the teacher's registration path
// (cmd/goqtt seeds the users table the same way at provisioning time).
func (a *CredentialAuthorizer) CreateUser(ctx context.Context, username, password string, cost int) error {
	secret, err := hash.HashPasswd(password, cost)
	if err != nil {
		return fmt.Errorf("CreateUser: hash: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		"INSERT INTO users (username, secret) VALUES (?, ?) ON CONFLICT(username) DO UPDATE SET secret = excluded.secret",
		username, secret)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "CreateUser: insert", err)
	}
	return nil
}

// EnsureUsersTable creates the users table if it doesn't already exist.
func EnsureUsersTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		secret   TEXT NOT NULL
	)`)
	if err != nil {
		return brokerer.Wrap(brokerer.StoreUnavailable, "EnsureUsersTable", err)
	}
	return nil
}
