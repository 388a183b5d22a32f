package authz

import (
	"context"
	"testing"

	"github.com/nodeforge/brokercore/pkg/er"
	"github.com/nodeforge/brokercore/pkg/store/sqlstore"
)

func newTestAuthorizer(t *testing.T) *CredentialAuthorizer {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureUsersTable(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	return NewCredentialAuthorizer(db)
}

func TestCredentialAuthorizer_CreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthorizer(t)

	if err := a.CreateUser(ctx, "device-1", "hunter2", 4); err != nil {
		t.Fatal(err)
	}
	if err := a.Authenticate(ctx, "device-1", "hunter2"); err != nil {
		t.Fatalf("expected valid credentials to authenticate, got %v", err)
	}
}

func TestCredentialAuthorizer_WrongPasswordRejected(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthorizer(t)

	if err := a.CreateUser(ctx, "device-1", "hunter2", 4); err != nil {
		t.Fatal(err)
	}
	err := a.Authenticate(ctx, "device-1", "wrong")
	if kind, ok := er.KindOf(err); !ok || kind != er.NotAuthorized {
		t.Fatalf("expected NotAuthorized, got %v", err)
	}
}

func TestCredentialAuthorizer_UnknownClientRejected(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthorizer(t)

	err := a.Authenticate(ctx, "nobody", "whatever")
	if kind, ok := er.KindOf(err); !ok || kind != er.NotAuthorized {
		t.Fatalf("expected NotAuthorized, got %v", err)
	}
}

func TestCredentialAuthorizer_GrantsEveryTopicOnceAuthenticated(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthorizer(t)
	if err := a.CreateUser(ctx, "device-1", "hunter2", 4); err != nil {
		t.Fatal(err)
	}
	if err := a.Authenticate(ctx, "device-1", "hunter2"); err != nil {
		t.Fatal(err)
	}
	if err := a.AuthorizePublish(ctx, "device-1", "sensors/t1"); err != nil {
		t.Fatal(err)
	}
	if err := a.AuthorizeSubscribe(ctx, "device-1", "sensors/#"); err != nil {
		t.Fatal(err)
	}
}

func TestAllow_GrantsEverything(t *testing.T) {
	ctx := context.Background()
	var a Allow
	if err := a.AuthorizePublish(ctx, "anyone", "anything"); err != nil {
		t.Fatal(err)
	}
	if err := a.AuthorizeSubscribe(ctx, "anyone", "anything/#"); err != nil {
		t.Fatal(err)
	}
}
