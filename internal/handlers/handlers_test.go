package handlers_test

import (
	"context"
	"testing"
	"time"

	"driveline/internal/config"
	"driveline/internal/db"
	"driveline/internal/domain"
	"driveline/internal/engine"
	"driveline/internal/handlers"
	"driveline/internal/migrate"
	"driveline/internal/repo"
)

func newTestEngine(t *testing.T) (engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := engine.NewRegistry()
	e := engine.New(conn, config.Default(), reg)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := handlers.RegisterBuiltin(reg, e); err != nil {
		t.Fatalf("register builtin: %v", err)
	}
	return e, context.Background()
}

func TestEchoReturnsPayload(t *testing.T) {
	e, ctx := newTestEngine(t)
	d, _, err := e.RequestDirective(ctx, engine.DirectiveRequest{
		Tenant: "acme", Type: "core.echo", IdempotencyKey: "k1",
		Payload: map[string]any{"msg": "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ExecuteDirective(ctx, "acme", d.ID); err != nil {
		t.Fatal(err)
	}
	got, err := e.Repo.GetDirective(ctx, "acme", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	echo, _ := got.Result["echo"].(map[string]any)
	if got.Status != domain.StatusSucceeded || echo["msg"] != "hello" {
		t.Fatalf("got status=%s result=%v", got.Status, got.Result)
	}
}

func TestChainRequestsFollowUp(t *testing.T) {
	e, ctx := newTestEngine(t)
	d, _, err := e.RequestDirective(ctx, engine.DirectiveRequest{
		Tenant: "acme", Type: "core.chain", IdempotencyKey: "k1",
		Payload: map[string]any{
			"next_type":    "core.echo",
			"next_payload": map[string]any{"step": "two"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ExecuteDirective(ctx, "acme", d.ID); err != nil {
		t.Fatal(err)
	}
	got, err := e.Repo.GetDirective(ctx, "acme", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("chain status = %s, error = %v", got.Status, got.Error)
	}
	nextID, _ := got.Result["chained_directive_id"].(string)
	if nextID == "" {
		t.Fatalf("no chained directive in result: %v", got.Result)
	}
	next, err := e.Repo.GetDirective(ctx, "acme", nextID)
	if err != nil {
		t.Fatal(err)
	}
	if next.Type != "core.echo" || next.Status != domain.StatusRequested {
		t.Fatalf("next = %+v", next)
	}
	// The whole chain shares the parent's correlation id.
	if next.CorrelationID != d.ID {
		t.Fatalf("correlation_id = %s, want parent id %s", next.CorrelationID, d.ID)
	}
	// Re-executing the chain step must not spawn a second follow-up.
	if _, err := e.RequestRerun(ctx, "acme", d.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.ExecuteDirective(ctx, "acme", d.ID); err != nil {
		t.Fatal(err)
	}
	all, err := e.Repo.ListDirectives(ctx, repo.DirectiveFilters{Tenant: "acme", Type: "core.echo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("chain rerun spawned %d follow-ups, want 1", len(all))
	}
}

func TestChainRequiresNextType(t *testing.T) {
	e, ctx := newTestEngine(t)
	d, _, err := e.RequestDirective(ctx, engine.DirectiveRequest{
		Tenant: "acme", Type: "core.chain", IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ExecuteDirective(ctx, "acme", d.ID); err != nil {
		t.Fatal(err)
	}
	got, err := e.Repo.GetDirective(ctx, "acme", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed || got.Error == nil || got.Error.Kind != domain.ErrKindValidation {
		t.Fatalf("got status=%s error=%v, want fatal validation failure", got.Status, got.Error)
	}
}
