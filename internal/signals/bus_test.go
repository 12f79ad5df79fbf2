package signals_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"driveline/internal/db"
	"driveline/internal/domain"
	"driveline/internal/migrate"
	"driveline/internal/repo"
	"driveline/internal/signals"
)

func newTestBus(t *testing.T) (*signals.Bus, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := signals.New(conn)
	bus.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := bus.Repo.EnsureTenant(ctx, "acme", "", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	return bus, ctx
}

func TestEmitAppendsSignal(t *testing.T) {
	bus, ctx := newTestBus(t)
	s, err := bus.Emit(ctx, "acme", "forum.post.created", domain.Subject{Type: "forum.post", ID: "p-1"},
		map[string]any{"title": "hello"}, "")
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if s.Seq == 0 || s.ID == "" {
		t.Fatalf("signal not assigned seq/id: %+v", s)
	}
	if s.CreatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("created_at = %s", s.CreatedAt)
	}
}

func TestEmitDedupeReturnsOriginal(t *testing.T) {
	bus, ctx := newTestBus(t)
	first, err := bus.Emit(ctx, "acme", "forum.post.created", domain.Subject{Type: "forum.post", ID: "p-1"},
		map[string]any{"n": 1}, "post.created:p-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := bus.Emit(ctx, "acme", "forum.post.created", domain.Subject{Type: "forum.post", ID: "p-1"},
		map[string]any{"n": 2}, "post.created:p-1")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatalf("dedupe must return the original signal, got %s want %s", second.ID, first.ID)
	}
	// Same key under a different tenant is independent.
	if err := bus.Repo.EnsureTenant(ctx, "other", "", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatal(err)
	}
	other, err := bus.Emit(ctx, "other", "forum.post.created", domain.Subject{Type: "forum.post", ID: "p-1"},
		map[string]any{"n": 3}, "post.created:p-1")
	if err != nil {
		t.Fatal(err)
	}
	if other.ID == first.ID {
		t.Fatalf("dedupe keys must be tenant-scoped")
	}
}

func TestEmitValidation(t *testing.T) {
	bus, ctx := newTestBus(t)
	subject := domain.Subject{Type: "forum.post", ID: "p-1"}
	if _, err := bus.Emit(ctx, "", "forum.post.created", subject, nil, ""); err == nil {
		t.Fatalf("empty tenant must fail")
	}
	if _, err := bus.Emit(ctx, "acme", "not..dotted", subject, nil, ""); err == nil {
		t.Fatalf("malformed type must fail")
	}
	bus.MaxPayloadBytes = 16
	_, err := bus.Emit(ctx, "acme", "forum.post.created", subject,
		map[string]any{"body": "this payload is definitely too large"}, "")
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("oversized payload: got %v, want ValidationError", err)
	}
}

func TestEmitLoggedNeverFailsCaller(t *testing.T) {
	bus, ctx := newTestBus(t)
	// Invalid type would make Emit error; EmitLogged must swallow it.
	bus.EmitLogged(ctx, "acme", "", domain.Subject{}, nil, "")
}

type recordingSubscriber struct {
	delivered []domain.Signal
	err       error
}

func (r *recordingSubscriber) Deliver(_ context.Context, s domain.Signal) error {
	r.delivered = append(r.delivered, s)
	return r.err
}

func TestReplayDeliversWithoutNewRow(t *testing.T) {
	bus, ctx := newTestBus(t)
	s, err := bus.Emit(ctx, "acme", "forum.post.created", domain.Subject{Type: "forum.post", ID: "p-1"},
		map[string]any{"title": "hello"}, "")
	if err != nil {
		t.Fatal(err)
	}
	sub := &recordingSubscriber{}
	bus.Subscribe(sub)
	if err := bus.Replay(ctx, s.ID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(sub.delivered) != 1 || sub.delivered[0].ID != s.ID {
		t.Fatalf("delivered = %v", sub.delivered)
	}
	latest, err := bus.Repo.LatestSignalSeq(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if latest != s.Seq {
		t.Fatalf("replay must not append: latest=%d want %d", latest, s.Seq)
	}
}

func TestReplayErrors(t *testing.T) {
	bus, ctx := newTestBus(t)
	s, err := bus.Emit(ctx, "acme", "forum.post.created", domain.Subject{Type: "forum.post", ID: "p-1"}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Replay(ctx, s.ID); err == nil {
		t.Fatalf("replay without consumers must error")
	}
	if err := bus.Replay(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("replay of missing signal: got %v, want ErrNotFound", err)
	}
	failing := &recordingSubscriber{err: fmt.Errorf("endpoint down")}
	ok := &recordingSubscriber{}
	bus.Subscribe(failing)
	bus.Subscribe(ok)
	if err := bus.Replay(ctx, s.ID); err == nil {
		t.Fatalf("first consumer error must surface")
	}
	if len(ok.delivered) != 1 {
		t.Fatalf("remaining consumers still receive the signal")
	}
}

func TestValidType(t *testing.T) {
	valid := []string{"forum.post.created", "core.echo", "a.b"}
	invalid := []string{"", ".", "a.", ".a", "a..b"}
	for _, s := range valid {
		if !signals.ValidType(s) {
			t.Errorf("ValidType(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if signals.ValidType(s) {
			t.Errorf("ValidType(%q) = true, want false", s)
		}
	}
}
