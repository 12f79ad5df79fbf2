package repo_test

import (
	"context"
	"errors"
	"testing"

	"driveline/internal/db"
	"driveline/internal/domain"
	"driveline/internal/migrate"
	"driveline/internal/repo"
)

const testNow = "2024-01-01T00:00:00Z"

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.EnsureTenant(ctx, "acme", "Acme", testNow); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	return r, ctx
}

func testDirective(id, key string) domain.Directive {
	return domain.Directive{
		ID:             id,
		Tenant:         "acme",
		Type:           "forum.post.publish",
		Payload:        map[string]any{"post_id": "p-1"},
		IdempotencyKey: key,
		MaxAttempts:    3,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
}

func TestInsertDirectiveIdempotent(t *testing.T) {
	r, ctx := newTestRepo(t)
	first, created, err := r.InsertDirective(ctx, testDirective("d-1", "key-1"))
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	if first.Status != domain.StatusRequested {
		t.Fatalf("status = %s, want requested", first.Status)
	}
	second, created, err := r.InsertDirective(ctx, testDirective("d-2", "key-1"))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatalf("second insert should not create")
	}
	if second.ID != first.ID {
		t.Fatalf("second insert returned %s, want existing %s", second.ID, first.ID)
	}
	// Different key creates a fresh directive.
	third, created, err := r.InsertDirective(ctx, testDirective("d-3", "key-2"))
	if err != nil || !created {
		t.Fatalf("third insert: created=%v err=%v", created, err)
	}
	if third.ID == first.ID {
		t.Fatalf("different key must create a new directive")
	}
}

func TestClaimDirectiveSingleWinner(t *testing.T) {
	r, ctx := newTestRepo(t)
	d, _, err := r.InsertDirective(ctx, testDirective("d-1", "key-1"))
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := r.ClaimDirective(ctx, "acme", d.ID, testNow)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = r.ClaimDirective(ctx, "acme", d.ID, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Fatalf("second claim must lose")
	}
	got, err := r.GetDirective(ctx, "acme", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRunning || got.Attempt != 1 {
		t.Fatalf("got status=%s attempt=%d, want running/1", got.Status, got.Attempt)
	}
}

func TestFinalizeTransitions(t *testing.T) {
	r, ctx := newTestRepo(t)
	d, _, err := r.InsertDirective(ctx, testDirective("d-1", "key-1"))
	if err != nil {
		t.Fatal(err)
	}
	// Finalizing a requested directive must be a no-op.
	done, err := r.FinalizeSucceeded(ctx, "acme", d.ID, map[string]any{"ok": true}, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatalf("finalize must require running state")
	}
	if _, err := r.ClaimDirective(ctx, "acme", d.ID, testNow); err != nil {
		t.Fatal(err)
	}
	done, err = r.FinalizeSucceeded(ctx, "acme", d.ID, map[string]any{"ok": true}, testNow)
	if err != nil || !done {
		t.Fatalf("finalize succeeded: done=%v err=%v", done, err)
	}
	got, err := r.GetDirective(ctx, "acme", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusSucceeded || got.CompletedAt == nil {
		t.Fatalf("got status=%s completed_at=%v", got.Status, got.CompletedAt)
	}
	if got.Result["ok"] != true {
		t.Fatalf("result not stored: %v", got.Result)
	}
}

func TestReleaseForRetryKeepsError(t *testing.T) {
	r, ctx := newTestRepo(t)
	d, _, err := r.InsertDirective(ctx, testDirective("d-1", "key-1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ClaimDirective(ctx, "acme", d.ID, testNow); err != nil {
		t.Fatal(err)
	}
	info := domain.ErrorInfo{Kind: domain.ErrKindHandler, Message: "boom"}
	released, err := r.ReleaseForRetry(ctx, "acme", d.ID, info, testNow)
	if err != nil || !released {
		t.Fatalf("release: released=%v err=%v", released, err)
	}
	got, err := r.GetDirective(ctx, "acme", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRequested || got.Attempt != 1 {
		t.Fatalf("got status=%s attempt=%d, want requested/1", got.Status, got.Attempt)
	}
	if got.Error == nil || got.Error.Message != "boom" {
		t.Fatalf("last error not recorded: %v", got.Error)
	}
}

func TestCancelOnlyFromRequested(t *testing.T) {
	r, ctx := newTestRepo(t)
	d, _, err := r.InsertDirective(ctx, testDirective("d-1", "key-1"))
	if err != nil {
		t.Fatal(err)
	}
	canceled, err := r.CancelDirective(ctx, "acme", d.ID, testNow)
	if err != nil || !canceled {
		t.Fatalf("cancel requested: canceled=%v err=%v", canceled, err)
	}
	canceled, err = r.CancelDirective(ctx, "acme", d.ID, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if canceled {
		t.Fatalf("cancel of canceled directive must be a no-op")
	}
}

func TestRerunFlagAndReopen(t *testing.T) {
	r, ctx := newTestRepo(t)
	d, _, err := r.InsertDirective(ctx, testDirective("d-1", "key-1"))
	if err != nil {
		t.Fatal(err)
	}
	// Rerun on a non-terminal directive is rejected.
	flagged, err := r.RequestRerun(ctx, "acme", d.ID, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if flagged {
		t.Fatalf("rerun must apply to terminal directives only")
	}
	if _, err := r.ClaimDirective(ctx, "acme", d.ID, testNow); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FinalizeFailed(ctx, "acme", d.ID, domain.ErrorInfo{Kind: domain.ErrKindHandler, Message: "x"}, testNow); err != nil {
		t.Fatal(err)
	}
	flagged, err = r.RequestRerun(ctx, "acme", d.ID, testNow)
	if err != nil || !flagged {
		t.Fatalf("rerun on failed: flagged=%v err=%v", flagged, err)
	}
	reopened, err := r.ReopenForRerun(ctx, "acme", d.ID, testNow)
	if err != nil || !reopened {
		t.Fatalf("reopen: reopened=%v err=%v", reopened, err)
	}
	// The flag is consumed; a second reopen loses.
	reopened, err = r.ReopenForRerun(ctx, "acme", d.ID, testNow)
	if err != nil {
		t.Fatal(err)
	}
	if reopened {
		t.Fatalf("reopen must consume the rerun flag")
	}
	got, err := r.GetDirective(ctx, "acme", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRequested || got.RerunRequested {
		t.Fatalf("got status=%s rerun=%v, want requested/false", got.Status, got.RerunRequested)
	}
}

func TestListDueRespectsSchedule(t *testing.T) {
	r, ctx := newTestRepo(t)
	future := "2024-06-01T00:00:00Z"
	snoozed := testDirective("d-snoozed", "key-snoozed")
	snoozed.ScheduledAt = &future
	if _, _, err := r.InsertDirective(ctx, snoozed); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.InsertDirective(ctx, testDirective("d-due", "key-due")); err != nil {
		t.Fatal(err)
	}
	due, err := r.ListDue(ctx, testNow, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "d-due" {
		t.Fatalf("due = %v, want only d-due", due)
	}
	due, err = r.ListDue(ctx, future, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("at scheduled time both are due, got %d", len(due))
	}
}

func TestSetDirectiveSubjectOnlyOnce(t *testing.T) {
	r, ctx := newTestRepo(t)
	d, _, err := r.InsertDirective(ctx, testDirective("d-1", "key-1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.SetDirectiveSubject(ctx, "acme", d.ID, domain.Subject{Type: "forum.post", ID: "p-1"}); err != nil {
		t.Fatal(err)
	}
	// A later derivation must not overwrite the persisted subject.
	if err := r.SetDirectiveSubject(ctx, "acme", d.ID, domain.Subject{Type: "forum.post", ID: "p-2"}); err != nil {
		t.Fatal(err)
	}
	got, err := r.GetDirective(ctx, "acme", d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Subject == nil || got.Subject.ID != "p-1" {
		t.Fatalf("subject = %v, want forum.post/p-1", got.Subject)
	}
}

func TestInsertSignalDedupe(t *testing.T) {
	r, ctx := newTestRepo(t)
	key := "post.created:p-1"
	s := domain.Signal{
		ID:        "s-1",
		Tenant:    "acme",
		Type:      "forum.post.created",
		Subject:   domain.Subject{Type: "forum.post", ID: "p-1"},
		DedupeKey: &key,
		Payload:   map[string]any{"title": "hello"},
		CreatedAt: testNow,
	}
	first, inserted, err := r.InsertSignal(ctx, s)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	dup := s
	dup.ID = "s-2"
	second, inserted, err := r.InsertSignal(ctx, dup)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatalf("duplicate dedupe key must not insert")
	}
	if second.ID != first.ID || second.Seq != first.Seq {
		t.Fatalf("dedupe returned %s/%d, want %s/%d", second.ID, second.Seq, first.ID, first.Seq)
	}
	// Signals without a dedupe key always append.
	free := s
	free.ID = "s-3"
	free.DedupeKey = nil
	_, inserted, err = r.InsertSignal(ctx, free)
	if err != nil || !inserted {
		t.Fatalf("keyless insert: inserted=%v err=%v", inserted, err)
	}
}

func TestSignalsAfterPagesForward(t *testing.T) {
	r, ctx := newTestRepo(t)
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		s := domain.Signal{
			ID:        id,
			Tenant:    "acme",
			Type:      "forum.post.created",
			Subject:   domain.Subject{Type: "forum.post", ID: id},
			Payload:   map[string]any{},
			CreatedAt: testNow,
		}
		if _, _, err := r.InsertSignal(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	first, err := r.SignalsAfter(ctx, 2, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 || first[0].ID != "s-1" {
		t.Fatalf("first page = %v", first)
	}
	rest, err := r.SignalsAfter(ctx, 10, first[len(first)-1].Seq, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ID != "s-3" {
		t.Fatalf("second page = %v", rest)
	}
	latest, err := r.LatestSignalSeq(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if latest != rest[0].Seq {
		t.Fatalf("latest seq = %d, want %d", latest, rest[0].Seq)
	}
}

func TestGetDirectiveScopedByTenant(t *testing.T) {
	r, ctx := newTestRepo(t)
	if err := r.EnsureTenant(ctx, "other", "", testNow); err != nil {
		t.Fatal(err)
	}
	d, _, err := r.InsertDirective(ctx, testDirective("d-1", "key-1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetDirective(ctx, "other", d.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("cross-tenant read must return ErrNotFound, got %v", err)
	}
}
