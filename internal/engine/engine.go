package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"driveline/internal/config"
	"driveline/internal/domain"
	"driveline/internal/repo"
	"driveline/internal/signals"
)

// Engine owns the directive lifecycle: idempotent creation, guarded
// execution, cancel and rerun. Execution is synchronous per delivery; the
// at-least-once scheduler that redelivers lives outside this package.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Bus      *signals.Bus
	Registry *Registry
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, reg *Registry) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if reg == nil {
		reg = NewRegistry()
	}
	bus := signals.New(db)
	bus.MaxPayloadBytes = cfg.Core.MaxPayloadBytes
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Bus:      bus,
		Registry: reg,
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// DirectiveRequest are parameters for requesting a directive.
type DirectiveRequest struct {
	Tenant         string
	Type           string
	Payload        map[string]any
	IdempotencyKey string
	Subject        *domain.Subject
	ScheduledAt    *string
	MaxAttempts    int
	CorrelationID  string
}

// RequestDirective creates a directive in requested state. A repeated call
// with the same (tenant, type, idempotency key) returns the existing
// directive unchanged.
func (e Engine) RequestDirective(ctx context.Context, req DirectiveRequest) (domain.Directive, bool, error) {
	if strings.TrimSpace(req.Tenant) == "" {
		return domain.Directive{}, false, domain.Validationf("tenant is required")
	}
	if !signals.ValidType(req.Type) {
		return domain.Directive{}, false, domain.Validationf("directive type %q must be a dotted string", req.Type)
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return domain.Directive{}, false, domain.Validationf("idempotency key is required")
	}
	if err := e.checkPayloadSize(req.Payload); err != nil {
		return domain.Directive{}, false, err
	}
	if req.ScheduledAt != nil {
		if _, err := time.Parse(time.RFC3339, *req.ScheduledAt); err != nil {
			return domain.Directive{}, false, domain.Validationf("scheduled_at: %v", err)
		}
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.Config.Core.DefaultMaxAttempts
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureTenant(ctx, req.Tenant, "", now); err != nil {
		return domain.Directive{}, false, fmt.Errorf("ensure tenant: %w", err)
	}
	d := domain.Directive{
		ID:             uuid.NewString(),
		Tenant:         req.Tenant,
		Type:           req.Type,
		Payload:        req.Payload,
		Subject:        req.Subject,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    maxAttempts,
		ScheduledAt:    req.ScheduledAt,
		CorrelationID:  req.CorrelationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return e.Repo.InsertDirective(ctx, d)
}

// ExecuteDirective runs one delivery of "please run directive X". It is safe
// to invoke any number of times for the same directive: guardrails turn
// redundant deliveries into no-ops. A non-nil return means transient storage
// trouble and asks the scheduler to redeliver; everything else, including
// handler failure, is absorbed into directive state.
func (e Engine) ExecuteDirective(ctx context.Context, tenant, directiveID string) error {
	d, err := e.Repo.GetDirective(ctx, tenant, directiveID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			log.Printf("engine: directive %s not found for tenant %s, discarding delivery", directiveID, tenant)
			return nil
		}
		return fmt.Errorf("load directive: %w", err)
	}

	// Snooze: not due yet. The collaborator that set scheduled_at (or the
	// polling dispatcher) owns redelivery at/after that time.
	if d.ScheduledAt != nil {
		due, err := time.Parse(time.RFC3339, *d.ScheduledAt)
		if err == nil && e.now().UTC().Before(due) {
			return nil
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	if domain.IsTerminal(d.Status) {
		if !d.RerunRequested {
			return nil
		}
		reopened, err := e.Repo.ReopenForRerun(ctx, tenant, d.ID, now)
		if err != nil {
			return fmt.Errorf("reopen for rerun: %w", err)
		}
		if !reopened {
			return nil
		}
	} else if d.Status == domain.StatusRunning {
		// Another delivery is in flight, or a crashed execution never
		// finalized. Either way this delivery must not proceed.
		return nil
	}

	claimed, err := e.Repo.ClaimDirective(ctx, tenant, d.ID, now)
	if err != nil {
		return fmt.Errorf("claim directive: %w", err)
	}
	if !claimed {
		return nil
	}
	attempt := d.Attempt + 1

	subject := DeriveSubject(d.Type, d.ID, d.Payload)
	if d.Subject != nil {
		subject = *d.Subject
	} else if err := e.Repo.SetDirectiveSubject(ctx, tenant, d.ID, subject); err != nil {
		log.Printf("engine: persist subject for %s failed: %v", d.ID, err)
	}

	handler, ok := e.Registry.Lookup(d.Type)
	if !ok {
		info := domain.ErrorInfo{Kind: domain.ErrKindUnknownType, Message: fmt.Sprintf("no handler registered for %s", d.Type)}
		return e.finalizeFailed(ctx, d, subject, info, attempt)
	}

	result, handlerErr := invoke(ctx, handler, HandlerRequest{
		Tenant:      tenant,
		Payload:     d.Payload,
		Subject:     subject,
		DirectiveID: d.ID,
	})

	if handlerErr == nil {
		return e.finalizeSucceeded(ctx, d, subject, result, attempt)
	}

	info := classify(handlerErr)
	fatal := info.Kind == domain.ErrKindValidation
	if fatal || attempt >= d.MaxAttempts {
		return e.finalizeFailed(ctx, d, subject, info, attempt)
	}
	released, err := e.Repo.ReleaseForRetry(ctx, tenant, d.ID, info, e.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("release for retry: %w", err)
	}
	if !released {
		log.Printf("engine: directive %s left running state before release", d.ID)
	}
	return nil
}

// invoke calls the handler with panic recovery so a crashing handler is
// indistinguishable from a returned error.
func invoke(ctx context.Context, h Handler, req HandlerRequest) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, req)
}

func (e Engine) finalizeSucceeded(ctx context.Context, d domain.Directive, subject domain.Subject, result map[string]any, attempt int) error {
	now := e.now().UTC().Format(time.RFC3339)
	done, err := e.Repo.FinalizeSucceeded(ctx, d.Tenant, d.ID, result, now)
	if err != nil {
		if _, relErr := e.Repo.ReleaseForRetry(ctx, d.Tenant, d.ID, domain.ErrorInfo{
			Kind:    domain.ErrKindStorage,
			Message: err.Error(),
		}, now); relErr != nil {
			log.Printf("engine: release %s after finalize failure also failed: %v", d.ID, relErr)
		}
		return fmt.Errorf("finalize succeeded: %w", err)
	}
	if !done {
		log.Printf("engine: directive %s left running state before success finalize", d.ID)
		return nil
	}
	e.emitLifecycle(ctx, d, subject, "succeeded", map[string]any{
		"directive_id": d.ID,
		"attempt":      attempt,
		"result":       result,
	})
	return nil
}

func (e Engine) finalizeFailed(ctx context.Context, d domain.Directive, subject domain.Subject, info domain.ErrorInfo, attempt int) error {
	now := e.now().UTC().Format(time.RFC3339)
	done, err := e.Repo.FinalizeFailed(ctx, d.Tenant, d.ID, info, now)
	if err != nil {
		return fmt.Errorf("finalize failed: %w", err)
	}
	if !done {
		log.Printf("engine: directive %s left running state before failure finalize", d.ID)
		return nil
	}
	e.emitLifecycle(ctx, d, subject, "failed", map[string]any{
		"directive_id": d.ID,
		"attempt":      attempt,
		"error":        map[string]any{"kind": info.Kind, "message": info.Message},
	})
	return nil
}

// emitLifecycle records the completion fact, best-effort: a failed emit never
// changes the directive's outcome.
func (e Engine) emitLifecycle(ctx context.Context, d domain.Directive, subject domain.Subject, outcome string, payload map[string]any) {
	sigType := d.Type + "." + outcome
	dedupeKey := fmt.Sprintf("%s:%s:%s:%s", sigType, d.Tenant, subject.ID, d.ID)
	e.Bus.EmitLogged(ctx, d.Tenant, sigType, subject, payload, dedupeKey)
}

// CancelDirective moves a requested directive to canceled. Running
// directives cannot be canceled; the in-flight handler call cannot be
// interrupted.
func (e Engine) CancelDirective(ctx context.Context, tenant, id string) (domain.Directive, error) {
	d, err := e.Repo.GetDirective(ctx, tenant, id)
	if err != nil {
		return d, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	canceled, err := e.Repo.CancelDirective(ctx, tenant, id, now)
	if err != nil {
		return d, err
	}
	if !canceled {
		return d, fmt.Errorf("directive %s is %s; only requested directives can be canceled", id, d.Status)
	}
	return e.Repo.GetDirective(ctx, tenant, id)
}

// RequestRerun flags a terminal directive so the next delivery runs it once
// more. The runner resets status and the flag atomically at that point.
func (e Engine) RequestRerun(ctx context.Context, tenant, id string) (domain.Directive, error) {
	d, err := e.Repo.GetDirective(ctx, tenant, id)
	if err != nil {
		return d, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	flagged, err := e.Repo.RequestRerun(ctx, tenant, id, now)
	if err != nil {
		return d, err
	}
	if !flagged {
		return d, fmt.Errorf("directive %s is %s; rerun applies to terminal directives only", id, d.Status)
	}
	return e.Repo.GetDirective(ctx, tenant, id)
}

func (e Engine) checkPayloadSize(payload map[string]any) error {
	max := e.Config.Core.MaxPayloadBytes
	if max <= 0 {
		max = signals.DefaultMaxPayloadBytes
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Validationf("payload not serializable: %v", err)
	}
	if len(data) > max {
		return domain.Validationf("payload %d bytes exceeds limit %d", len(data), max)
	}
	return nil
}

func classify(err error) domain.ErrorInfo {
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return domain.ErrorInfo{Kind: domain.ErrKindValidation, Message: ve.Msg}
	}
	return domain.ErrorInfo{Kind: domain.ErrKindHandler, Message: err.Error()}
}

// DeriveSubject computes the default subject for a directive without an
// explicit override. The subject type is the directive type minus its last
// segment; the id comes from the payload's subject_id, id, or first *_id key
// in sorted order, falling back to the directive id. Deterministic by
// construction so repeated executions derive the same subject.
func DeriveSubject(dtype, directiveID string, payload map[string]any) domain.Subject {
	subjectType := dtype
	if i := strings.LastIndex(dtype, "."); i > 0 {
		subjectType = dtype[:i]
	}
	if v, ok := stringValue(payload, "subject_id"); ok {
		return domain.Subject{Type: subjectType, ID: v}
	}
	if v, ok := stringValue(payload, "id"); ok {
		return domain.Subject{Type: subjectType, ID: v}
	}
	var idKeys []string
	for k := range payload {
		if strings.HasSuffix(k, "_id") {
			idKeys = append(idKeys, k)
		}
	}
	sort.Strings(idKeys)
	for _, k := range idKeys {
		if v, ok := stringValue(payload, k); ok {
			return domain.Subject{Type: subjectType, ID: v}
		}
	}
	return domain.Subject{Type: subjectType, ID: directiveID}
}

func stringValue(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
