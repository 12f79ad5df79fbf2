package signals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"driveline/internal/domain"
	"driveline/internal/repo"
)

// DefaultMaxPayloadBytes bounds the serialized payload of a single signal.
const DefaultMaxPayloadBytes = 64 * 1024

// Subscriber receives persisted signals on replay.
type Subscriber interface {
	Deliver(ctx context.Context, s domain.Signal) error
}

// Bus appends immutable facts to the signal log, deduplicated per tenant by
// a caller-supplied key. Signals are never updated or deleted here.
type Bus struct {
	Repo            repo.Repo
	Now             func() time.Time
	MaxPayloadBytes int

	mu          sync.RWMutex
	subscribers []Subscriber
}

func New(db *sql.DB) *Bus {
	return &Bus{
		Repo:            repo.Repo{DB: db},
		Now:             time.Now,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
	}
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Subscribe registers a fan-out consumer for Replay deliveries.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()
}

// Emit appends a signal and returns it. When dedupeKey is non-empty and a
// signal with the same (tenant, dedupeKey) exists, the existing signal is
// returned and nothing is written.
func (b *Bus) Emit(ctx context.Context, tenant, sigType string, subject domain.Subject, payload map[string]any, dedupeKey string) (domain.Signal, error) {
	if err := b.validate(tenant, sigType, payload); err != nil {
		return domain.Signal{}, err
	}
	s := domain.Signal{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Type:      sigType,
		Subject:   subject,
		Payload:   payload,
		CreatedAt: b.now().UTC().Format(time.RFC3339),
	}
	if dedupeKey != "" {
		s.DedupeKey = &dedupeKey
	}
	stored, _, err := b.Repo.InsertSignal(ctx, s)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("insert signal: %w", err)
	}
	return stored, nil
}

// EmitLogged is the fire-and-forget form: a failure to persist is logged and
// never reaches the caller's primary operation.
func (b *Bus) EmitLogged(ctx context.Context, tenant, sigType string, subject domain.Subject, payload map[string]any, dedupeKey string) {
	if _, err := b.Emit(ctx, tenant, sigType, subject, payload, dedupeKey); err != nil {
		log.Printf("signals: emit %s for tenant %s failed: %v", sigType, tenant, err)
	}
}

// Replay re-delivers a persisted signal to the registered fan-out consumers.
// No new signal row is written and no directive is re-executed.
func (b *Bus) Replay(ctx context.Context, signalID string) error {
	s, err := b.Repo.GetSignalByID(ctx, signalID)
	if err != nil {
		return err
	}
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()
	if len(subs) == 0 {
		return errors.New("no fan-out consumers registered")
	}
	var firstErr error
	for _, sub := range subs {
		if err := sub.Deliver(ctx, s); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bus) validate(tenant, sigType string, payload map[string]any) error {
	if strings.TrimSpace(tenant) == "" {
		return domain.Validationf("tenant is required")
	}
	if !ValidType(sigType) {
		return domain.Validationf("signal type %q must be a dotted string", sigType)
	}
	max := b.MaxPayloadBytes
	if max <= 0 {
		max = DefaultMaxPayloadBytes
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

// ValidType reports whether s is a non-empty dotted identifier such as
// "forum.post.created".
func ValidType(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
	}
	return true
}
