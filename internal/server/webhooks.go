package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"driveline/internal/config"
	"driveline/internal/domain"
	"driveline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher is the fan-out consumer: it pages through the signal log
// by seq cursor and posts each matching signal to configured endpoints. It
// also accepts direct deliveries from Signal Replay without moving cursors.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher launches the fan-out loop and subscribes it to the
// bus so replayed signals reach the same consumers.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, hooks []config.WebhookConfig) {
	if len(hooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	e.Bus.Subscribe(d)
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	sigs, err := d.engine.Repo.SignalsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		log.Printf("webhook: fetch signals failed: %v", err)
		return
	}
	if len(sigs) == 0 {
		return
	}
	filter := newSignalFilter(hook.Types)
	for _, sig := range sigs {
		if !filter.match(sig.Type) {
			d.setCursor(idx, sig.Seq)
			continue
		}
		if err := d.postSignal(ctx, hook, sig); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, sig.Seq)
	}
}

// Deliver implements signals.Subscriber: replay pushes one signal to every
// enabled hook, bypassing the cursors so normal delivery is unaffected.
func (d *webhookDispatcher) Deliver(ctx context.Context, sig domain.Signal) error {
	var firstErr error
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if !newSignalFilter(hook.Types).match(sig.Type) {
			continue
		}
		if err := d.postSignal(ctx, hook, sig); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestSignalSeq(ctx, "")
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookSignal struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	Tenant    string         `json:"tenant"`
	Type      string         `json:"type"`
	Subject   domain.Subject `json:"subject"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at"`
}

func (d *webhookDispatcher) postSignal(ctx context.Context, hook config.WebhookConfig, sig domain.Signal) error {
	body := webhookSignal{
		Seq:       sig.Seq,
		ID:        sig.ID,
		Tenant:    sig.Tenant,
		Type:      sig.Type,
		Subject:   sig.Subject,
		Payload:   sig.Payload,
		CreatedAt: sig.CreatedAt,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Driveline-Signal", sig.Type)
	req.Header.Set("X-Driveline-Delivery", sig.ID)
	req.Header.Set("X-Driveline-Tenant", sig.Tenant)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Driveline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type signalFilter struct {
	all bool
	set map[string]struct{}
}

func newSignalFilter(types []string) signalFilter {
	if len(types) == 0 {
		return signalFilter{all: true}
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return signalFilter{all: true}
	}
	return signalFilter{set: set}
}

func (f signalFilter) match(t string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[t]
	return ok
}
