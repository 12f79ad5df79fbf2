// Package handlers carries the built-in directive handlers. Domain teams
// register their own; these two exist so a fresh deployment can exercise the
// execution path end to end.
package handlers

import (
	"context"
	"fmt"

	"driveline/internal/domain"
	"driveline/internal/engine"
)

// RegisterBuiltin wires the core.* handlers into a registry.
func RegisterBuiltin(reg *engine.Registry, e engine.Engine) error {
	if err := reg.Register("core.echo", Echo); err != nil {
		return err
	}
	return reg.Register("core.chain", Chain(e))
}

// Echo returns its payload unchanged. Trivially idempotent; useful for
// smoke-testing delivery and audit wiring.
func Echo(ctx context.Context, req engine.HandlerRequest) (map[string]any, error) {
	return map[string]any{"echo": req.Payload}, nil
}

// Chain requests a follow-up directive named by the payload's next_type,
// carrying the parent's correlation id. This is the decomposition pattern for
// long-running work: each handler does one bounded step and chains the rest.
func Chain(e engine.Engine) engine.Handler {
	return func(ctx context.Context, req engine.HandlerRequest) (map[string]any, error) {
		nextType, _ := req.Payload["next_type"].(string)
		if nextType == "" {
			return nil, domain.Validationf("next_type is required")
		}
		nextPayload, _ := req.Payload["next_payload"].(map[string]any)
		parent, err := e.Repo.GetDirective(ctx, req.Tenant, req.DirectiveID)
		if err != nil {
			return nil, fmt.Errorf("load parent directive: %w", err)
		}
		correlationID := parent.CorrelationID
		if correlationID == "" {
			correlationID = parent.ID
		}
		next, _, err := e.RequestDirective(ctx, engine.DirectiveRequest{
			Tenant:         req.Tenant,
			Type:           nextType,
			Payload:        nextPayload,
			IdempotencyKey: fmt.Sprintf("core.chain:%s:%s", req.DirectiveID, nextType),
			CorrelationID:  correlationID,
		})
		if err != nil {
			return nil, fmt.Errorf("request chained directive: %w", err)
		}
		return map[string]any{"chained_directive_id": next.ID, "correlation_id": correlationID}, nil
	}
}
