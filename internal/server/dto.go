package server

import (
	"driveline/internal/domain"
)

// Request payloads

type EnsureTenantRequest struct {
	Name string `json:"name,omitempty"`
}

type SubjectRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type RequestDirectiveRequest struct {
	Type           string          `json:"type"`
	Payload        map[string]any  `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Subject        *SubjectRequest `json:"subject,omitempty"`
	ScheduledAt    *string         `json:"scheduled_at,omitempty" format:"date-time"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

type EmitSignalRequest struct {
	Type      string         `json:"type"`
	Subject   SubjectRequest `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
	DedupeKey string         `json:"dedupe_key,omitempty"`
}

// Response payloads

type TenantResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DirectiveResponse struct {
	ID             string            `json:"id"`
	Tenant         string            `json:"tenant"`
	Type           string            `json:"type"`
	Payload        map[string]any    `json:"payload"`
	Subject        *SubjectRequest   `json:"subject,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Status         string            `json:"status" enum:"requested,running,succeeded,failed,canceled"`
	Attempt        int               `json:"attempt"`
	MaxAttempts    int               `json:"max_attempts"`
	ScheduledAt    *string           `json:"scheduled_at,omitempty" format:"date-time"`
	Result         map[string]any    `json:"result,omitempty"`
	Error          *domain.ErrorInfo `json:"error,omitempty"`
	RerunRequested bool              `json:"rerun_requested"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
	CompletedAt    *string           `json:"completed_at,omitempty" format:"date-time"`
}

type SignalResponse struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	Tenant    string         `json:"tenant"`
	Type      string         `json:"type"`
	Subject   SubjectRequest `json:"subject"`
	DedupeKey *string        `json:"dedupe_key,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

// TimelineEntry interleaves signals and directives for an audit view.
type TimelineEntry struct {
	Kind      string             `json:"kind" enum:"signal,directive"`
	CreatedAt string             `json:"created_at" format:"date-time"`
	Signal    *SignalResponse    `json:"signal,omitempty"`
	Directive *DirectiveResponse `json:"directive,omitempty"`
}

func tenantResponse(t domain.Tenant) TenantResponse {
	return TenantResponse{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt}
}

func mapTenants(items []domain.Tenant) []TenantResponse {
	res := make([]TenantResponse, 0, len(items))
	for _, t := range items {
		res = append(res, tenantResponse(t))
	}
	return res
}

func directiveResponse(d domain.Directive) DirectiveResponse {
	resp := DirectiveResponse{
		ID:             d.ID,
		Tenant:         d.Tenant,
		Type:           d.Type,
		Payload:        d.Payload,
		IdempotencyKey: d.IdempotencyKey,
		Status:         d.Status,
		Attempt:        d.Attempt,
		MaxAttempts:    d.MaxAttempts,
		ScheduledAt:    d.ScheduledAt,
		Result:         d.Result,
		Error:          d.Error,
		RerunRequested: d.RerunRequested,
		CorrelationID:  d.CorrelationID,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		CompletedAt:    d.CompletedAt,
	}
	if d.Subject != nil {
		resp.Subject = &SubjectRequest{Type: d.Subject.Type, ID: d.Subject.ID}
	}
	return resp
}

func mapDirectives(items []domain.Directive) []DirectiveResponse {
	res := make([]DirectiveResponse, 0, len(items))
	for _, d := range items {
		res = append(res, directiveResponse(d))
	}
	return res
}

func signalResponse(s domain.Signal) SignalResponse {
	return SignalResponse{
		Seq:       s.Seq,
		ID:        s.ID,
		Tenant:    s.Tenant,
		Type:      s.Type,
		Subject:   SubjectRequest{Type: s.Subject.Type, ID: s.Subject.ID},
		DedupeKey: s.DedupeKey,
		Payload:   s.Payload,
		CreatedAt: s.CreatedAt,
	}
}

func mapSignals(items []domain.Signal) []SignalResponse {
	res := make([]SignalResponse, 0, len(items))
	for _, s := range items {
		res = append(res, signalResponse(s))
	}
	return res
}
