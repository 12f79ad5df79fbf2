package domain

import "fmt"

// Directive statuses. requested is the only runnable state; succeeded,
// failed and canceled are terminal.
const (
	StatusRequested = "requested"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Error kinds recorded on failed directives.
const (
	ErrKindValidation  = "validation"
	ErrKindUnknownType = "unknown_directive_type"
	ErrKindHandler     = "handler"
	ErrKindStorage     = "storage"
)

func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCanceled
}

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Subject identifies the domain entity a signal or directive is about.
type Subject struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Signal is an immutable fact. Never updated or deleted once written.
type Signal struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	Tenant    string         `json:"tenant"`
	Type      string         `json:"type"`
	Subject   Subject        `json:"subject"`
	DedupeKey *string        `json:"dedupe_key,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

// Directive is a durable command with a retry budget and a lifecycle
// state machine. tenant and idempotency_key are immutable after creation.
type Directive struct {
	ID             string         `json:"id"`
	Tenant         string         `json:"tenant"`
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	Subject        *Subject       `json:"subject,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         string         `json:"status" enum:"requested,running,succeeded,failed,canceled"`
	Attempt        int            `json:"attempt"`
	MaxAttempts    int            `json:"max_attempts"`
	ScheduledAt    *string        `json:"scheduled_at,omitempty" format:"date-time"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *ErrorInfo     `json:"error,omitempty"`
	RerunRequested bool           `json:"rerun_requested"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	CompletedAt    *string        `json:"completed_at,omitempty" format:"date-time"`
}

// ErrorInfo is the bounded, structured failure record stored on a directive.
type ErrorInfo struct {
	Kind    string `json:"kind" enum:"validation,unknown_directive_type,handler,storage"`
	Message string `json:"message"`
}

// ValidationError marks input that will never become valid; the runner
// finalizes it as failed without burning the retry budget.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}
