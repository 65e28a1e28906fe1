package redactpii

import (
	"github.com/inkdust2021/redactpii/internal/dashboard"
	"github.com/inkdust2021/redactpii/internal/redact"
	"github.com/inkdust2021/redactpii/internal/structured"
)

// InvalidPatternError reports a custom rule whose pattern failed validation
// at construction time.
type InvalidPatternError = redact.InvalidPatternError

// MaxDepthExceededError reports a RedactObject input nested deeper than the
// configured maximum; it identifies the offending path.
type MaxDepthExceededError = structured.MaxDepthExceededError

// AuditDeliveryError reports a failed dashboard delivery. Only ever
// surfaced asynchronously (via Options.OnDeliveryError or the log), and
// only when FailSilent is disabled.
type AuditDeliveryError = dashboard.DeliveryError
