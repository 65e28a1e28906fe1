// Package redactpii provides fast, regex-based PII redaction with optional
// anonymized reporting to a compliance dashboard.
//
// A Redactor is configured once and then used concurrently from any number
// of goroutines. Redaction itself is synchronous and purely local; the
// dashboard hook (when an API key is configured) runs on a detached
// goroutine and can never block or fail the redaction call.
//
//	r, err := redactpii.New(redactpii.Options{})
//	if err != nil {
//		...
//	}
//	safe := r.Redact("Hi David Johnson, call 555-555-5555")
//	// "Hi PERSON_NAME, call PHONE_NUMBER"
package redactpii

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inkdust2021/redactpii/internal/dashboard"
	"github.com/inkdust2021/redactpii/internal/redact"
	"github.com/inkdust2021/redactpii/internal/structured"
)

// CustomRule is a caller-supplied pattern with its own replacement label.
type CustomRule = redact.CustomRule

// Options configures a Redactor. The zero value enables every built-in
// rule and disables the dashboard.
type Options struct {
	// Rules toggles built-in categories (CREDIT_CARD, SSN, EMAIL, PHONE,
	// NAME). Categories absent from the map keep their built-in default;
	// unknown names are ignored.
	Rules map[string]bool

	// CustomRules are evaluated after the built-in rules, in order.
	CustomRules []CustomRule

	// GlobalReplaceWith, when set, replaces every match uniformly instead
	// of the per-category labels.
	GlobalReplaceWith string

	// APIKey enables dashboard reporting. Empty disables it entirely.
	APIKey string

	// APIURL overrides the vendor event ingestion endpoint.
	APIURL string

	// FailSilent controls whether dashboard delivery failures are swallowed
	// (default true). nil means default.
	FailSilent *bool

	// HookTimeout bounds one dashboard delivery attempt (default 500ms).
	HookTimeout time.Duration

	// MaxDepth bounds RedactObject recursion (default 64).
	MaxDepth int

	// OnDeliveryError is the asynchronous side channel for delivery
	// failures when FailSilent is disabled. Never called synchronously
	// from a redaction call.
	OnDeliveryError func(error)
}

// BuiltinCategories returns the names of the built-in rule categories, in
// evaluation priority order. These are the keys Options.Rules understands.
func BuiltinCategories() []string {
	return redact.BuiltinCategories()
}

// Redactor scans text and nested values for PII and replaces each detected
// span with a stable category label. Immutable after New; to change
// configuration, build a new instance.
type Redactor struct {
	engine   *redact.Engine
	dash     *dashboard.Client
	maxDepth int
}

// New validates and compiles the configuration. Pattern problems surface
// here as *InvalidPatternError; redaction calls never fail on valid
// construction.
func New(opts Options) (*Redactor, error) {
	engine, err := redact.NewEngine(redact.Config{
		Rules:             opts.Rules,
		CustomRules:       opts.CustomRules,
		GlobalReplaceWith: opts.GlobalReplaceWith,
	})
	if err != nil {
		return nil, err
	}

	failSilent := true
	if opts.FailSilent != nil {
		failSilent = *opts.FailSilent
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = structured.DefaultMaxDepth
	}

	return &Redactor{
		engine: engine,
		dash: dashboard.New(dashboard.Options{
			APIKey:     opts.APIKey,
			APIURL:     opts.APIURL,
			FailSilent: failSilent,
			Timeout:    opts.HookTimeout,
			OnError:    opts.OnDeliveryError,
		}),
		maxDepth: maxDepth,
	}, nil
}

// Redact returns text with every detected PII span replaced by its label.
// If the dashboard is configured, the anonymized event batch for this call
// is dispatched in the background; the return value and return timing are
// independent of dispatch outcome.
func (r *Redactor) Redact(text string) string {
	out, events := r.engine.Redact(text)
	r.dash.Dispatch(events)
	return out
}

// HasPII reports whether text contains at least one redactable span.
// It has no side effects: nothing is dispatched.
func (r *Redactor) HasPII(text string) bool {
	return r.engine.HasPII(text)
}

// RedactObject returns a redacted deep copy of v: every string leaf goes
// through Redact, sequences keep order and length, map keys are untouched,
// and non-text scalars pass through unchanged. Events from the whole
// traversal are dispatched as a single batch.
//
// v must be JSON-serializable; the copy is produced via a JSON round trip
// (原对象绝不被原地修改，任意输入也因此被规整为封闭的值模型).
func (r *Redactor) RedactObject(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // 数值走 json.Number，避免 float64 往返丢精度
	var clone any
	if err := dec.Decode(&clone); err != nil {
		return nil, fmt.Errorf("decode cloned value: %w", err)
	}

	out, events, err := structured.Redact(r.engine, clone, r.maxDepth)
	if err != nil {
		return nil, err
	}
	r.dash.Dispatch(events)
	return out, nil
}
