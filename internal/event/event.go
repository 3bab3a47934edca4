// Package event defines the canonical envelope every intelligence signal
// travels in. Producers build envelopes through New so the id, timestamp
// and schema contract are always stamped consistently; consumers treat
// envelopes as immutable and work on redacted copies when sensitivity
// requires it.
package event

import (
	"fmt"
	"regexp"
	"time"

	"github.com/iscgrou/skywalker/internal/idgen"
)

// Schema contract constants. Bump SchemaVersion (and recompute SchemaHash)
// whenever the envelope shape changes in a way consumers must know about.
const (
	SchemaVersion = "1.4.0"
	SchemaHash    = "c41f9d2a"
)

// Domain classifies the subsystem an envelope originates from.
type Domain string

const (
	DomainAudit        Domain = "audit"
	DomainBehavior     Domain = "behavior"
	DomainSecurity     Domain = "security"
	DomainGovernance   Domain = "governance"
	DomainOps          Domain = "ops"
	DomainPredictive   Domain = "predictive"
	DomainPrescriptive Domain = "prescriptive"
)

// Kind is the concrete signal type inside a domain.
type Kind string

const (
	KindUserActivity           Kind = "user.activity"
	KindUserAnomaly            Kind = "user.anomaly"
	KindPolicyChange           Kind = "policy.change"
	KindSecuritySignal         Kind = "security.signal"
	KindOpsMetric              Kind = "ops.metric"
	KindModelForecast          Kind = "model.forecast"
	KindOptimizationSuggestion Kind = "optimization.suggestion"
	KindGovernanceAlert        Kind = "governance.alert"
)

// Sensitivity controls redaction on delivery.
type Sensitivity string

const (
	SensitivityPublic     Sensitivity = "public"
	SensitivityInternal   Sensitivity = "internal"
	SensitivityRestricted Sensitivity = "restricted"
	SensitivitySecret     Sensitivity = "secret"
)

var validDomains = map[Domain]bool{
	DomainAudit: true, DomainBehavior: true, DomainSecurity: true,
	DomainGovernance: true, DomainOps: true, DomainPredictive: true,
	DomainPrescriptive: true,
}

var validKinds = map[Kind]bool{
	KindUserActivity: true, KindUserAnomaly: true, KindPolicyChange: true,
	KindSecuritySignal: true, KindOpsMetric: true, KindModelForecast: true,
	KindOptimizationSuggestion: true, KindGovernanceAlert: true,
}

var validSensitivities = map[Sensitivity]bool{
	SensitivityPublic: true, SensitivityInternal: true,
	SensitivityRestricted: true, SensitivitySecret: true,
}

// Payload is the open body of an envelope. Data carries arbitrary
// producer-defined JSON; the pipeline never interprets it beyond the
// redaction key scan.
type Payload struct {
	Summary    string             `json:"summary,omitempty"`
	ActorID    string             `json:"actorId,omitempty"`
	ResourceID string             `json:"resourceId,omitempty"`
	IP         string             `json:"ip,omitempty"`
	Geo        string             `json:"geo,omitempty"`
	Tags       []string           `json:"tags,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Data       map[string]any     `json:"data,omitempty"`
}

// Envelope is the unit of information flow through the pipeline.
type Envelope struct {
	ID            string      `json:"id"`
	TS            int64       `json:"ts"` // epoch millis
	Domain        Domain      `json:"domain"`
	Kind          Kind        `json:"kind"`
	Priority      int         `json:"priority"` // 1..5
	Sensitivity   Sensitivity `json:"sensitivity"`
	Source        string      `json:"source"`
	SchemaVersion string      `json:"schemaVersion"`
	SchemaHash    string      `json:"schemaHash"`
	Payload       Payload     `json:"payload"`
	CorrelationID string      `json:"correlationId,omitempty"`
	ParentID      string      `json:"parentId,omitempty"`
	Flags         []string    `json:"flags,omitempty"`
}

// Option customizes an envelope at construction time.
type Option func(*Envelope)

// WithPriority sets the priority (clamped to 1..5).
func WithPriority(p int) Option {
	return func(e *Envelope) {
		if p < 1 {
			p = 1
		}
		if p > 5 {
			p = 5
		}
		e.Priority = p
	}
}

// WithSensitivity sets the sensitivity level.
func WithSensitivity(s Sensitivity) Option {
	return func(e *Envelope) { e.Sensitivity = s }
}

// WithPayload sets the payload body.
func WithPayload(p Payload) Option {
	return func(e *Envelope) { e.Payload = p }
}

// WithCorrelation links the envelope to a correlation chain.
func WithCorrelation(correlationID, parentID string) Option {
	return func(e *Envelope) {
		e.CorrelationID = correlationID
		e.ParentID = parentID
	}
}

// WithFlags attaches free-form flags.
func WithFlags(flags ...string) Option {
	return func(e *Envelope) { e.Flags = flags }
}

// New builds an envelope with id, timestamp and schema contract stamped.
// The result should be treated as immutable by every consumer.
func New(domain Domain, kind Kind, source string, opts ...Option) *Envelope {
	e := &Envelope{
		ID:            idgen.WithPrefix("evt_"),
		TS:            time.Now().UnixMilli(),
		Domain:        domain,
		Kind:          kind,
		Priority:      3,
		Sensitivity:   SensitivityInternal,
		Source:        source,
		SchemaVersion: SchemaVersion,
		SchemaHash:    SchemaHash,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result reports envelope validation. Soft-fail: callers decide whether to
// drop, flag or log — a malformed envelope never takes the pipeline down.
type Result struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks required fields and the schema contract.
func Validate(e *Envelope) Result {
	var errs []string
	if e == nil {
		return Result{OK: false, Errors: []string{"envelope is nil"}}
	}
	if e.ID == "" {
		errs = append(errs, "id is required")
	}
	if e.TS <= 0 {
		errs = append(errs, "ts must be a positive epoch millis value")
	}
	if !validDomains[e.Domain] {
		errs = append(errs, fmt.Sprintf("unknown domain %q", e.Domain))
	}
	if !validKinds[e.Kind] {
		errs = append(errs, fmt.Sprintf("unknown kind %q", e.Kind))
	}
	if e.Priority < 1 || e.Priority > 5 {
		errs = append(errs, fmt.Sprintf("priority %d outside 1..5", e.Priority))
	}
	if !validSensitivities[e.Sensitivity] {
		errs = append(errs, fmt.Sprintf("unknown sensitivity %q", e.Sensitivity))
	}
	if e.Source == "" {
		errs = append(errs, "source is required")
	}
	if e.SchemaVersion != SchemaVersion || e.SchemaHash != SchemaHash {
		errs = append(errs, fmt.Sprintf("schema contract mismatch: got %s/%s want %s/%s",
			e.SchemaVersion, e.SchemaHash, SchemaVersion, SchemaHash))
	}
	return Result{OK: len(errs) == 0, Errors: errs}
}

// redactedValue replaces sensitive payload content on delivery.
const redactedValue = "REDACTED"

// sensitiveKey matches payload data keys that must never reach subscribers
// for restricted/secret envelopes. Runtime scan: telemetry payloads are
// inherently dynamic, so key names are matched at delivery time.
var sensitiveKey = regexp.MustCompile(`(?i)token|secret|key|password`)

// NeedsRedaction reports whether the envelope's sensitivity requires a
// redacted copy before delivery.
func NeedsRedaction(e *Envelope) bool {
	return e.Sensitivity == SensitivityRestricted || e.Sensitivity == SensitivitySecret
}

// Redacted returns a deep copy with ip/geo masked and sensitive data keys
// replaced. The original envelope is never modified.
func Redacted(e *Envelope) *Envelope {
	cp := *e
	cp.Payload = clonePayload(e.Payload)
	if cp.Payload.IP != "" {
		cp.Payload.IP = redactedValue
	}
	if cp.Payload.Geo != "" {
		cp.Payload.Geo = redactedValue
	}
	for k := range cp.Payload.Data {
		if sensitiveKey.MatchString(k) {
			cp.Payload.Data[k] = redactedValue
		}
	}
	return &cp
}

func clonePayload(p Payload) Payload {
	cp := p
	if p.Tags != nil {
		cp.Tags = append([]string(nil), p.Tags...)
	}
	if p.Metrics != nil {
		cp.Metrics = make(map[string]float64, len(p.Metrics))
		for k, v := range p.Metrics {
			cp.Metrics[k] = v
		}
	}
	if p.Data != nil {
		cp.Data = make(map[string]any, len(p.Data))
		for k, v := range p.Data {
			cp.Data[k] = v
		}
	}
	return cp
}
