// Package envelope defines the versioned command envelope exchanged between
// the control plane and on-device routers.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Version is the envelope schema version this build produces and accepts.
const Version = "1.0"

var (
	ErrMalformed          = errors.New("envelope: malformed json")
	ErrUnsupportedVersion = errors.New("envelope: unsupported version")
	ErrInvalidPriority    = errors.New("envelope: priority out of range")
	ErrUnknownType        = errors.New("envelope: unknown type")
	ErrMissingID          = errors.New("envelope: missing id")
)

// Type is the closed set of command categories.
type Type string

const (
	TypePop        Type = "POP"
	TypeAccident   Type = "ACCIDENT"
	TypeCommission Type = "COMMISSION"
	TypeSystem     Type = "SYSTEM"
)

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case TypePop, TypeAccident, TypeCommission, TypeSystem:
		return true
	}
	return false
}

// Priority ranges from Low (1) to Critical (5).
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

// Valid reports whether p is inside [Low, Critical].
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Envelope wraps every command sent to a device.
type Envelope struct {
	Version     string          `json:"version"`
	ID          string          `json:"id"`
	Timestamp   int64           `json:"timestamp"` // unix millis
	Type        Type            `json:"type"`
	Priority    Priority        `json:"priority"`
	TTLSeconds  *int            `json:"ttlSeconds,omitempty"`
	AckRequired bool            `json:"ackRequired"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope stamped with a fresh id and the current time.
func New(typ Type, priority Priority, payload json.RawMessage) Envelope {
	return Envelope{
		Version:   Version,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		Type:      typ,
		Priority:  priority,
		Payload:   payload,
	}
}

// WithTTL returns a copy of e that expires ttl after its timestamp.
func (e Envelope) WithTTL(ttl time.Duration) Envelope {
	secs := int(ttl / time.Second)
	e.TTLSeconds = &secs
	return e
}

// Decode parses raw JSON into an envelope without validating it.
func Decode(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, errors.Wrap(ErrMalformed, err.Error())
	}
	return e, nil
}

// Validate checks version, id, type and priority. Type is checked before any
// handler lookup can happen.
func (e Envelope) Validate(supportedVersion string) error {
	if supportedVersion == "" {
		supportedVersion = Version
	}
	if e.Version != supportedVersion {
		return errors.Wrapf(ErrUnsupportedVersion, "got %q want %q", e.Version, supportedVersion)
	}
	if e.ID == "" {
		return ErrMissingID
	}
	if !e.Type.Valid() {
		return errors.Wrapf(ErrUnknownType, "%q", e.Type)
	}
	if !e.Priority.Valid() {
		return errors.Wrapf(ErrInvalidPriority, "%d", e.Priority)
	}
	return nil
}

// Deadline returns timestamp+ttl; ok is false when the envelope has no TTL.
func (e Envelope) Deadline() (time.Time, bool) {
	if e.TTLSeconds == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(e.Timestamp).Add(time.Duration(*e.TTLSeconds) * time.Second), true
}

// Expired reports whether timestamp+ttl is before now.
func (e Envelope) Expired(now time.Time) bool {
	deadline, ok := e.Deadline()
	return ok && deadline.Before(now)
}

// AckStatus is the outcome reported for an executed envelope.
type AckStatus string

const (
	AckSuccess AckStatus = "success"
	AckFailure AckStatus = "failure"
)

// Ack is emitted after execution when AckRequired is set.
type Ack struct {
	EnvelopeID   string    `json:"envelopeId"`
	Status       AckStatus `json:"status"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CompletedAt  int64     `json:"completedAt"`
}

// Succeeded reports whether the ack carries a success status.
func (a Ack) Succeeded() bool {
	return a.Status == AckSuccess
}
