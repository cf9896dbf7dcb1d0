package wsecurity

import (
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/server/faults"
)

// MaxClockSkew bounds how far a message timestamp may drift from the server
// clock in either direction.
const MaxClockSkew = 30 * time.Minute

const minMessageIDLen = 20

// Envelope is the common frame around every agent message. Data carries the
// type-specific payload.
type Envelope struct {
	MessageType   string         `json:"message_type"`
	MessageID     string         `json:"message_id,omitempty"`
	Timestamp     string         `json:"timestamp,omitempty"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// NewEnvelope stamps an outgoing message with a fresh id and the current time.
func NewEnvelope(messageType string, data map[string]any) Envelope {
	return Envelope{
		MessageType: messageType,
		MessageID:   uuid.NewString(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Data:        data,
	}
}

// ValidateEnvelope enforces the integrity rules on an inbound message.
// Script execution results are exempt from the id and timestamp requirements
// because long-running scripts legitimately report far outside the skew
// window; they carry an execution_id instead.
func ValidateEnvelope(e Envelope, now time.Time) error {
	if e.MessageType == "" {
		return faults.New(faults.InvalidInput, "message_type is required")
	}

	if e.MessageType == "script_execution_result" {
		if e.ExecutionID == "" {
			return faults.New(faults.InvalidInput, "execution_id is required")
		}
		return nil
	}

	if !validMessageID(e.MessageID) {
		return faults.New(faults.InvalidInput, "message_id is missing or malformed")
	}

	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return faults.New(faults.InvalidInput, "timestamp is missing or malformed")
	}
	drift := now.Sub(ts)
	if drift < -MaxClockSkew || drift > MaxClockSkew {
		return faults.New(faults.InvalidInput, "timestamp outside allowed window")
	}
	return nil
}

// validMessageID accepts ids of at least minMessageIDLen characters drawn
// from [A-Za-z0-9-]. UUIDs qualify.
func validMessageID(id string) bool {
	if len(id) < minMessageIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}
