package deploy

import (
	"time"

	"github.com/wisbric/instancer/pkg/instance"
)

// Severity classifies a user-visible message.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// StateChange reports that an instance moved to a new state. Details and
// StopTime accompany the Running state only.
type StateChange struct {
	State    instance.State
	Details  *string
	StopTime *time.Time
}

// Message is a human-readable notification for the instance's owner.
type Message struct {
	Contents string
	Severity Severity
}

// Update is one event on the update bus. Exactly one of State and Message
// is set.
type Update struct {
	UserID      string
	ChallengeID string
	State       *StateChange
	Message     *Message
}

// NewStateChange builds a state-change update.
func NewStateChange(userID, challengeID string, state instance.State, details *string, stopTime *time.Time) Update {
	return Update{
		UserID:      userID,
		ChallengeID: challengeID,
		State:       &StateChange{State: state, Details: details, StopTime: stopTime},
	}
}

// NewMessage builds a message update.
func NewMessage(userID, challengeID, contents string, severity Severity) Update {
	return Update{
		UserID:      userID,
		ChallengeID: challengeID,
		Message:     &Message{Contents: contents, Severity: severity},
	}
}
