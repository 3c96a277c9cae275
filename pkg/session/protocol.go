// Package session implements the per-user bidirectional channel: it
// receives challenge actions, streams deployment updates, and enforces the
// per-user rate limit and catalog visibility.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/instancer/pkg/deploy"
	"github.com/wisbric/instancer/pkg/instance"
)

// Inbound message types.
const (
	typeChallengeAction = "challenge_action"
	typeHeartbeat       = "heartbeat"
)

// Outbound message types.
const (
	typeChallengeListing     = "challenge_listing"
	typeChallengeStateChange = "challenge_state_change"
	typeMessage              = "message"
)

// ClientAction is a lifecycle action requested over the wire.
type ClientAction string

const (
	ActionStart   ClientAction = "start"
	ActionStop    ClientAction = "stop"
	ActionRestart ClientAction = "restart"
	ActionExtend  ClientAction = "extend"
)

// inboundMessage is the envelope of every client → server frame.
type inboundMessage struct {
	Type   string       `json:"type"`
	ID     string       `json:"id,omitempty"`
	Action ClientAction `json:"action,omitempty"`
}

// parseInbound decodes a client frame, rejecting unknown message types and
// malformed action fields.
func parseInbound(data []byte) (inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, fmt.Errorf("malformed frame: %w", err)
	}

	switch msg.Type {
	case typeHeartbeat:
		return msg, nil
	case typeChallengeAction:
		switch msg.Action {
		case ActionStart, ActionStop, ActionRestart, ActionExtend:
			return msg, nil
		}
		return inboundMessage{}, fmt.Errorf("unknown action %q", msg.Action)
	}
	return inboundMessage{}, fmt.Errorf("unknown message type %q", msg.Type)
}

// ChallengePlayerState is one catalog entry as a given user sees it.
type ChallengePlayerState struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	State       string  `json:"state"`
	StopTime    *int64  `json:"stop_time,omitempty"`
	Details     *string `json:"details,omitempty"`
}

// challengeListing is sent once on connect.
type challengeListing struct {
	Type       string                          `json:"type"`
	Challenges map[string]ChallengePlayerState `json:"challenges"`
}

func newChallengeListing(challenges map[string]ChallengePlayerState) challengeListing {
	return challengeListing{Type: typeChallengeListing, Challenges: challenges}
}

// challengeStateChange reports a state transition for one challenge.
type challengeStateChange struct {
	Type     string  `json:"type"`
	ID       string  `json:"id"`
	State    string  `json:"state"`
	Details  *string `json:"details,omitempty"`
	StopTime *int64  `json:"stop_time,omitempty"`
}

func newStateChange(challengeID string, state instance.State, details *string, stopTime *time.Time) challengeStateChange {
	msg := challengeStateChange{
		Type:    typeChallengeStateChange,
		ID:      challengeID,
		State:   string(state),
		Details: details,
	}
	if stopTime != nil {
		ms := instance.Millis(*stopTime)
		msg.StopTime = &ms
	}
	return msg
}

// userMessage is a human-readable notification keyed by challenge.
type userMessage struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Contents string `json:"contents"`
	Severity string `json:"severity"`
}

func newUserMessage(challengeID, contents string, severity deploy.Severity) userMessage {
	return userMessage{
		Type:     typeMessage,
		ID:       challengeID,
		Contents: contents,
		Severity: string(severity),
	}
}

// heartbeat is echoed back to the client.
type heartbeat struct {
	Type string `json:"type"`
}

func newHeartbeat() heartbeat {
	return heartbeat{Type: typeHeartbeat}
}

// translateUpdate converts a bus update into its outbound wire shape.
func translateUpdate(u deploy.Update) any {
	switch {
	case u.State != nil:
		return newStateChange(u.ChallengeID, u.State.State, u.State.Details, u.State.StopTime)
	case u.Message != nil:
		return newUserMessage(u.ChallengeID, u.Message.Contents, u.Message.Severity)
	}
	return nil
}
