// Package deploy contains the deployment orchestrator: the worker pool that
// drives external deployer scripts, the expiry queue that reaps instances
// whose time-to-live has elapsed, and the update bus that fans state
// changes out to live sessions.
package deploy

import "fmt"

// Command is the lifecycle action a request asks for.
type Command int

const (
	CommandStart Command = iota
	CommandStop
	CommandRestart
	CommandCleanup
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandRestart:
		return "restart"
	case CommandCleanup:
		return "cleanup"
	}
	return fmt.Sprintf("Command(%d)", int(c))
}

// Action returns the deployer script action for the command.
func (c Command) Action() Action {
	return Action(c.String())
}

// Request asks the worker pool to perform one lifecycle action on one
// instance. Requests come from the session gateway, from TTL expiry, and
// from crash recovery.
type Request struct {
	UserID      string
	ChallengeID string
	Command     Command
}
