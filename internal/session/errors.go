package session

import "fmt"

// DuplicateSessionError reports that the agent handed out a session id that
// is already registered. The agent's state is inconsistent with ours.
type DuplicateSessionError struct {
	Serial string
	ID     ID
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("device %s: agent returned existing session id %d for a new session", e.Serial, e.ID)
}

// UnknownSessionError reports a reference to a session that is not registered.
type UnknownSessionError struct {
	Serial string
	ID     ID
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("device %s: session %d does not exist", e.Serial, e.ID)
}
