// Package events defines the device lifecycle events reported to observers
// and routes asynchronous events raised by the on-device agent.
package events

import "encoding/json"

// Op names a device lifecycle operation.
type Op string

// Lifecycle operations.
const (
	OpProvision     Op = "provision"
	OpStartServices Op = "start_services"
	OpStopServices  Op = "stop_services"
	OpReboot        Op = "reboot"
	OpReport        Op = "diagnostic_report"
	OpRelease       Op = "release"
)

// ArtifactKind classifies files produced for a device.
type ArtifactKind string

// Artifact kinds.
const (
	ArtifactCapture ArtifactKind = "capture"
	ArtifactExcerpt ArtifactKind = "excerpt"
	ArtifactReport  ArtifactKind = "report"
)

// Event is one asynchronous event raised by the agent.
type Event struct {
	Name string          `json:"name"`
	Time int64           `json:"time"`
	Data json.RawMessage `json:"data"`
}
