// Package models defines the database entity types.
package models

// Run is one invocation of the tool against the lab.
type Run struct {
	ID         string
	Command    string
	StartedAt  int64
	FinishedAt *int64
	Error      *string
}

// Device is a device that has appeared in at least one run.
type Device struct {
	ID        int64
	Serial    string
	Model     string
	FirstSeen int64
	LastSeen  int64
}

// LifecycleEvent is the recorded outcome of one lifecycle operation.
type LifecycleEvent struct {
	ID         int64
	DeviceID   int64
	RunID      *string
	Op         string
	State      string
	Error      *string
	OccurredAt int64
}

// Artifact is a file produced for a device: a log capture, an excerpt or a
// diagnostic report.
type Artifact struct {
	ID        int64
	DeviceID  int64
	RunID     *string
	Kind      string
	Path      string
	Label     string
	CreatedAt int64
}

// DeviceBuild is the last build identity recorded for a device, with the
// labels configured for it at the time.
type DeviceBuild struct {
	DeviceID  int64
	BuildID   string
	BuildType string
	Labels    map[string]string
	UpdatedAt int64
}

// Empty reports whether b carries nothing worth storing.
func (b DeviceBuild) Empty() bool {
	return b.BuildID == "" && b.BuildType == "" && len(b.Labels) == 0
}
