package events

// Lifecycle records the outcome of one lifecycle operation on a device.
type Lifecycle struct {
	Serial     string
	Model      string
	Op         Op
	State      string
	RunID      string
	OccurredAt int64
	Err        error
}

// Artifact records a file produced for a device.
type Artifact struct {
	Serial    string
	Kind      ArtifactKind
	Path      string
	Label     string
	RunID     string
	CreatedAt int64
}
