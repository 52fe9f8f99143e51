// Package api defines the JSON bodies of the status API.
package api

import "github.com/rsclarke/droidrig/internal/plugins"

type DeviceInfo struct {
	Serial        string `json:"serial"`
	Model         string `json:"model"`
	FirstSeen     string `json:"first_seen"`
	LastSeen      string `json:"last_seen"`
	EventCount    int    `json:"event_count"`
	ArtifactCount int    `json:"artifact_count"`
}

type ListDevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
}

type DeviceDetail struct {
	Serial    string     `json:"serial"`
	Model     string     `json:"model"`
	FirstSeen string     `json:"first_seen"`
	LastSeen  string     `json:"last_seen"`
	Build     *BuildInfo `json:"build,omitempty"`
}

type BuildInfo struct {
	BuildID   string            `json:"build_id"`
	BuildType string            `json:"build_type"`
	Labels    map[string]string `json:"labels,omitempty"`
	UpdatedAt string            `json:"updated_at"`
}

type LifecycleEvent struct {
	ID         int64   `json:"id"`
	RunID      *string `json:"run_id"`
	Op         string  `json:"op"`
	State      string  `json:"state"`
	Error      *string `json:"error,omitempty"`
	OccurredAt string  `json:"occurred_at"`
}

type GetEventsResponse struct {
	Serial string           `json:"serial"`
	Events []LifecycleEvent `json:"events"`
}

type Artifact struct {
	ID        int64   `json:"id"`
	RunID     *string `json:"run_id"`
	Kind      string  `json:"kind"`
	Path      string  `json:"path"`
	Label     string  `json:"label"`
	CreatedAt string  `json:"created_at"`
}

type GetArtifactsResponse struct {
	Serial    string     `json:"serial"`
	Artifacts []Artifact `json:"artifacts"`
}

type RunInfo struct {
	ID         string  `json:"id"`
	Command    string  `json:"command"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
	Error      *string `json:"error,omitempty"`
}

type ListPluginsResponse struct {
	Plugins []plugins.PluginInfo `json:"plugins"`
}

type DeleteDeviceResponse struct {
	Deleted bool `json:"deleted"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
