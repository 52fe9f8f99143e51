package db

import (
	"database/sql"

	"github.com/rsclarke/droidrig/internal/models"
)

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateLifecycleEvent inserts a lifecycle event and returns its ID.
func CreateLifecycleEvent(d *sql.DB, deviceID int64, runID, op, state, errText string, occurredAt int64) (int64, error) {
	result, err := d.Exec(
		"INSERT INTO lifecycle_events (device_id, run_id, op, state, error, occurred_at) VALUES (?, ?, ?, ?, ?, ?)",
		deviceID, nullable(runID), op, state, nullable(errText), occurredAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetLifecycleEvents returns the events of a device, newest first.
func GetLifecycleEvents(d *sql.DB, deviceID int64) ([]models.LifecycleEvent, error) {
	rows, err := d.Query(
		"SELECT id, device_id, run_id, op, state, error, occurred_at FROM lifecycle_events WHERE device_id = ? ORDER BY occurred_at DESC, id DESC",
		deviceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evs []models.LifecycleEvent
	for rows.Next() {
		var e models.LifecycleEvent
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.RunID, &e.Op, &e.State, &e.Error, &e.OccurredAt); err != nil {
			return nil, err
		}
		evs = append(evs, e)
	}
	return evs, rows.Err()
}

// CreateArtifact inserts an artifact record and returns its ID.
func CreateArtifact(d *sql.DB, deviceID int64, runID, kind, path, label string, createdAt int64) (int64, error) {
	result, err := d.Exec(
		"INSERT INTO artifacts (device_id, run_id, kind, path, label, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		deviceID, nullable(runID), kind, path, label, createdAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetArtifacts returns the artifacts of a device, newest first. An empty
// kind returns every kind.
func GetArtifacts(d *sql.DB, deviceID int64, kind string) ([]models.Artifact, error) {
	rows, err := d.Query(`
		SELECT id, device_id, run_id, kind, path, label, created_at FROM artifacts
		WHERE device_id = ? AND (? = '' OR kind = ?)
		ORDER BY created_at DESC, id DESC
	`, deviceID, kind, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var arts []models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.RunID, &a.Kind, &a.Path, &a.Label, &a.CreatedAt); err != nil {
			return nil, err
		}
		arts = append(arts, a)
	}
	return arts, rows.Err()
}
