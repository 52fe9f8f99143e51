package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rsclarke/droidrig/internal/models"
)

// SaveBuild records the build identity and labels of a device, replacing
// whatever was stored before. b.DeviceID and b.UpdatedAt are ignored.
func SaveBuild(d *sql.DB, deviceID int64, b models.DeviceBuild) error {
	tx, err := d.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO device_builds (device_id, build_id, build_type, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			build_id = excluded.build_id,
			build_type = excluded.build_type,
			updated_at = excluded.updated_at
	`, deviceID, b.BuildID, b.BuildType, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert build: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM device_labels WHERE device_id = ?", deviceID); err != nil {
		return fmt.Errorf("clear labels: %w", err)
	}
	if len(b.Labels) > 0 {
		stmt, err := tx.Prepare("INSERT INTO device_labels (device_id, name, value) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for name, value := range b.Labels {
			if _, err := stmt.Exec(deviceID, name, value); err != nil {
				return fmt.Errorf("insert label %q: %w", name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetBuild returns the recorded build of a device, or nil if none was saved.
func GetBuild(d *sql.DB, deviceID int64) (*models.DeviceBuild, error) {
	b := models.DeviceBuild{DeviceID: deviceID}
	err := d.QueryRow(
		"SELECT build_id, build_type, updated_at FROM device_builds WHERE device_id = ?",
		deviceID,
	).Scan(&b.BuildID, &b.BuildType, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query build: %w", err)
	}

	rows, err := d.Query("SELECT name, value FROM device_labels WHERE device_id = ?", deviceID)
	if err != nil {
		return nil, fmt.Errorf("query labels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		if b.Labels == nil {
			b.Labels = make(map[string]string)
		}
		b.Labels[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate labels: %w", err)
	}
	return &b, nil
}
