package db

import (
	"database/sql"
	"time"

	"github.com/rsclarke/droidrig/internal/models"
)

// UpsertDevice records that serial was seen now and returns its ID. An
// empty model leaves the stored model unchanged.
func UpsertDevice(d *sql.DB, serial, model string) (int64, error) {
	now := time.Now().Unix()
	var id int64
	err := d.QueryRow(`
		INSERT INTO devices (serial, model, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (serial) DO UPDATE SET
			last_seen = excluded.last_seen,
			model = CASE WHEN excluded.model = '' THEN devices.model ELSE excluded.model END
		RETURNING id
	`, serial, model, now, now).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetDeviceBySerial returns the device with serial, or nil if unknown.
func GetDeviceBySerial(d *sql.DB, serial string) (*models.Device, error) {
	row := d.QueryRow(
		"SELECT id, serial, model, first_seen, last_seen FROM devices WHERE serial = ?",
		serial,
	)
	var dev models.Device
	err := row.Scan(&dev.ID, &dev.Serial, &dev.Model, &dev.FirstSeen, &dev.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// DeleteDevice removes a device and its history.
func DeleteDevice(d *sql.DB, serial string) error {
	_, err := d.Exec("DELETE FROM devices WHERE serial = ?", serial)
	return err
}
