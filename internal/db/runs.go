package db

import (
	"database/sql"
	"time"

	"github.com/rsclarke/droidrig/internal/models"
)

// CreateRun records the start of a run.
func CreateRun(d *sql.DB, id, command string) error {
	_, err := d.Exec(
		"INSERT INTO runs (id, command, started_at) VALUES (?, ?, ?)",
		id, command, time.Now().Unix(),
	)
	return err
}

// FinishRun records the end of a run and its failure, if any.
func FinishRun(d *sql.DB, id string, runErr error) error {
	var errText *string
	if runErr != nil {
		s := runErr.Error()
		errText = &s
	}
	_, err := d.Exec(
		"UPDATE runs SET finished_at = ?, error = ? WHERE id = ?",
		time.Now().Unix(), errText, id,
	)
	return err
}

// GetRun returns the run with id, or nil if there is none.
func GetRun(d *sql.DB, id string) (*models.Run, error) {
	row := d.QueryRow(
		"SELECT id, command, started_at, finished_at, error FROM runs WHERE id = ?",
		id,
	)
	var r models.Run
	err := row.Scan(&r.ID, &r.Command, &r.StartedAt, &r.FinishedAt, &r.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
