package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/weather-alerts/internal/models"
)

const alertColumns = `id, user_id, name, city, lat, lon, parameter, operator, threshold,
	is_active, status, last_checked, created_at, updated_at`

// CreateAlert inserts a new alert. ID, status and timestamps are filled in
// when empty.
func (db *DB) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if err := alert.Location.Validate(); err != nil {
		return err
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Status == "" {
		alert.Status = models.StatusNotTriggered
	}
	now := time.Now().UTC()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert.UpdatedAt = alert.CreatedAt

	city, lat, lon := locationColumns(alert.Location)
	query := db.rebind(`
		INSERT INTO alerts (` + alertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := db.ExecContext(ctx, query,
		alert.ID,
		alert.UserID,
		alert.Name,
		city,
		lat,
		lon,
		string(alert.Parameter),
		string(alert.Operator),
		alert.Threshold,
		alert.Active,
		string(alert.Status),
		nullTime(alert.LastChecked),
		alert.CreatedAt,
		alert.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// FindByID retrieves an alert, returning models.ErrAlertNotFound when absent
func (db *DB) FindByID(ctx context.Context, id string) (*models.Alert, error) {
	query := db.rebind(`SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`)
	alert, err := scanAlert(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %s: %w", id, err)
	}
	return alert, nil
}

// ListByUser returns a user's alerts, newest first
func (db *DB) ListByUser(ctx context.Context, userID string) ([]*models.Alert, error) {
	query := db.rebind(`
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE user_id = ?
		ORDER BY created_at DESC, id
	`)
	return db.queryAlerts(ctx, query, userID)
}

// FindActive returns every alert with the active flag set
func (db *DB) FindActive(ctx context.Context) ([]*models.Alert, error) {
	query := db.rebind(`
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE is_active = ?
		ORDER BY created_at, id
	`)
	return db.queryAlerts(ctx, query, true)
}

// UpdateAlert saves the user-editable fields: name, location, parameter,
// operator, threshold and the active flag. Status is owned by the engine.
func (db *DB) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	if err := alert.Location.Validate(); err != nil {
		return err
	}
	alert.UpdatedAt = time.Now().UTC()

	city, lat, lon := locationColumns(alert.Location)
	query := db.rebind(`
		UPDATE alerts
		SET name = ?, city = ?, lat = ?, lon = ?, parameter = ?, operator = ?,
		    threshold = ?, is_active = ?, updated_at = ?
		WHERE id = ?
	`)
	res, err := db.ExecContext(ctx, query,
		alert.Name,
		city,
		lat,
		lon,
		string(alert.Parameter),
		string(alert.Operator),
		alert.Threshold,
		alert.Active,
		alert.UpdatedAt,
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alert.ID, err)
	}
	return expectRow(res, alert.ID)
}

// DeleteAlert removes an alert together with its history
func (db *DB) DeleteAlert(ctx context.Context, id string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM alert_history WHERE alert_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete history of alert %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM alerts WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("failed to delete alert %s: %w", id, err)
		}
		return expectRow(res, id)
	})
}

// UpdateLastChecked records an evaluation that left the status unchanged
func (db *DB) UpdateLastChecked(ctx context.Context, id string, checkedAt time.Time) error {
	query := db.rebind(`UPDATE alerts SET last_checked = ? WHERE id = ?`)
	res, err := db.ExecContext(ctx, query, checkedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update last check of alert %s: %w", id, err)
	}
	return expectRow(res, id)
}

// SetStatus moves the alert from one status to another. It fails with
// models.ErrStatusConflict when the stored status is no longer from.
func (db *DB) SetStatus(ctx context.Context, id string, from, to models.Status, checkedAt time.Time) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		return db.transition(ctx, tx, id, from, to, checkedAt)
	})
}

// MarkTriggered moves the alert from its previous status to TRIGGERED and
// inserts entry unless the alert already has an open period. Both writes
// commit together.
func (db *DB) MarkTriggered(ctx context.Context, id string, from models.Status, checkedAt time.Time, entry *models.HistoryEntry) (bool, error) {
	weatherData, err := json.Marshal(entry.Reading)
	if err != nil {
		return false, fmt.Errorf("failed to encode weather data: %w", err)
	}

	var created bool
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if err := db.transition(ctx, tx, id, from, models.StatusTriggered, checkedAt); err != nil {
			return err
		}

		var open int
		if err := tx.QueryRowContext(ctx,
			db.rebind(`SELECT COUNT(*) FROM alert_history WHERE alert_id = ? AND resolved_at IS NULL`),
			id).Scan(&open); err != nil {
			return fmt.Errorf("failed to count open history: %w", err)
		}
		if open > 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, db.rebind(`
			INSERT INTO alert_history (id, alert_id, status, weather_data, triggered_at)
			VALUES (?, ?, ?, ?, ?)
		`), entry.ID, id, string(entry.Status), string(weatherData), entry.TriggeredAt); err != nil {
			return fmt.Errorf("failed to insert history entry: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

// MarkResolved moves the alert from its previous status to NOT_TRIGGERED
// and closes the most recent open period, if any. Both writes commit
// together.
func (db *DB) MarkResolved(ctx context.Context, id string, from models.Status, checkedAt time.Time) (bool, error) {
	var resolved bool
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		if err := db.transition(ctx, tx, id, from, models.StatusNotTriggered, checkedAt); err != nil {
			return err
		}

		var entryID string
		err := tx.QueryRowContext(ctx, db.rebind(`
			SELECT id FROM alert_history
			WHERE alert_id = ? AND resolved_at IS NULL
			ORDER BY triggered_at DESC
			LIMIT 1
		`), id).Scan(&entryID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to find open history: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			db.rebind(`UPDATE alert_history SET resolved_at = ? WHERE id = ?`),
			checkedAt, entryID); err != nil {
			return fmt.Errorf("failed to resolve history entry %s: %w", entryID, err)
		}
		resolved = true
		return nil
	})
	return resolved, err
}

// transition updates the status only while it still equals from
func (db *DB) transition(ctx context.Context, tx *sql.Tx, id string, from, to models.Status, checkedAt time.Time) error {
	res, err := tx.ExecContext(ctx,
		db.rebind(`UPDATE alerts SET status = ?, last_checked = ? WHERE id = ? AND status = ?`),
		string(to), checkedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update status of alert %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = tx.QueryRowContext(ctx, db.rebind(`SELECT 1 FROM alerts WHERE id = ?`), id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("alert %s: %w", id, models.ErrAlertNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to load alert %s: %w", id, err)
	}
	return fmt.Errorf("alert %s is no longer %s: %w", id, from, models.ErrStatusConflict)
}

// FindOpenHistory returns the alert's open period, or nil when there is none
func (db *DB) FindOpenHistory(ctx context.Context, alertID string) (*models.HistoryEntry, error) {
	query := db.rebind(`
		SELECT id, alert_id, status, weather_data, triggered_at, resolved_at
		FROM alert_history
		WHERE alert_id = ? AND resolved_at IS NULL
	`)
	entry, err := scanHistory(db.QueryRowContext(ctx, query, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open history of alert %s: %w", alertID, err)
	}
	return entry, nil
}

// ListHistory returns the alert's periods, newest first, at most limit rows
func (db *DB) ListHistory(ctx context.Context, alertID string, limit int) ([]*models.HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := db.rebind(`
		SELECT id, alert_id, status, weather_data, triggered_at, resolved_at
		FROM alert_history
		WHERE alert_id = ?
		ORDER BY triggered_at DESC
		LIMIT ?
	`)
	rows, err := db.QueryContext(ctx, query, alertID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history of alert %s: %w", alertID, err)
	}
	defer rows.Close()

	var entries []*models.HistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (db *DB) queryAlerts(ctx context.Context, query string, args ...any) ([]*models.Alert, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var (
		a           models.Alert
		city        sql.NullString
		lat, lon    sql.NullFloat64
		parameter   string
		operator    string
		status      string
		lastChecked sql.NullTime
	)
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.Name,
		&city,
		&lat,
		&lon,
		&parameter,
		&operator,
		&a.Threshold,
		&a.Active,
		&status,
		&lastChecked,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	// Stored rows may predate validation; an invalid location is kept as the
	// zero Location so the engine can flag the alert.
	switch {
	case lat.Valid && lon.Valid:
		a.Location = models.Coordinates(lat.Float64, lon.Float64)
	case city.Valid:
		a.Location = models.City(city.String)
	}
	a.Parameter = models.Parameter(parameter)
	a.Operator = models.Operator(operator)
	a.Status = models.Status(status)
	if lastChecked.Valid {
		t := lastChecked.Time
		a.LastChecked = &t
	}
	return &a, nil
}

func scanHistory(row rowScanner) (*models.HistoryEntry, error) {
	var (
		h           models.HistoryEntry
		status      string
		weatherData string
		resolvedAt  sql.NullTime
	)
	if err := row.Scan(&h.ID, &h.AlertID, &status, &weatherData, &h.TriggeredAt, &resolvedAt); err != nil {
		return nil, err
	}
	h.Status = models.Status(status)
	if err := json.Unmarshal([]byte(weatherData), &h.Reading); err != nil {
		return nil, fmt.Errorf("failed to decode weather data of history %s: %w", h.ID, err)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		h.ResolvedAt = &t
	}
	return &h, nil
}

func locationColumns(loc models.Location) (city sql.NullString, lat, lon sql.NullFloat64) {
	if name, ok := loc.CityName(); ok {
		city = sql.NullString{String: name, Valid: true}
	}
	if la, lo, ok := loc.LatLon(); ok {
		lat = sql.NullFloat64{Float64: la, Valid: true}
		lon = sql.NullFloat64{Float64: lo, Valid: true}
	}
	return city, lat, lon
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("alert %s: %w", id, models.ErrAlertNotFound)
	}
	return nil
}
