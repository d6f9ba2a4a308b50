package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/weather-alerts/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func newAlert(userID string, loc models.Location) *models.Alert {
	return &models.Alert{
		UserID:    userID,
		Name:      "heat",
		Location:  loc,
		Parameter: models.ParamTemperature,
		Operator:  models.OpGreaterThan,
		Threshold: 30,
		Active:    true,
	}
}

func reading(v float64) models.Reading {
	return models.Reading{
		Time:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Values: map[models.Parameter]float64{models.ParamTemperature: v},
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM a WHERE x = $1 AND y = $2", pg.rebind("SELECT * FROM a WHERE x = ? AND y = ?"))

	lite := &DB{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "")
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestCreateAndFindAlert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	city := newAlert("u1", models.City("London"))
	require.NoError(t, db.CreateAlert(ctx, city))
	assert.NotEmpty(t, city.ID)

	coords := newAlert("u1", models.Coordinates(37.7749, -122.4194))
	require.NoError(t, db.CreateAlert(ctx, coords))

	got, err := db.FindByID(ctx, city.ID)
	require.NoError(t, err)
	assert.Equal(t, models.City("London"), got.Location)
	assert.Equal(t, models.StatusNotTriggered, got.Status)
	assert.True(t, got.Active)
	assert.Nil(t, got.LastChecked)

	got, err = db.FindByID(ctx, coords.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Coordinates(37.7749, -122.4194), got.Location)

	_, err = db.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrAlertNotFound)
}

func TestCreateAlert_RejectsInvalidLocation(t *testing.T) {
	db := newTestDB(t)
	err := db.CreateAlert(context.Background(), newAlert("u1", models.Location{}))
	assert.ErrorIs(t, err, models.ErrInvalidLocation)
}

func TestListByUserAndFindActive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a := newAlert("u1", models.City("London"))
	b := newAlert("u1", models.City("Paris"))
	b.Active = false
	c := newAlert("u2", models.City("Rome"))
	for _, alert := range []*models.Alert{a, b, c} {
		require.NoError(t, db.CreateAlert(ctx, alert))
	}

	mine, err := db.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	active, err := db.FindActive(ctx)
	require.NoError(t, err)
	ids := []string{}
	for _, alert := range active {
		ids = append(ids, alert.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, c.ID}, ids)
}

func TestUpdateAlert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	alert := newAlert("u1", models.City("London"))
	require.NoError(t, db.CreateAlert(ctx, alert))

	alert.Location = models.Coordinates(51.5, -0.12)
	alert.Threshold = 25
	alert.Active = false
	require.NoError(t, db.UpdateAlert(ctx, alert))

	got, err := db.FindByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Coordinates(51.5, -0.12), got.Location)
	assert.Equal(t, 25.0, got.Threshold)
	assert.False(t, got.Active)

	alert.ID = "missing"
	assert.ErrorIs(t, db.UpdateAlert(ctx, alert), models.ErrAlertNotFound)
}

func TestMarkTriggeredAndResolved(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	alert := newAlert("u1", models.City("London"))
	require.NoError(t, db.CreateAlert(ctx, alert))

	created, err := db.MarkTriggered(ctx, alert.ID, models.StatusNotTriggered, at, &models.HistoryEntry{
		ID: "h1", AlertID: alert.ID, Status: models.StatusTriggered, Reading: reading(31), TriggeredAt: at,
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Back to TRIGGERED via ERROR while the period is still open
	require.NoError(t, db.SetStatus(ctx, alert.ID, models.StatusTriggered, models.StatusError, at.Add(30*time.Second)))
	created, err = db.MarkTriggered(ctx, alert.ID, models.StatusError, at.Add(time.Minute), &models.HistoryEntry{
		ID: "h2", AlertID: alert.ID, Status: models.StatusTriggered, Reading: reading(32), TriggeredAt: at.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, created)

	got, err := db.FindByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTriggered, got.Status)
	require.NotNil(t, got.LastChecked)
	assert.True(t, got.LastChecked.Equal(at.Add(time.Minute)))

	open, err := db.FindOpenHistory(ctx, alert.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, "h1", open.ID)
	assert.InDelta(t, 31, open.Reading.Values[models.ParamTemperature], 1e-9)

	resolved, err := db.MarkResolved(ctx, alert.ID, models.StatusTriggered, at.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, resolved)

	open, err = db.FindOpenHistory(ctx, alert.ID)
	require.NoError(t, err)
	assert.Nil(t, open)

	// ERROR -> NOT_TRIGGERED with nothing open
	require.NoError(t, db.SetStatus(ctx, alert.ID, models.StatusNotTriggered, models.StatusError, at.Add(90*time.Minute)))
	resolved, err = db.MarkResolved(ctx, alert.ID, models.StatusError, at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, resolved)

	history, err := db.ListHistory(ctx, alert.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ResolvedAt)
	assert.True(t, history[0].ResolvedAt.Equal(at.Add(time.Hour)))

	got, err = db.FindByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotTriggered, got.Status)
}

func TestTransitionsRequireExpectedStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	alert := newAlert("u1", models.City("London"))
	require.NoError(t, db.CreateAlert(ctx, alert))
	_, err := db.MarkTriggered(ctx, alert.ID, models.StatusNotTriggered, at, &models.HistoryEntry{
		ID: "h1", AlertID: alert.ID, Status: models.StatusTriggered, Reading: reading(31), TriggeredAt: at,
	})
	require.NoError(t, err)

	// A worker that read NOT_TRIGGERED before the trigger landed
	_, err = db.MarkTriggered(ctx, alert.ID, models.StatusNotTriggered, at.Add(time.Minute), &models.HistoryEntry{
		ID: "h2", AlertID: alert.ID, Status: models.StatusTriggered, Reading: reading(35), TriggeredAt: at.Add(time.Minute),
	})
	assert.ErrorIs(t, err, models.ErrStatusConflict)

	resolved, err := db.MarkResolved(ctx, alert.ID, models.StatusError, at.Add(time.Minute))
	assert.ErrorIs(t, err, models.ErrStatusConflict)
	assert.False(t, resolved)

	err = db.SetStatus(ctx, alert.ID, models.StatusNotTriggered, models.StatusError, at.Add(time.Minute))
	assert.ErrorIs(t, err, models.ErrStatusConflict)

	// Rejected writes leave status, last check and history untouched
	got, err := db.FindByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTriggered, got.Status)
	require.NotNil(t, got.LastChecked)
	assert.True(t, got.LastChecked.Equal(at))
	history, err := db.ListHistory(ctx, alert.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Open())

	_, err = db.MarkResolved(ctx, "missing", models.StatusTriggered, at)
	assert.ErrorIs(t, err, models.ErrAlertNotFound)
	assert.ErrorIs(t, db.SetStatus(ctx, "missing", models.StatusNotTriggered, models.StatusError, at), models.ErrAlertNotFound)
}

func TestUpdateLastChecked(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	alert := newAlert("u1", models.City("London"))
	require.NoError(t, db.CreateAlert(ctx, alert))
	require.NoError(t, db.SetStatus(ctx, alert.ID, models.StatusNotTriggered, models.StatusError, at))

	require.NoError(t, db.UpdateLastChecked(ctx, alert.ID, at.Add(time.Minute)))
	got, err := db.FindByID(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status, "status must not be rewritten")
	require.NotNil(t, got.LastChecked)
	assert.True(t, got.LastChecked.Equal(at.Add(time.Minute)))

	assert.ErrorIs(t, db.UpdateLastChecked(ctx, "missing", at), models.ErrAlertNotFound)
}

func TestDeleteAlertRemovesHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	alert := newAlert("u1", models.City("London"))
	require.NoError(t, db.CreateAlert(ctx, alert))
	_, err := db.MarkTriggered(ctx, alert.ID, models.StatusNotTriggered, at, &models.HistoryEntry{
		ID: "h1", AlertID: alert.ID, Status: models.StatusTriggered, Reading: reading(31), TriggeredAt: at,
	})
	require.NoError(t, err)

	require.NoError(t, db.DeleteAlert(ctx, alert.ID))

	_, err = db.FindByID(ctx, alert.ID)
	assert.ErrorIs(t, err, models.ErrAlertNotFound)
	history, err := db.ListHistory(ctx, alert.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.ErrorIs(t, db.DeleteAlert(ctx, alert.ID), models.ErrAlertNotFound)
}
