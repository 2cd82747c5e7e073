package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/minibackends/internal/models"
)

// WeatherStore persists observations. Rows are only ever appended.
type WeatherStore interface {
	InsertWeatherRecords(ctx context.Context, records []models.WeatherRecord) (int, error)
	WeatherRecordsSince(ctx context.Context, locationKey string, sinceEpoch int64) ([]models.WeatherRecord, error)
	AggregateWeather(ctx context.Context, locationKey string, kind models.AggregateKind, sinceEpoch int64) (float64, bool, error)
	NearestWeatherRecord(ctx context.Context, locationKey string, epoch int64) (*models.WeatherRecord, error)
}

var _ WeatherStore = (*Repository)(nil)

// dbWeatherRecord represents an observation as stored in the database.
type dbWeatherRecord struct {
	ID           int64     `db:"id"`
	LocationKey  string    `db:"location_key"`
	EpochTime    int64     `db:"epoch_time"`
	ObservedAt   time.Time `db:"observed_at"`
	TemperatureC float64   `db:"temperature_c"`
	WeatherText  string    `db:"weather_text"`
	CreatedAt    time.Time `db:"created_at"`
}

func toDomainWeatherRecord(r *dbWeatherRecord) models.WeatherRecord {
	return models.WeatherRecord{
		ID:           r.ID,
		LocationKey:  r.LocationKey,
		EpochTime:    r.EpochTime,
		ObservedAt:   r.ObservedAt.UTC(),
		TemperatureC: r.TemperatureC,
		WeatherText:  r.WeatherText,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

const weatherColumns = `id, location_key, epoch_time, observed_at, temperature_c, weather_text, created_at`

// InsertWeatherRecords appends records in one transaction and returns how many were written.
// A zero ObservedAt is derived from EpochTime; a zero CreatedAt is set to now.
func (repo *Repository) InsertWeatherRecords(ctx context.Context, records []models.WeatherRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := repo.dbConn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := repo.rebind(`INSERT INTO weather_records(location_key, epoch_time, observed_at, temperature_c, weather_text, created_at) VALUES (?, ?, ?, ?, ?, ?)`)
	now := time.Now().UTC()
	for _, r := range records {
		observedAt := r.ObservedAt
		if observedAt.IsZero() {
			observedAt = time.Unix(r.EpochTime, 0)
		}
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.ExecContext(ctx, query, r.LocationKey, r.EpochTime, observedAt.UTC(), r.TemperatureC, r.WeatherText, createdAt.UTC()); err != nil {
			return 0, fmt.Errorf("inserting weather record %d: %w", r.EpochTime, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing weather records: %w", err)
	}
	return len(records), nil
}

// WeatherRecordsSince returns one record per epoch at or after sinceEpoch, oldest first.
// When an epoch was stored more than once the most recently written row wins.
func (repo *Repository) WeatherRecordsSince(ctx context.Context, locationKey string, sinceEpoch int64) ([]models.WeatherRecord, error) {
	var rows []*dbWeatherRecord
	query := `SELECT ` + weatherColumns + ` FROM weather_records WHERE location_key = ? AND epoch_time >= ? ORDER BY epoch_time ASC, created_at DESC, id DESC`

	if err := repo.dbConn.SelectContext(ctx, &rows, repo.rebind(query), locationKey, sinceEpoch); err != nil {
		return nil, fmt.Errorf("getting weather records: %w", err)
	}

	out := make([]models.WeatherRecord, 0, len(rows))
	for i, r := range rows {
		if i > 0 && rows[i-1].EpochTime == r.EpochTime {
			continue
		}
		out = append(out, toDomainWeatherRecord(r))
	}
	return out, nil
}

// AggregateWeather computes max, min or avg temperature over distinct observations at or after
// sinceEpoch. ok is false when there are no rows.
func (repo *Repository) AggregateWeather(ctx context.Context, locationKey string, kind models.AggregateKind, sinceEpoch int64) (float64, bool, error) {
	var fn string
	switch kind {
	case models.AggregateMax:
		fn = "MAX"
	case models.AggregateMin:
		fn = "MIN"
	case models.AggregateAvg:
		fn = "AVG"
	default:
		return 0, false, fmt.Errorf("unknown aggregate %q", kind)
	}

	var value sql.NullFloat64
	query := `SELECT ` + fn + `(t.temperature_c) FROM (SELECT DISTINCT epoch_time, temperature_c FROM weather_records WHERE location_key = ? AND epoch_time >= ?) t`
	if err := repo.dbConn.GetContext(ctx, &value, repo.rebind(query), locationKey, sinceEpoch); err != nil {
		return 0, false, fmt.Errorf("aggregating weather %s: %w", kind, err)
	}
	if !value.Valid {
		return 0, false, nil
	}
	return value.Float64, true, nil
}

// NearestWeatherRecord returns the stored record whose epoch is closest to epoch, or ErrNotFound.
// Ties go to the most recently written row.
func (repo *Repository) NearestWeatherRecord(ctx context.Context, locationKey string, epoch int64) (*models.WeatherRecord, error) {
	var r dbWeatherRecord
	query := `SELECT ` + weatherColumns + ` FROM weather_records WHERE location_key = ? ORDER BY ABS(epoch_time - ?) ASC, created_at DESC, id DESC LIMIT 1`

	err := repo.dbConn.GetContext(ctx, &r, repo.rebind(query), locationKey, epoch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting nearest weather record: %w", err)
	}
	rec := toDomainWeatherRecord(&r)
	return &rec, nil
}
