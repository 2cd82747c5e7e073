package storage

import (
	"context"
	"fmt"

	"github.com/kjstillabower/minibackends/internal/models"
)

// FlightStore holds the parsed vendor itineraries. The table is cleared and reloaded as a whole.
type FlightStore interface {
	ReplaceFlights(ctx context.Context, flights []models.FlightResult) (int, error)
	ListFlightsByPrice(ctx context.Context) ([]models.FlightResult, error)
	ListFlightsByID(ctx context.Context, source string) ([]models.FlightResult, error)
}

var _ FlightStore = (*Repository)(nil)

// dbFlight represents an itinerary as stored in the database.
type dbFlight struct {
	ID              int64       `db:"id"`
	SourceFile      string      `db:"source_file"`
	IsRoundTrip     bool        `db:"is_round_trip"`
	Price           float64     `db:"price"`
	Currency        string      `db:"currency"`
	DurationMinutes int         `db:"duration_minutes"`
	RouteKey        string      `db:"route_key"`
	OnwardSegments  segmentList `db:"onward_segments"`
	ReturnSegments  segmentList `db:"return_segments"`
}

func toDomainFlight(f *dbFlight) models.FlightResult {
	onward := []models.Segment(f.OnwardSegments)
	if onward == nil {
		onward = []models.Segment{}
	}
	ret := []models.Segment(f.ReturnSegments)
	if ret == nil {
		ret = []models.Segment{}
	}
	return models.FlightResult{
		ID:              f.ID,
		SourceFile:      f.SourceFile,
		IsRoundTrip:     f.IsRoundTrip,
		Price:           f.Price,
		Currency:        f.Currency,
		DurationMinutes: f.DurationMinutes,
		RouteKey:        f.RouteKey,
		OnwardSegments:  onward,
		ReturnSegments:  ret,
	}
}

const flightColumns = `id, source_file, is_round_trip, price, currency, duration_minutes, route_key, onward_segments, return_segments`

// ReplaceFlights deletes every stored itinerary and inserts flights in one transaction.
// Readers never observe a partially loaded table.
func (repo *Repository) ReplaceFlights(ctx context.Context, flights []models.FlightResult) (int, error) {
	tx, err := repo.dbConn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM flight_results`); err != nil {
		return 0, fmt.Errorf("clearing flight results: %w", err)
	}

	query := repo.rebind(`INSERT INTO flight_results(source_file, is_round_trip, price, currency, duration_minutes, route_key, onward_segments, return_segments) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, f := range flights {
		_, err := tx.ExecContext(ctx, query,
			f.SourceFile, f.IsRoundTrip, f.Price, f.Currency, f.DurationMinutes, f.RouteKey,
			segmentList(f.OnwardSegments), segmentList(f.ReturnSegments),
		)
		if err != nil {
			return 0, fmt.Errorf("inserting flight %s from %s: %w", f.RouteKey, f.SourceFile, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing flight results: %w", err)
	}
	return len(flights), nil
}

// ListFlightsByPrice returns all itineraries, cheapest first.
func (repo *Repository) ListFlightsByPrice(ctx context.Context) ([]models.FlightResult, error) {
	query := `SELECT ` + flightColumns + ` FROM flight_results ORDER BY price ASC, id ASC`
	return repo.selectFlights(ctx, query)
}

// ListFlightsByID returns itineraries in insertion order. An empty source returns every source.
func (repo *Repository) ListFlightsByID(ctx context.Context, source string) ([]models.FlightResult, error) {
	if source == "" {
		return repo.selectFlights(ctx, `SELECT `+flightColumns+` FROM flight_results ORDER BY id ASC`)
	}
	query := `SELECT ` + flightColumns + ` FROM flight_results WHERE source_file = ? ORDER BY id ASC`
	return repo.selectFlights(ctx, repo.rebind(query), source)
}

func (repo *Repository) selectFlights(ctx context.Context, query string, args ...any) ([]models.FlightResult, error) {
	var rows []*dbFlight
	if err := repo.dbConn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("getting flights: %w", err)
	}
	out := make([]models.FlightResult, len(rows))
	for i, r := range rows {
		out[i] = toDomainFlight(r)
	}
	return out, nil
}
