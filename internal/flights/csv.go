package flights

import (
	"encoding/csv"
	"io"

	"github.com/jszwec/csvutil"

	"github.com/kjstillabower/minibackends/internal/models"
)

// csvRow is the flattened CSV form of a FlightResult.
type csvRow struct {
	ID              int64   `csv:"id"`
	SourceFile      string  `csv:"source_file"`
	IsRoundTrip     bool    `csv:"is_round_trip"`
	Price           float64 `csv:"price"`
	Currency        string  `csv:"currency"`
	DurationMinutes int     `csv:"duration_minutes"`
	RouteKey        string  `csv:"route_key"`
	OnwardSegments  int     `csv:"onward_segments"`
	ReturnSegments  int     `csv:"return_segments"`
	FirstDeparture  string  `csv:"first_departure"`
	LastArrival     string  `csv:"last_arrival"`
}

// WriteCSV writes flights with a header row, one line per itinerary.
func WriteCSV(w io.Writer, flights []models.FlightResult) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	if len(flights) == 0 {
		if err := enc.EncodeHeader(csvRow{}); err != nil {
			return err
		}
	}
	for _, f := range flights {
		row := csvRow{
			ID:              f.ID,
			SourceFile:      f.SourceFile,
			IsRoundTrip:     f.IsRoundTrip,
			Price:           f.Price,
			Currency:        f.Currency,
			DurationMinutes: f.DurationMinutes,
			RouteKey:        f.RouteKey,
			OnwardSegments:  len(f.OnwardSegments),
			ReturnSegments:  len(f.ReturnSegments),
		}
		if n := len(f.OnwardSegments); n > 0 {
			row.FirstDeparture = f.OnwardSegments[0].Departure
			row.LastArrival = f.OnwardSegments[n-1].Arrival
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
