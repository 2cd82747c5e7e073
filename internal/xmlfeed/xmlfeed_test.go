package xmlfeed

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kjstillabower/minibackends/internal/models"
)

var dxbToBkk = Route{Origin: "DXB", Destination: "BKK"}

// TestParseFile verifies route filtering, price extraction and segment mapping
// against a fixture mixing valid and skipped itineraries.
func TestParseFile(t *testing.T) {
	results, err := ParseFile(filepath.Join("testdata", "sample.xml"), "via3", dxbToBkk)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}

	t.Run("should map the round trip itinerary", func(t *testing.T) {
		got := results[0]
		if got.SourceFile != "via3" || !got.IsRoundTrip {
			t.Errorf("source/round trip = %q/%v", got.SourceFile, got.IsRoundTrip)
		}
		if got.Price != 546.70 || got.Currency != "SGD" {
			t.Errorf("price = %v %s, want 546.7 SGD", got.Price, got.Currency)
		}
		if got.DurationMinutes != 1170 {
			t.Errorf("DurationMinutes = %d, want 1170", got.DurationMinutes)
		}
		if got.RouteKey != "AI996-DXB-DEL|AI332-DEL-BKK" {
			t.Errorf("RouteKey = %q", got.RouteKey)
		}
		wantFirst := models.Segment{
			CarrierID: "AI", CarrierName: "AirIndia", FlightNumber: "996",
			Source: "DXB", Destination: "DEL",
			Departure: "2018-10-22T0005", Arrival: "2018-10-22T0445",
			Class: "G", Stops: 0,
		}
		if got.OnwardSegments[0] != wantFirst {
			t.Errorf("\nwanted:\n%+v\ngot:\n%+v", wantFirst, got.OnwardSegments[0])
		}
		if len(got.ReturnSegments) != 1 || got.ReturnSegments[0].Stops != 0 {
			t.Errorf("ReturnSegments = %+v, want one segment with non-numeric stops as 0", got.ReturnSegments)
		}
	})

	t.Run("should default currency and leave return segments empty", func(t *testing.T) {
		got := results[1]
		if got.Currency != DefaultCurrency || got.Price != 410 {
			t.Errorf("price = %v %s, want 410 %s", got.Price, got.Currency, DefaultCurrency)
		}
		if got.IsRoundTrip || got.ReturnSegments == nil || len(got.ReturnSegments) != 0 {
			t.Errorf("ReturnSegments = %#v, want empty non-nil", got.ReturnSegments)
		}
		if got.DurationMinutes != 540 {
			t.Errorf("DurationMinutes = %d, want 540", got.DurationMinutes)
		}
	})
}

// TestParse_OtherRoute verifies the route filter applies to first source and last destination.
func TestParse_OtherRoute(t *testing.T) {
	results, err := ParseFile(filepath.Join("testdata", "sample.xml"), "x", Route{Origin: "DXB", Destination: "BOM"})
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(results) != 1 || results[0].Currency != "USD" {
		t.Errorf("results = %+v, want the single USD DXB-BOM itinerary", results)
	}
}

func TestParse_Errors(t *testing.T) {
	t.Run("should reject malformed XML", func(t *testing.T) {
		if _, err := Parse(strings.NewReader("<root><unclosed>"), "bad", dxbToBkk); err == nil {
			t.Error("Parse() error = nil, want error")
		}
	})
	t.Run("should return empty without PricedItineraries", func(t *testing.T) {
		got, err := Parse(strings.NewReader("<root/>"), "empty", dxbToBkk)
		if err != nil || got == nil || len(got) != 0 {
			t.Errorf("Parse() = %v, %v, want empty list", got, err)
		}
	})
	t.Run("should fail on missing file", func(t *testing.T) {
		if _, err := ParseFile(filepath.Join("testdata", "missing.xml"), "m", dxbToBkk); err == nil {
			t.Error("ParseFile() error = nil, want error")
		}
	})
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		raw    string
		want   time.Time
		wantOK bool
	}{
		{"2018-10-22T0005", time.Date(2018, 10, 22, 0, 5, 0, 0, time.UTC), true},
		{" 2018-10-22T2359 ", time.Date(2018, 10, 22, 23, 59, 0, 0, time.UTC), true},
		{"2018-10-22T0005extra", time.Date(2018, 10, 22, 0, 5, 0, 0, time.UTC), true},
		{"2018-10-22T000", time.Time{}, false},
		{"2018-13-22T0005", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseTimestamp(tt.raw)
		if ok != tt.wantOK || !got.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q) = %v, %v, want %v, %v", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDurationMinutes(t *testing.T) {
	segs := []models.Segment{
		{Departure: "2018-10-22T2330"},
		{Arrival: "2018-10-23T0115"},
	}
	if got := DurationMinutes(segs); got != 105 {
		t.Errorf("DurationMinutes() = %d, want 105", got)
	}
	if got := DurationMinutes(nil); got != 0 {
		t.Errorf("DurationMinutes(nil) = %d, want 0", got)
	}
	if got := DurationMinutes([]models.Segment{{Departure: "bad", Arrival: "2018-10-23T0115"}}); got != 0 {
		t.Errorf("DurationMinutes(bad) = %d, want 0", got)
	}
}

func TestRouteKey(t *testing.T) {
	segs := []models.Segment{
		{CarrierID: "EK", FlightNumber: "376", Source: "DXB", Destination: "BKK"},
	}
	if got := RouteKey(segs); got != "EK376-DXB-BKK" {
		t.Errorf("RouteKey() = %q", got)
	}
	if got := RouteKey(nil); got != "" {
		t.Errorf("RouteKey(nil) = %q, want empty", got)
	}
}
