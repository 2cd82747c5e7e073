package flights

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/xmlfeed"
)

type mockFlightStore struct {
	rows       []models.FlightResult
	replaceErr error
	replaced   int
}

func (m *mockFlightStore) ReplaceFlights(ctx context.Context, flights []models.FlightResult) (int, error) {
	if m.replaceErr != nil {
		return 0, m.replaceErr
	}
	m.replaced++
	m.rows = nil
	for i, f := range flights {
		f.ID = int64(i + 1)
		m.rows = append(m.rows, f)
	}
	return len(flights), nil
}

func (m *mockFlightStore) ListFlightsByPrice(ctx context.Context) ([]models.FlightResult, error) {
	out := append([]models.FlightResult(nil), m.rows...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

func (m *mockFlightStore) ListFlightsByID(ctx context.Context, source string) ([]models.FlightResult, error) {
	var out []models.FlightResult
	for _, f := range m.rows {
		if source == "" || f.SourceFile == source {
			out = append(out, f)
		}
	}
	return out, nil
}

var dxbToBkk = xmlfeed.Route{Origin: "DXB", Destination: "BKK"}

func newLoadedService(t *testing.T) (*Service, *mockFlightStore) {
	t.Helper()
	store := &mockFlightStore{}
	s := NewService(store, "testdata", []Source{{File: "a.xml", Name: "via3"}, {File: "b.xml", Name: "viaow"}}, dxbToBkk, nil)
	n, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("Load() = %d, want 3", n)
	}
	return s, store
}

// TestService_Load verifies reload replaces rather than appends.
func TestService_Load(t *testing.T) {
	s, store := newLoadedService(t)
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if len(store.rows) != 3 || store.replaced != 2 {
		t.Errorf("rows = %d replaced = %d, want 3 rows after 2 loads", len(store.rows), store.replaced)
	}
}

// TestService_Load_MissingSourceSkipped verifies a missing file does not fail the load.
func TestService_Load_MissingSourceSkipped(t *testing.T) {
	store := &mockFlightStore{}
	s := NewService(store, "testdata", []Source{{File: "a.xml", Name: "via3"}, {File: "nope.xml", Name: "viaow"}}, dxbToBkk, nil)
	n, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Load() = %d, want 2", n)
	}
}

func TestService_Load_StoreError(t *testing.T) {
	s := NewService(&mockFlightStore{replaceErr: errors.New("locked")}, "testdata", []Source{{File: "a.xml", Name: "via3"}}, dxbToBkk, nil)
	if _, err := s.Load(context.Background()); err == nil {
		t.Error("Load() error = nil, want error")
	}
}

// TestService_List verifies price ordering.
func TestService_List(t *testing.T) {
	s, _ := newLoadedService(t)
	got, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	prices := []float64{got[0].Price, got[1].Price, got[2].Price}
	if prices[0] != 300 || prices[1] != 450.55 || prices[2] != 500 {
		t.Errorf("prices = %v, want ascending", prices)
	}
}

// TestComputeExtremes verifies tie-breaking and the empty set.
func TestComputeExtremes(t *testing.T) {
	t.Run("should return all nil for no rows", func(t *testing.T) {
		got := computeExtremes(nil)
		if got.Cheapest != nil || got.MostExpensive != nil || got.Fastest != nil || got.Slowest != nil || got.Optimal != nil {
			t.Errorf("computeExtremes(nil) = %+v, want all nil", got)
		}
		raw, _ := json.Marshal(got)
		if string(raw) != `{"cheapest":null,"most_expensive":null,"fastest":null,"slowest":null,"optimal":null}` {
			t.Errorf("json = %s", raw)
		}
	})

	t.Run("should pick first minimum and last maximum", func(t *testing.T) {
		rows := []models.FlightResult{
			{ID: 1, Price: 100, DurationMinutes: 300},
			{ID: 2, Price: 100, DurationMinutes: 600},
			{ID: 3, Price: 900, DurationMinutes: 300},
			{ID: 4, Price: 900, DurationMinutes: 600},
		}
		got := computeExtremes(rows)
		if got.Cheapest.ID != 1 || got.MostExpensive.ID != 4 || got.Fastest.ID != 1 || got.Slowest.ID != 4 {
			t.Errorf("ids = %d %d %d %d, want 1 4 1 4", got.Cheapest.ID, got.MostExpensive.ID, got.Fastest.ID, got.Slowest.ID)
		}
		if got.Optimal.ID != 1 {
			t.Errorf("Optimal = %d, want 1", got.Optimal.ID)
		}
	})
}

// TestOptimal verifies the normalised score and zero-range handling.
func TestOptimal(t *testing.T) {
	rows := []models.FlightResult{
		{ID: 1, Price: 100, DurationMinutes: 1000},
		{ID: 2, Price: 1000, DurationMinutes: 100},
		{ID: 3, Price: 400, DurationMinutes: 300},
	}
	if got := optimal(rows); got.ID != 3 {
		t.Errorf("optimal() = %d, want 3", got.ID)
	}

	same := []models.FlightResult{{ID: 7, Price: 5, DurationMinutes: 5}, {ID: 8, Price: 5, DurationMinutes: 5}}
	if got := optimal(same); got.ID != 7 {
		t.Errorf("optimal() with zero ranges = %d, want 7", got.ID)
	}
	if optimal(nil) != nil {
		t.Error("optimal(nil) != nil")
	}
}

// TestService_Diff verifies classification and the dynamic JSON keys.
func TestService_Diff(t *testing.T) {
	s, _ := newLoadedService(t)
	d, err := s.Diff(context.Background())
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if d.TotalA != 2 || d.TotalB != 1 || len(d.OnlyInA) != 1 || len(d.OnlyInB) != 0 || len(d.InBoth) != 1 {
		t.Fatalf("Diff() = %+v", d)
	}
	shared := d.InBoth[0]
	if shared.RouteKey != "EK376-DXB-BKK" || shared.PriceDiff != -49.45 || shared.DurationDiffMinutes != 15 {
		t.Errorf("shared = %+v", shared)
	}

	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"summary", "only_in_via3", "only_in_viaow", "in_both_with_differences"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("diff JSON missing %q: %s", key, raw)
		}
	}
	if string(decoded["only_in_viaow"]) != "[]" {
		t.Errorf("only_in_viaow = %s, want []", decoded["only_in_viaow"])
	}
	var summary map[string]int
	_ = json.Unmarshal(decoded["summary"], &summary)
	want := map[string]int{"via3_total": 2, "viaow_total": 1, "only_in_via3": 1, "only_in_viaow": 0, "in_both": 1}
	for k, v := range want {
		if summary[k] != v {
			t.Errorf("summary[%s] = %d, want %d", k, summary[k], v)
		}
	}
	if !strings.Contains(string(decoded["in_both_with_differences"]), `"via3":{`) {
		t.Errorf("shared entry lacks source-named keys: %s", decoded["in_both_with_differences"])
	}
}

// TestComputeDiff_DuplicateRouteKeys verifies the last row wins while first-seen order is kept.
func TestComputeDiff_DuplicateRouteKeys(t *testing.T) {
	a := []models.FlightResult{
		{ID: 1, RouteKey: "K1", Price: 10},
		{ID: 2, RouteKey: "K2", Price: 20},
		{ID: 3, RouteKey: "K1", Price: 30},
	}
	d := computeDiff("a", a, "b", nil)
	if d.TotalA != 2 || len(d.OnlyInA) != 2 {
		t.Fatalf("Diff() = %+v", d)
	}
	if d.OnlyInA[0].ID != 3 || d.OnlyInA[1].ID != 2 {
		t.Errorf("OnlyInA ids = %d, %d, want 3, 2", d.OnlyInA[0].ID, d.OnlyInA[1].ID)
	}
}

func TestService_Diff_NeedsTwoSources(t *testing.T) {
	s := NewService(&mockFlightStore{}, "testdata", []Source{{File: "a.xml", Name: "via3"}}, dxbToBkk, nil)
	if _, err := s.Diff(context.Background()); err == nil {
		t.Error("Diff() error = nil, want error")
	}
}

// TestWriteCSV verifies header and flattened segment columns.
func TestWriteCSV(t *testing.T) {
	var buf strings.Builder
	rows := []models.FlightResult{{
		ID: 1, SourceFile: "via3", Price: 546.7, Currency: "SGD", DurationMinutes: 1170,
		RouteKey:       "AI996-DXB-DEL|AI332-DEL-BKK",
		OnwardSegments: []models.Segment{{Departure: "2018-10-22T0005"}, {Arrival: "2018-10-22T1935"}},
		ReturnSegments: []models.Segment{},
	}}
	if err := WriteCSV(&buf, rows); err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2: %q", len(lines), buf.String())
	}
	if lines[0] != "id,source_file,is_round_trip,price,currency,duration_minutes,route_key,onward_segments,return_segments,first_departure,last_arrival" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "1,via3,false,546.7,SGD,1170,AI996-DXB-DEL|AI332-DEL-BKK,2,0,2018-10-22T0005,2018-10-22T1935" {
		t.Errorf("row = %q", lines[1])
	}

	buf.Reset()
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV(nil) error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "id,source_file") {
		t.Errorf("empty CSV = %q, want header only", buf.String())
	}
}
