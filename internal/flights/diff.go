package flights

import (
	"encoding/json"
	"math"

	"github.com/kjstillabower/minibackends/internal/models"
)

// Diff is the route-key comparison of two sources. JSON keys embed the source names,
// e.g. only_in_via3 and via3_total.
type Diff struct {
	SourceA string
	SourceB string
	TotalA  int
	TotalB  int
	OnlyInA []models.FlightResult
	OnlyInB []models.FlightResult
	InBoth  []SharedRoute
}

// SharedRoute pairs the offers of both sources for one route key.
type SharedRoute struct {
	RouteKey            string
	SourceA             string
	SourceB             string
	A                   models.FlightResult
	B                   models.FlightResult
	PriceDiff           float64
	DurationDiffMinutes int
}

func (d Diff) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"summary": map[string]int{
			d.SourceA + "_total":   d.TotalA,
			d.SourceB + "_total":   d.TotalB,
			"only_in_" + d.SourceA: len(d.OnlyInA),
			"only_in_" + d.SourceB: len(d.OnlyInB),
			"in_both":              len(d.InBoth),
		},
		"only_in_" + d.SourceA:     d.OnlyInA,
		"only_in_" + d.SourceB:     d.OnlyInB,
		"in_both_with_differences": d.InBoth,
	})
}

func (r SharedRoute) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"route_key":             r.RouteKey,
		r.SourceA:               r.A,
		r.SourceB:               r.B,
		"price_diff":            r.PriceDiff,
		"duration_diff_minutes": r.DurationDiffMinutes,
	})
}

// routeIndex keeps the last row per route key in first-seen key order.
type routeIndex struct {
	keys []string
	rows map[string]models.FlightResult
}

func indexByRoute(rows []models.FlightResult) routeIndex {
	idx := routeIndex{rows: make(map[string]models.FlightResult, len(rows))}
	for _, r := range rows {
		if _, seen := idx.rows[r.RouteKey]; !seen {
			idx.keys = append(idx.keys, r.RouteKey)
		}
		idx.rows[r.RouteKey] = r
	}
	return idx
}

func computeDiff(nameA string, rowsA []models.FlightResult, nameB string, rowsB []models.FlightResult) Diff {
	a, b := indexByRoute(rowsA), indexByRoute(rowsB)
	d := Diff{
		SourceA: nameA,
		SourceB: nameB,
		TotalA:  len(a.keys),
		TotalB:  len(b.keys),
		OnlyInA: []models.FlightResult{},
		OnlyInB: []models.FlightResult{},
		InBoth:  []SharedRoute{},
	}
	for _, k := range a.keys {
		ra := a.rows[k]
		rb, ok := b.rows[k]
		if !ok {
			d.OnlyInA = append(d.OnlyInA, ra)
			continue
		}
		d.InBoth = append(d.InBoth, SharedRoute{
			RouteKey:            k,
			SourceA:             nameA,
			SourceB:             nameB,
			A:                   ra,
			B:                   rb,
			PriceDiff:           round2(rb.Price - ra.Price),
			DurationDiffMinutes: rb.DurationMinutes - ra.DurationMinutes,
		})
	}
	for _, k := range b.keys {
		if _, ok := a.rows[k]; !ok {
			d.OnlyInB = append(d.OnlyInB, b.rows[k])
		}
	}
	return d
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
