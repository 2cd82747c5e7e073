// Package xmlfeed parses vendor flight-search XML responses into priced itineraries.
package xmlfeed

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/kjstillabower/minibackends/internal/models"
)

// DefaultCurrency applies when Pricing carries no currency attribute.
const DefaultCurrency = "SGD"

const timestampLayout = "2006-01-02 15:04"

// Route restricts parsing to itineraries whose onward leg starts at Origin
// and ends at Destination.
type Route struct {
	Origin      string
	Destination string
}

// ParseFile parses the XML file at path, tagging every result with source.
func ParseFile(path, source string, route Route) ([]models.FlightResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, source, route)
}

// Parse reads one vendor response. Itineraries off route, without Pricing,
// or with a non-positive SingleAdult total are skipped.
func Parse(r io.Reader, source string, route Route) ([]models.FlightResult, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", source, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("parse %s: empty document", source)
	}
	itineraries := root.SelectElement("PricedItineraries")
	if itineraries == nil {
		return []models.FlightResult{}, nil
	}

	results := []models.FlightResult{}
	for _, block := range itineraries.SelectElements("Flights") {
		onward := segmentsOf(block.SelectElement("OnwardPricedItinerary"))
		if !route.matches(onward) {
			continue
		}

		pricing := block.SelectElement("Pricing")
		if pricing == nil {
			continue
		}
		price, currency := totalPrice(pricing)
		if price <= 0 {
			continue
		}

		ret := segmentsOf(block.SelectElement("ReturnPricedItinerary"))
		results = append(results, models.FlightResult{
			SourceFile:      source,
			IsRoundTrip:     len(ret) > 0,
			Price:           price,
			Currency:        currency,
			DurationMinutes: DurationMinutes(onward),
			RouteKey:        RouteKey(onward),
			OnwardSegments:  onward,
			ReturnSegments:  ret,
		})
	}
	return results, nil
}

func (r Route) matches(onward []models.Segment) bool {
	if len(onward) == 0 {
		return false
	}
	return onward[0].Source == r.Origin && onward[len(onward)-1].Destination == r.Destination
}

// totalPrice returns the SingleAdult TotalAmount charge, or 0 when absent or unparsable.
func totalPrice(pricing *etree.Element) (float64, string) {
	currency := pricing.SelectAttrValue("currency", DefaultCurrency)
	for _, charge := range pricing.SelectElements("ServiceCharges") {
		if charge.SelectAttrValue("type", "") != "SingleAdult" || charge.SelectAttrValue("ChargeType", "") != "TotalAmount" {
			continue
		}
		text := strings.TrimSpace(charge.Text())
		if text == "" {
			return 0, currency
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return 0, currency
		}
		return v, currency
	}
	return 0, currency
}

func segmentsOf(itinerary *etree.Element) []models.Segment {
	segments := []models.Segment{}
	if itinerary == nil {
		return segments
	}
	flights := itinerary.SelectElement("Flights")
	if flights == nil {
		return segments
	}
	for _, fl := range flights.SelectElements("Flight") {
		segments = append(segments, segmentOf(fl))
	}
	return segments
}

func segmentOf(fl *etree.Element) models.Segment {
	seg := models.Segment{
		FlightNumber: childText(fl, "FlightNumber"),
		Source:       childText(fl, "Source"),
		Destination:  childText(fl, "Destination"),
		Departure:    childText(fl, "DepartureTimeStamp"),
		Arrival:      childText(fl, "ArrivalTimeStamp"),
		Class:        childText(fl, "Class"),
	}
	if carrier := fl.SelectElement("Carrier"); carrier != nil {
		seg.CarrierID = carrier.SelectAttrValue("id", "")
		seg.CarrierName = strings.TrimSpace(carrier.Text())
	}
	if stops, err := strconv.Atoi(childText(fl, "NumberOfStops")); err == nil {
		seg.Stops = stops
	}
	return seg
}

func childText(el *etree.Element, tag string) string {
	child := el.SelectElement(tag)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}

// ParseTimestamp reads the vendor form YYYY-MM-DDTHHMM (e.g. 2018-10-22T0005).
func ParseTimestamp(raw string) (time.Time, bool) {
	text := strings.TrimSpace(raw)
	if len(text) < 15 {
		return time.Time{}, false
	}
	normalized := text[:10] + " " + text[11:13] + ":" + text[13:15]
	t, err := time.Parse(timestampLayout, normalized)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DurationMinutes is the time from the first departure to the last arrival,
// or 0 when either timestamp is missing or malformed.
func DurationMinutes(segments []models.Segment) int {
	if len(segments) == 0 {
		return 0
	}
	dep, ok := ParseTimestamp(segments[0].Departure)
	if !ok {
		return 0
	}
	arr, ok := ParseTimestamp(segments[len(segments)-1].Arrival)
	if !ok {
		return 0
	}
	return int(arr.Sub(dep).Minutes())
}

// RouteKey joins carrier+flight number and airport pairs of each segment with "|".
func RouteKey(segments []models.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, s.CarrierID+s.FlightNumber+"-"+s.Source+"-"+s.Destination)
	}
	return strings.Join(parts, "|")
}
