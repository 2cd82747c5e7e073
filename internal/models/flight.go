package models

// Segment is one flight leg of an itinerary.
type Segment struct {
	CarrierID    string `json:"carrier_id"`
	CarrierName  string `json:"carrier_name"`
	FlightNumber string `json:"flight_number"`
	Source       string `json:"source"`
	Destination  string `json:"destination"`
	Departure    string `json:"departure"`
	Arrival      string `json:"arrival"`
	Class        string `json:"class"`
	Stops        int    `json:"stops"`
}

// FlightResult is one priced itinerary from a vendor feed.
type FlightResult struct {
	ID              int64     `json:"id"`
	SourceFile      string    `json:"source_file"`
	IsRoundTrip     bool      `json:"is_round_trip"`
	Price           float64   `json:"price"`
	Currency        string    `json:"currency"`
	DurationMinutes int       `json:"duration_minutes"`
	RouteKey        string    `json:"route_key"`
	OnwardSegments  []Segment `json:"onward_segments"`
	ReturnSegments  []Segment `json:"return_segments"`
}
