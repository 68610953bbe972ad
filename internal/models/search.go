package models

import "encoding/json"

// SearchResult is the answer returned by the trial-search backend for a single query.
type SearchResult struct {
	Answer         string
	Confidence     Confidence
	TotalResults   int
	ProcessingTime float64
	Sources        []Source

	// TrialLocations is copied onto the answer turn untouched; the backend does not always send it.
	TrialLocations json.RawMessage
}

// Location is a place mentioned in an answer. Coordinates are filled once the place is geocoded.
type Location struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Confidence  float64     `json:"confidence"`
	Coordinates *[2]float64 `json:"coordinates,omitempty"` // [lng, lat]
	PlaceName   string      `json:"placeName,omitempty"`
	Context     string      `json:"context,omitempty"`
}

// Place is a geocoding provider hit.
type Place struct {
	Longitude float64
	Latitude  float64
	PlaceName string
	Context   string
}

// Geocoded reports whether the location has coordinates.
func (l Location) Geocoded() bool {
	return l.Coordinates != nil
}

// Longitude returns the geocoded longitude, or 0 when the location is not geocoded.
func (l Location) Longitude() float64 {
	if l.Coordinates == nil {
		return 0
	}
	return l.Coordinates[0]
}

// Latitude returns the geocoded latitude, or 0 when the location is not geocoded.
func (l Location) Latitude() float64 {
	if l.Coordinates == nil {
		return 0
	}
	return l.Coordinates[1]
}
