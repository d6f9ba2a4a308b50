package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// LocationKind discriminates the two forms a Location can take
type LocationKind uint8

const (
	LocationInvalid LocationKind = iota
	LocationCity
	LocationCoordinates
)

// nearbyDegrees is the per-axis tolerance used when matching pushed
// provider locations against stored coordinates.
const nearbyDegrees = 0.1

// Location is either a place name or a coordinate pair, never both.
// The zero value is invalid.
type Location struct {
	kind LocationKind
	city string
	lat  float64
	lon  float64
}

// City returns a place-name location
func City(name string) Location {
	return Location{kind: LocationCity, city: strings.TrimSpace(name)}
}

// Coordinates returns a coordinate-pair location
func Coordinates(lat, lon float64) Location {
	return Location{kind: LocationCoordinates, lat: lat, lon: lon}
}

func (l Location) Kind() LocationKind { return l.kind }

// CityName returns the place name and whether l is a city location
func (l Location) CityName() (string, bool) {
	return l.city, l.kind == LocationCity
}

// LatLon returns the coordinates and whether l is a coordinate location
func (l Location) LatLon() (lat, lon float64, ok bool) {
	return l.lat, l.lon, l.kind == LocationCoordinates
}

// Validate reports ErrInvalidLocation for empty names, names that read as
// a coordinate pair, non-finite or out-of-range coordinates, and the zero
// value.
func (l Location) Validate() error {
	switch l.kind {
	case LocationCity:
		if l.city == "" {
			return fmt.Errorf("%w: empty city name", ErrInvalidLocation)
		}
		// City keys must never parse back as coordinates
		if _, _, ok := splitCoords(strings.ReplaceAll(l.city, " ", "")); ok {
			return fmt.Errorf("%w: city name %q is a coordinate pair, use lat and lon", ErrInvalidLocation, l.city)
		}
		return nil
	case LocationCoordinates:
		if math.IsNaN(l.lat) || math.IsInf(l.lat, 0) || l.lat < -90 || l.lat > 90 {
			return fmt.Errorf("%w: latitude %v out of range", ErrInvalidLocation, l.lat)
		}
		if math.IsNaN(l.lon) || math.IsInf(l.lon, 0) || l.lon < -180 || l.lon > 180 {
			return fmt.Errorf("%w: longitude %v out of range", ErrInvalidLocation, l.lon)
		}
		return nil
	default:
		return fmt.Errorf("%w: neither city nor coordinates set", ErrInvalidLocation)
	}
}

// Key returns the batching key used to deduplicate upstream fetches.
// Coordinates are rendered with the shortest exact representation, so
// two pairs share a key only when they are bit-identical. Valid city names
// never parse as coordinates, so the two kinds cannot collide.
func (l Location) Key() (string, error) {
	if err := l.Validate(); err != nil {
		return "", err
	}
	if l.kind == LocationCoordinates {
		return formatCoord(l.lat) + "," + formatCoord(l.lon), nil
	}
	return l.city, nil
}

// String renders the location for logs; invalid locations render as "<invalid>".
func (l Location) String() string {
	key, err := l.Key()
	if err != nil {
		return "<invalid>"
	}
	return key
}

// ParseKey is the inverse of Key
func ParseKey(key string) (Location, error) {
	if lat, lon, ok := splitCoords(key); ok {
		loc := Coordinates(lat, lon)
		return loc, loc.Validate()
	}
	loc := City(key)
	return loc, loc.Validate()
}

// Near reports whether two locations refer to the same place for the
// purposes of provider push matching: coordinates within 0.1 degrees on
// both axes, or case-insensitively equal place names. Mixed kinds never match.
func (l Location) Near(other Location) bool {
	switch {
	case l.kind == LocationCoordinates && other.kind == LocationCoordinates:
		return math.Abs(l.lat-other.lat) < nearbyDegrees && math.Abs(l.lon-other.lon) < nearbyDegrees
	case l.kind == LocationCity && other.kind == LocationCity:
		return l.city != "" && strings.EqualFold(l.city, other.city)
	default:
		return false
	}
}

// locationJSON is the wire shape: {"city": "..."} or {"lat": .., "lon": ..}
type locationJSON struct {
	City string   `json:"city,omitempty"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

func (l Location) MarshalJSON() ([]byte, error) {
	switch l.kind {
	case LocationCity:
		return json.Marshal(locationJSON{City: l.city})
	case LocationCoordinates:
		lat, lon := l.lat, l.lon
		return json.Marshal(locationJSON{Lat: &lat, Lon: &lon})
	default:
		return []byte("null"), nil
	}
}

func (l *Location) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var raw locationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	loc, err := NewLocation(raw.City, raw.Lat, raw.Lon)
	if err != nil {
		return err
	}
	*l = loc
	return nil
}

// NewLocation builds a Location from optional boundary fields. Exactly one
// of a non-empty city or a full lat/lon pair must be supplied.
func NewLocation(city string, lat, lon *float64) (Location, error) {
	hasCity := strings.TrimSpace(city) != ""
	hasCoords := lat != nil && lon != nil
	if (lat == nil) != (lon == nil) {
		return Location{}, fmt.Errorf("%w: latitude and longitude must be set together", ErrInvalidLocation)
	}

	var loc Location
	switch {
	case hasCity && hasCoords:
		return Location{}, fmt.Errorf("%w: city and coordinates are mutually exclusive", ErrInvalidLocation)
	case hasCoords:
		loc = Coordinates(*lat, *lon)
	case hasCity:
		loc = City(city)
	}
	if err := loc.Validate(); err != nil {
		return Location{}, err
	}
	return loc, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func splitCoords(key string) (float64, float64, bool) {
	latStr, lonStr, found := strings.Cut(key, ",")
	if !found || strings.Contains(lonStr, ",") {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}
