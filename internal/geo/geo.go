package geo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidBoundingBox indicates malformed or out-of-range bounding box input.
var ErrInvalidBoundingBox = errors.New("geo: invalid bounding box")

// LatLon is a WGS84 position in degrees.
type LatLon struct {
	Latitude  float64
	Longitude float64
}

// BoundingBox is an axis-aligned lat/lon rectangle. Boxes crossing the
// antimeridian are not supported.
type BoundingBox struct {
	MinLatitude  float64
	MinLongitude float64
	MaxLatitude  float64
	MaxLongitude float64
}

// NewBoundingBox validates the corners and returns a BoundingBox.
func NewBoundingBox(minLatitude, minLongitude, maxLatitude, maxLongitude float64) (BoundingBox, error) {
	if minLatitude < -90 || maxLatitude > 90 || minLongitude < -180 || maxLongitude > 180 {
		return BoundingBox{}, fmt.Errorf("%w: corner out of range", ErrInvalidBoundingBox)
	}
	if minLatitude > maxLatitude || minLongitude > maxLongitude {
		return BoundingBox{}, fmt.Errorf("%w: min corner exceeds max corner", ErrInvalidBoundingBox)
	}
	return BoundingBox{
		MinLatitude:  minLatitude,
		MinLongitude: minLongitude,
		MaxLatitude:  maxLatitude,
		MaxLongitude: maxLongitude,
	}, nil
}

// ParseBoundingBox parses "minLat,minLon,maxLat,maxLon".
func ParseBoundingBox(rawInput string) (BoundingBox, error) {
	parts := strings.Split(strings.TrimSpace(rawInput), ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("%w: expected 4 comma separated values", ErrInvalidBoundingBox)
	}
	values := make([]float64, 0, 4)
	for _, part := range parts {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("%w: %v", ErrInvalidBoundingBox, err)
		}
		values = append(values, value)
	}
	return NewBoundingBox(values[0], values[1], values[2], values[3])
}

// Contains reports whether position lies inside the box, edges included.
func (box BoundingBox) Contains(position LatLon) bool {
	return position.Latitude >= box.MinLatitude &&
		position.Latitude <= box.MaxLatitude &&
		position.Longitude >= box.MinLongitude &&
		position.Longitude <= box.MaxLongitude
}
