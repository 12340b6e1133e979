package geo

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// GEO POINTS
// Coordinates arrive as WGS84 degrees (EPSG:4326) from device fixes. Map overlays want
// Web Mercator (EPSG:3857), so projection happens only at the edge, never in the math.

const (
	// EarthRadiusMiles is the mean earth radius used for haversine distances.
	EarthRadiusMiles = 3959.0
	// EarthRadiusKilometers is the same radius in kilometers.
	EarthRadiusKilometers = 6371.0
)

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// Coordinate is a WGS84 position in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Kaaba is the Qibla target. It is never mutated.
var Kaaba = Coordinate{Latitude: 21.4224779, Longitude: 39.8251832}

// Validate checks the latitude/longitude ranges and rejects NaN or infinite values
// coming from a failed fix.
func (c Coordinate) Validate() error {
	if !finite(c.Latitude) || !finite(c.Longitude) {
		return ErrInvalidCoordinates
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return ErrInvalidCoordinates
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// CoordinateFromString parses a string in the format "lat,lon" into a Coordinate.
// Components beyond the second are ignored.
func CoordinateFromString(coords string) (Coordinate, error) {
	// split the string into its components
	coordsSplit := strings.Split(coords, ",")
	if len(coordsSplit) < 2 {
		return Coordinate{}, ErrInvalidCoordinates
	}
	// parse the latitude
	lat, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[0]), 64)
	if err != nil {
		return Coordinate{}, ErrInvalidCoordinates
	}
	// parse the longitude
	long, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[1]), 64)
	if err != nil {
		return Coordinate{}, ErrInvalidCoordinates
	}
	c := Coordinate{Latitude: lat, Longitude: long}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// Point returns the coordinate as a 2D simplefeatures point (X=longitude, Y=latitude).
func (c Coordinate) Point() geom.Point {
	return geom.NewPoint(
		geom.Coordinates{
			XY:   geom.XY{X: c.Longitude, Y: c.Latitude},
			Type: geom.DimXY,
		},
	)
}

// WebMercator projects the coordinate from EPSG:4326 to EPSG:3857.
func (c Coordinate) WebMercator() (x, y float64) {
	epsg := wgs84.EPSG()
	f := epsg.Transform(4326, 3857)
	x, y, _ = f(c.Longitude, c.Latitude, 0)
	return x, y
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// NormalizeDegrees maps any angle onto [0,360).
func NormalizeDegrees(deg float64) float64 {
	n := math.Mod(math.Mod(deg, 360)+360, 360)
	if n == 360 {
		// math.Mod of a tiny negative value can round up to exactly 360
		return 0
	}
	return n
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Fix is one position report from a location service.
type Fix struct {
	Coordinate     Coordinate `json:"coordinate"`
	AccuracyMeters float64    `json:"accuracyMeters"`
	Timestamp      time.Time  `json:"timestamp"`
}
