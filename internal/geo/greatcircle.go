package geo

import (
	"errors"
	"fmt"
	"math"

	geom "github.com/peterstace/simplefeatures/geom"
)

// ErrAntipodal is returned when a route is asked for between antipodal points,
// where every great circle through both is equally short.
var ErrAntipodal = errors.New("great-circle route is undefined between antipodal points")

// antipodalEpsilon bounds sin(delta) below which two points count as antipodal.
const antipodalEpsilon = 1e-6

// Result is the bearing and distance from a position to the Kaaba.
type Result struct {
	BearingDegrees     float64 `json:"bearingDegrees"`
	DistanceMiles      float64 `json:"distanceMiles"`
	DistanceKilometers float64 `json:"distanceKilometers"`
	Cardinal           string  `json:"cardinal"`
}

// Bearing returns the initial great-circle bearing from one coordinate to another,
// in degrees clockwise from true north on [0,360). The bearing from a point to itself is 0.
func Bearing(from, to Coordinate) float64 {
	phi1 := Radians(from.Latitude)
	phi2 := Radians(to.Latitude)
	deltaLambda := Radians(to.Longitude - from.Longitude)

	y := math.Sin(deltaLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(deltaLambda)
	theta := math.Atan2(y, x)

	return math.Mod(Degrees(theta)+360, 360)
}

// DistanceMiles returns the haversine distance between two coordinates in miles.
func DistanceMiles(from, to Coordinate) float64 {
	return haversine(from, to) * EarthRadiusMiles
}

// DistanceKilometers returns the haversine distance between two coordinates in kilometers.
func DistanceKilometers(from, to Coordinate) float64 {
	return haversine(from, to) * EarthRadiusKilometers
}

// haversine returns the central angle between two coordinates in radians.
func haversine(from, to Coordinate) float64 {
	phi1 := Radians(from.Latitude)
	phi2 := Radians(to.Latitude)
	deltaPhi := Radians(to.Latitude - from.Latitude)
	deltaLambda := Radians(to.Longitude - from.Longitude)

	a := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*
			math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	// rounding pushes a slightly past 1 near antipodes
	a = math.Min(math.Max(a, 0), 1)

	return 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Qibla computes the bearing and distance from a coordinate to the Kaaba.
func Qibla(from Coordinate) Result {
	bearing := Bearing(from, Kaaba)
	return Result{
		BearingDegrees:     bearing,
		DistanceMiles:      DistanceMiles(from, Kaaba),
		DistanceKilometers: DistanceKilometers(from, Kaaba),
		Cardinal:           CardinalDirection(bearing),
	}
}

var cardinals = [...]string{
	"N", "NNE", "NE", "ENE", "E", "ESE", "SE", "SSE",
	"S", "SSW", "SW", "WSW", "W", "WNW", "NW", "NNW",
}

// CardinalDirection returns the 16-point compass label for a bearing.
func CardinalDirection(deg float64) string {
	idx := int(math.Floor(NormalizeDegrees(deg)/22.5+0.5)) % len(cardinals)
	return cardinals[idx]
}

// GreatCirclePath returns the great-circle route between two coordinates as a
// LineString with segments+1 vertices (X=longitude, Y=latitude).
func GreatCirclePath(from, to Coordinate, segments int) (geom.LineString, error) {
	if segments < 1 {
		return geom.LineString{}, fmt.Errorf("segments must be at least 1, got %d", segments)
	}
	if err := from.Validate(); err != nil {
		return geom.LineString{}, err
	}
	if err := to.Validate(); err != nil {
		return geom.LineString{}, err
	}

	delta := haversine(from, to)
	if delta > 0 && math.Abs(math.Sin(delta)) < antipodalEpsilon {
		return geom.LineString{}, ErrAntipodal
	}
	flatCoords := make([]float64, 0, (segments+1)*2)
	for i := 0; i <= segments; i++ {
		p := Intermediate(from, to, delta, float64(i)/float64(segments))
		flatCoords = append(flatCoords, p.Longitude, p.Latitude)
	}

	seq := geom.NewSequence(flatCoords, geom.DimXY)
	return geom.NewLineString(seq), nil
}

// Intermediate returns the point at fraction f along the great circle from one
// coordinate to another, where delta is their central angle in radians.
// Between antipodal points the route is undefined and from is returned.
func Intermediate(from, to Coordinate, delta, f float64) Coordinate {
	if delta == 0 || f <= 0 {
		return from
	}
	if math.Abs(math.Sin(delta)) < antipodalEpsilon {
		return from
	}
	if f >= 1 {
		return to
	}

	phi1, lambda1 := Radians(from.Latitude), Radians(from.Longitude)
	phi2, lambda2 := Radians(to.Latitude), Radians(to.Longitude)

	a := math.Sin((1-f)*delta) / math.Sin(delta)
	b := math.Sin(f*delta) / math.Sin(delta)

	x := a*math.Cos(phi1)*math.Cos(lambda1) + b*math.Cos(phi2)*math.Cos(lambda2)
	y := a*math.Cos(phi1)*math.Sin(lambda1) + b*math.Cos(phi2)*math.Sin(lambda2)
	z := a*math.Sin(phi1) + b*math.Sin(phi2)

	return Coordinate{
		Latitude:  Degrees(math.Atan2(z, math.Sqrt(x*x+y*y))),
		Longitude: Degrees(math.Atan2(y, x)),
	}
}
