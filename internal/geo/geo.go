// Package geo provides the great-circle distance and centroid helpers used
// when merging tracts into supertracts.
package geo

import (
	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// Point returns an orb point for a latitude/longitude pair. orb stores
// points as [lon, lat].
func Point(lat, lon float64) orb.Point {
	return orb.Point{lon, lat}
}

// EarthRadius is the mean earth radius in metres used for distances. orb
// uses the equatorial radius, so its haversine result is rescaled.
const EarthRadius = 6371000.0

// Distance returns the haversine distance between a and b in metres on a
// sphere of radius EarthRadius.
func Distance(a, b orb.Point) float64 {
	return orbgeo.DistanceHaversine(a, b) * EarthRadius / orb.EarthRadius
}

// Centroid returns the simple average of points. An empty slice yields the
// zero point.
func Centroid(points []orb.Point) orb.Point {
	if len(points) == 0 {
		return orb.Point{}
	}
	c, _ := planar.CentroidArea(orb.MultiPoint(points))
	return c
}
