package geo

import (
	"math"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// ASTM F3411 privacy floors on displayed cluster geometry.
const (
	// NetMinObfuscationDistanceM is the minimum half-width of a displayed
	// cluster rectangle, in meters (NET0490).
	NetMinObfuscationDistanceM = 300.0

	// NetMinClusterSizePercent is the minimum cluster area as a percentage
	// of the view area (NET0480).
	NetMinClusterSizePercent = 0.5
)

// Position is a geodetic point.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ClusterDetail is the obfuscated summary shown instead of individual
// flights when the view is too wide.
type ClusterDetail struct {
	// Corners holds the southwest and northeast corners of the rectangle.
	Corners [2]Position `json:"corners"`

	// AreaSqm reports the area of the requested view, not of the cluster
	// rectangle itself; display clients key their density maths off the
	// view. The cluster's own area is in ClusterAreaSqm.
	AreaSqm float64 `json:"area_sqm"`

	// ClusterAreaSqm is the geodesic area of the cluster rectangle.
	ClusterAreaSqm float64 `json:"cluster_area_sqm"`

	NumberOfFlights int `json:"number_of_flights"`
}

// BuildClusterDetails collapses flight positions inside the view into a
// single obfuscated cluster rectangle. The rectangle starts as the bounding
// box of the view corners plus all positions and is then enlarged in three
// steps, each operating on the result of the previous one: a width floor,
// a height floor, and an area floor relative to the view area.
func BuildClusterDetails(view View, positions []Position) []ClusterDetail {
	minLng, minLat := view.MinLng, view.MinLat
	maxLng, maxLat := view.MaxLng, view.MaxLat
	for _, p := range positions {
		minLng = math.Min(minLng, p.Lng)
		minLat = math.Min(minLat, p.Lat)
		maxLng = math.Max(maxLng, p.Lng)
		maxLat = math.Max(maxLat, p.Lat)
	}

	viewAreaSqm := boundArea(view.MinLng, view.MinLat, view.MaxLng, view.MaxLat)

	// Width floor: the bottom edge must span at least twice the
	// obfuscation distance.
	width := edgeLengthM(minLng, minLat, maxLng, minLat)
	if width < 2*NetMinObfuscationDistanceM {
		delta := NetMinObfuscationDistanceM - width/2
		dLng := lngDegreesForMeters(delta, (minLat+maxLat)/2)
		minLng -= dLng
		maxLng += dLng
	}

	// Height floor on the left edge.
	height := edgeLengthM(minLng, minLat, minLng, maxLat)
	if height < 2*NetMinObfuscationDistanceM {
		delta := NetMinObfuscationDistanceM - height/2
		dLat := latDegreesForMeters(delta)
		minLat -= dLat
		maxLat += dLat
	}

	// Area floor: grow each half-edge symmetrically around the centroid
	// until the rectangle covers the minimum share of the view.
	width = edgeLengthM(minLng, minLat, maxLng, minLat)
	height = edgeLengthM(minLng, minLat, minLng, maxLat)
	area := width * height
	minArea := viewAreaSqm * NetMinClusterSizePercent / 100
	if area > 0 && area < minArea {
		scale := math.Sqrt(minArea/area) / 2
		dLng := scale * (maxLng - minLng)
		dLat := scale * (maxLat - minLat)
		minLng -= dLng
		maxLng += dLng
		minLat -= dLat
		maxLat += dLat
	}

	return []ClusterDetail{{
		Corners: [2]Position{
			{Lat: minLat, Lng: minLng},
			{Lat: maxLat, Lng: maxLng},
		},
		AreaSqm:         viewAreaSqm,
		ClusterAreaSqm:  boundArea(minLng, minLat, maxLng, maxLat),
		NumberOfFlights: len(positions),
	}}
}

// edgeLengthM returns the geodesic length in meters between two points.
func edgeLengthM(lng1, lat1, lng2, lat2 float64) float64 {
	return orbgeo.Distance(orb.Point{lng1, lat1}, orb.Point{lng2, lat2})
}

// boundArea returns the geodesic area in square meters of a lat/lng box.
func boundArea(minLng, minLat, maxLng, maxLat float64) float64 {
	bound := orb.Bound{
		Min: orb.Point{minLng, minLat},
		Max: orb.Point{maxLng, maxLat},
	}
	return math.Abs(orbgeo.Area(bound))
}

// lngDegreesForMeters converts an east-west distance to degrees of
// longitude at the given latitude.
func lngDegreesForMeters(meters, lat float64) float64 {
	metersPerDegree := orbgeo.Distance(orb.Point{0, lat}, orb.Point{1, lat})
	if metersPerDegree == 0 {
		return 0
	}
	return meters / metersPerDegree
}

// latDegreesForMeters converts a north-south distance to degrees of
// latitude.
func latDegreesForMeters(meters float64) float64 {
	metersPerDegree := orbgeo.Distance(orb.Point{0, 0}, orb.Point{0, 1})
	return meters / metersPerDegree
}
