// Package geo holds the small amount of spherical and planar geometry the
// classifier needs: great-circle distance and geofence containment.
package geo

import (
	"math"

	"fleet-monitor/sessions/internal/domain"
)

const earthRadiusKm = 6371.0

// boundaryEpsilon is the tolerance, in degrees, for treating a point as lying
// on a polygon edge (roughly 1cm).
const boundaryEpsilon = 1e-7

func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// InRing reports whether (lat, lon) lies inside ring using ray casting.
// Points on an edge or vertex are inside. The ring may be open or closed.
func InRing(ring []domain.LonLat, lat, lon float64) bool {
	ring = openRing(ring)
	n := len(ring)
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i].Lon(), ring[i].Lat()
		xj, yj := ring[j].Lon(), ring[j].Lat()

		if onSegment(lon, lat, xi, yi, xj, yj) {
			return true
		}
		if (yi > lat) != (yj > lat) {
			xCross := xi + (lat-yi)*(xj-xi)/(yj-yi)
			if lon < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

func openRing(ring []domain.LonLat) []domain.LonLat {
	if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
		return ring[:len(ring)-1]
	}
	return ring
}

func onSegment(px, py, ax, ay, bx, by float64) bool {
	cross := (px-ax)*(by-ay) - (py-ay)*(bx-ax)
	length := math.Hypot(bx-ax, by-ay)
	if length == 0 {
		return math.Abs(px-ax) <= boundaryEpsilon && math.Abs(py-ay) <= boundaryEpsilon
	}
	if math.Abs(cross)/length > boundaryEpsilon {
		return false
	}
	return px >= math.Min(ax, bx)-boundaryEpsilon && px <= math.Max(ax, bx)+boundaryEpsilon &&
		py >= math.Min(ay, by)-boundaryEpsilon && py <= math.Max(ay, by)+boundaryEpsilon
}

// InCircle reports whether (lat, lon) is within c's radius.
func InCircle(c domain.Circle, lat, lon float64) bool {
	return HaversineKm(c.Center.Lat(), c.Center.Lon(), lat, lon)*1000 <= c.RadiusM
}

func Contains(g *domain.Geofence, lat, lon float64) bool {
	if g.Circle != nil {
		return InCircle(*g.Circle, lat, lon)
	}
	return InRing(g.Ring, lat, lon)
}

// Centroid returns the vertex average of the ring, used for seeding and tests.
func Centroid(ring []domain.LonLat) (lat, lon float64) {
	ring = openRing(ring)
	if len(ring) == 0 {
		return 0, 0
	}
	for _, p := range ring {
		lat += p.Lat()
		lon += p.Lon()
	}
	return lat / float64(len(ring)), lon / float64(len(ring))
}
