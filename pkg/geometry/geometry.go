package geometry

import (
	"math"
)

// --- Geometry Helpers ---

func DistNM(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 3440.06
	r1, r2 := lat1*math.Pi/180, lat2*math.Pi/180

	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	// --- handle dateline crossing ---
	for dLon > math.Pi {
		dLon -= 2 * math.Pi
	}
	for dLon < -math.Pi {
		dLon += 2 * math.Pi
	}

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(r1)*math.Cos(r2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return R * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// RouteDistanceNM sums the great-circle leg lengths of an ordered series
// of lat/lon pairs. Fewer than two points is a zero-length route.
func RouteDistanceNM(points [][2]float64) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		total += DistNM(points[i-1][0], points[i-1][1], points[i][0], points[i][1])
	}
	return total
}
