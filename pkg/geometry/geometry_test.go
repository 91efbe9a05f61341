package geometry

import (
	"math"
	"testing"
)

func TestDistNM(t *testing.T) {
	tests := []struct {
		name           string
		la1, lo1       float64
		la2, lo2       float64
		want, tolerance float64
	}{
		{"same point", 51.4706, -0.4619, 51.4706, -0.4619, 0.0, 0.01},
		{"Heathrow to Gatwick", 51.4706, -0.4619, 51.1481, -0.1903, 22.5, 1.5},
		{"dateline crossing", 0.0, 179.5, 0.0, -179.5, 60.0, 1.0},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := DistNM(tc.la1, tc.lo1, tc.la2, tc.lo2)
			if math.Abs(got-tc.want) > tc.tolerance {
				t.Fatalf("DistNM = %f, want %f (+/- %f)", got, tc.want, tc.tolerance)
			}
		})
	}
}

func TestRouteDistanceNM(t *testing.T) {
	points := [][2]float64{
		{51.4706, -0.4619},
		{51.1481, -0.1903},
		{50.8167, -0.2833},
	}
	legs := DistNM(points[0][0], points[0][1], points[1][0], points[1][1]) +
		DistNM(points[1][0], points[1][1], points[2][0], points[2][1])

	if got := RouteDistanceNM(points); math.Abs(got-legs) > 0.0001 {
		t.Fatalf("RouteDistanceNM = %f, want %f", got, legs)
	}
	if got := RouteDistanceNM(points[:1]); got != 0 {
		t.Fatalf("single point route distance = %f, want 0", got)
	}
}
