package location

import (
	"math"
	"sort"

	"github.com/example/rider-agent/internal/models"
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance between two coordinates in meters.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// EstimateSeconds is a straight-line travel estimate; speedMps defaults to
// typical city riding speed.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0
	}
	return Distance(from, to) / speedMps
}

// NearbyOrder is an eligible order annotated with how far its pickup is.
type NearbyOrder struct {
	models.Order
	PickupDistanceM float64 `json:"pickupDistanceM"`
	PickupETASec    float64 `json:"pickupEtaSeconds"`
}

// RankByPickup orders eligible orders by pickup distance from the rider,
// nearest first.
func RankByPickup(orders []models.Order, from models.Coord, speedMps float64) []NearbyOrder {
	out := make([]NearbyOrder, 0, len(orders))
	for _, o := range orders {
		d := Distance(from, o.Pickup.Coord)
		out = append(out, NearbyOrder{Order: o, PickupDistanceM: d, PickupETASec: EstimateSeconds(from, o.Pickup.Coord, speedMps)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PickupDistanceM < out[j].PickupDistanceM })
	return out
}
