package location

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/rider-agent/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one thousandth of a degree of latitude is ~111 m
	d := Haversine(6.5244, 3.3792, 6.5254, 3.3792)
	assert.InDelta(t, 111.2, d, 0.5)
}

func TestRankByPickup(t *testing.T) {
	rider := models.Coord{Lat: 6.5244, Lon: 3.3792}
	orders := []models.Order{
		{ID: "far", Pickup: models.Place{Coord: models.Coord{Lat: 6.60, Lon: 3.38}}},
		{ID: "near", Pickup: models.Place{Coord: models.Coord{Lat: 6.525, Lon: 3.3792}}},
	}
	ranked := RankByPickup(orders, rider, 10)
	assert.Equal(t, "near", ranked[0].ID)
	assert.Equal(t, "far", ranked[1].ID)
	assert.InDelta(t, ranked[0].PickupDistanceM/10, ranked[0].PickupETASec, 0.001)
}
