package api

import (
	"context"
	"net/http"

	"github.com/example/rider-agent/internal/models"
)

func (c *Client) Profile(ctx context.Context) (*models.RiderProfile, error) {
	var out models.RiderProfile
	if err := c.get(ctx, "riders.profile", "/riders/me", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Schedule(ctx context.Context) (*models.Schedule, error) {
	var out models.Schedule
	if err := c.get(ctx, "riders.schedule", "/riders/me/schedule", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateLocation reports the rider's position with its resolved address.
func (c *Client) UpdateLocation(ctx context.Context, loc models.RiderLocation) error {
	return c.t.Do(ctx, Request{Name: "riders.location", Method: http.MethodPatch, Path: "/riders/me/location", Body: loc, Auth: true}, nil)
}

// SetAvailability flips the rider's online flag server-side.
func (c *Client) SetAvailability(ctx context.Context, online bool, regionID string) error {
	body := map[string]any{"isOnline": online}
	if regionID != "" {
		body["regionId"] = regionID
	}
	return c.t.Do(ctx, Request{Name: "riders.availability", Method: http.MethodPatch, Path: "/riders/me/availability", Body: body, Auth: true}, nil)
}
