package models

import (
	"fmt"
	"time"
)

// RiderLocation is the last point reported to the server. It only lives in
// memory; the tracker keeps it to decide whether the next fix is worth sending.
type RiderLocation struct {
	Lat       float64   `json:"latitude"`
	Lon       float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Address   string    `json:"address,omitempty"`
	RegionID  string    `json:"regionId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (l RiderLocation) Coord() Coord { return Coord{Lat: l.Lat, Lon: l.Lon} }

type User struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
}

func (u User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("%w: user without id", ErrInvalidPayload)
	}
	return nil
}

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (t Tokens) Validate() error {
	if t.AccessToken == "" || t.RefreshToken == "" {
		return fmt.Errorf("%w: token pair incomplete", ErrInvalidPayload)
	}
	return nil
}

type RiderProfile struct {
	User
	VehicleType string `json:"vehicleType,omitempty"`
	RegionID    string `json:"regionId,omitempty"`
	IsOnline    bool   `json:"isOnline"`
	IsVerified  bool   `json:"isVerified"`
}

type ScheduleSlot struct {
	Day   string `json:"day"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type Schedule struct {
	Slots []ScheduleSlot `json:"slots"`
}
