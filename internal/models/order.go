package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPayload is wrapped by every Validate failure so callers can
// reject malformed server responses with a single errors.Is check.
var ErrInvalidPayload = errors.New("invalid payload")

type OrderStatus string

const (
	OrderReady          OrderStatus = "ready"
	OrderOutForDelivery OrderStatus = "out-for-delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderReady, OrderOutForDelivery, OrderDelivered, OrderCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further rider action can move the order.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderDelivered || s == OrderCancelled
}

func (s OrderStatus) String() string { return string(s) }

type Coord struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

func (c Coord) Validate() error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: coordinate out of range (%f,%f)", ErrInvalidPayload, c.Lat, c.Lon)
	}
	return nil
}

type Place struct {
	Address string `json:"address"`
	Coord
}

type Order struct {
	ID          string      `json:"id"`
	OrderNumber string      `json:"orderNumber"`
	Status      OrderStatus `json:"status"`
	RegionID    string      `json:"regionId,omitempty"`
	Pickup      Place       `json:"pickupLocation"`
	Delivery    Place       `json:"deliveryLocation"`

	// amounts in minor currency units
	Subtotal     int64  `json:"subtotal"`
	DeliveryFee  int64  `json:"deliveryFee"`
	Total        int64  `json:"total"`
	RiderEarning int64  `json:"riderEarning"`
	Currency     string `json:"currency,omitempty"`

	RiderID     string     `json:"riderId,omitempty"`
	AssignedAt  *time.Time `json:"assignedAt,omitempty"`
	PickedUpAt  *time.Time `json:"pickedUpAt,omitempty"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (o Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: order without id", ErrInvalidPayload)
	}
	if !o.Status.IsValid() {
		return fmt.Errorf("%w: order %s has unknown status %q", ErrInvalidPayload, o.ID, o.Status)
	}
	if err := o.Pickup.Validate(); err != nil {
		return fmt.Errorf("order %s pickup: %w", o.ID, err)
	}
	if err := o.Delivery.Validate(); err != nil {
		return fmt.Errorf("order %s delivery: %w", o.ID, err)
	}
	if o.Subtotal < 0 || o.DeliveryFee < 0 || o.Total < 0 || o.RiderEarning < 0 {
		return fmt.Errorf("%w: order %s has negative amount", ErrInvalidPayload, o.ID)
	}
	return nil
}

type OrderList []Order

func (l OrderList) Validate() error {
	for _, o := range l {
		if err := o.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether an order with the given id is in the list.
func (l OrderList) Contains(id string) bool {
	for _, o := range l {
		if o.ID == id {
			return true
		}
	}
	return false
}

// ActiveCount counts orders that are not yet delivered or cancelled.
func (l OrderList) ActiveCount() int {
	n := 0
	for _, o := range l {
		if !o.Status.IsTerminal() {
			n++
		}
	}
	return n
}

type OrderEventType string

const (
	OrderEventAccepted  OrderEventType = "accepted"
	OrderEventPickedUp  OrderEventType = "picked-up"
	OrderEventDelivered OrderEventType = "delivered"
)

// OrderEvent records a rider-driven transition observed by the agent.
type OrderEvent struct {
	ID         string         `json:"id"`
	OrderID    string         `json:"orderId"`
	RiderID    string         `json:"riderId"`
	Type       OrderEventType `json:"type"`
	Status     OrderStatus    `json:"status"`
	OccurredAt time.Time      `json:"occurredAt"`
}
