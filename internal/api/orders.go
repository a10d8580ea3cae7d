package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/example/rider-agent/internal/models"
)

func (c *Client) EligibleOrders(ctx context.Context, regionID string) (models.OrderList, error) {
	q := url.Values{}
	if regionID != "" {
		q.Set("regionId", regionID)
	}
	var out models.OrderList
	err := c.t.Do(ctx, Request{Name: "orders.eligible", Method: http.MethodGet, Path: "/orders/rider/eligible", Query: q, Auth: true}, &out)
	return out, err
}

func (c *Client) AssignedOrders(ctx context.Context) (models.OrderList, error) {
	var out models.OrderList
	err := c.get(ctx, "orders.assigned", "/orders/rider/assigned", &out)
	return out, err
}

func (c *Client) CompletedOrders(ctx context.Context, page, limit int) (models.OrderList, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out models.OrderList
	err := c.t.Do(ctx, Request{Name: "orders.completed", Method: http.MethodGet, Path: "/orders/rider/completed", Query: q, Auth: true}, &out)
	return out, err
}

func (c *Client) AcceptOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var out models.Order
	if err := c.post(ctx, "orders.accept", "/orders/rider/"+url.PathEscape(orderID)+"/accept", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkPickedUp(ctx context.Context, orderID string) (*models.Order, error) {
	var out models.Order
	if err := c.post(ctx, "orders.picked_up", "/orders/rider/"+url.PathEscape(orderID)+"/picked-up", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkDelivered(ctx context.Context, orderID, confirmationCode string) (*models.Order, error) {
	var out models.Order
	body := map[string]string{"confirmationCode": confirmationCode}
	if err := c.post(ctx, "orders.delivered", "/orders/rider/"+url.PathEscape(orderID)+"/delivered", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
