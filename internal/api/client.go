package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/example/rider-agent/internal/tokenstore"
)

// Client groups the typed endpoint wrappers over one Transport.
type Client struct {
	t *Transport
}

func New(baseURL string, httpClient *http.Client, tokens tokenstore.Store, logger *slog.Logger) *Client {
	return &Client{t: NewTransport(baseURL, httpClient, tokens, logger)}
}

func NewWithTransport(t *Transport) *Client { return &Client{t: t} }

func (c *Client) Transport() *Transport { return c.t }

// AccessToken returns the currently stored access token; sockets use it for
// their handshake.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	return c.t.tokens.GetAuthToken(ctx)
}

func (c *Client) get(ctx context.Context, name, path string, out any) error {
	return c.t.Do(ctx, Request{Name: name, Method: http.MethodGet, Path: path, Auth: true}, out)
}

func (c *Client) post(ctx context.Context, name, path string, body, out any) error {
	return c.t.Do(ctx, Request{Name: name, Method: http.MethodPost, Path: path, Body: body, Auth: true}, out)
}
