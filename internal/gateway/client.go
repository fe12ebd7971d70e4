// Package gateway is the typed HTTP client for the tanklog REST API. The
// worker uses it to read the authoritative state instead of touching the
// database directly.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"tanklog/internal/core"
)

// APIError carries the status and raw body of a non-2xx response so
// callers can branch on the status code.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %d - %s", e.Status, e.Body)
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// NewWithHTTPClient is used by tests to inject an httptest client.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: baseURL, http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) Cars(ctx context.Context) ([]core.Car, error) {
	var out []core.Car
	if err := c.do(ctx, http.MethodGet, "/api/cars", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Car(ctx context.Context, id int64) (core.Car, error) {
	var out core.Car
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/cars/%d", id), nil, &out)
	return out, err
}

func (c *Client) CreateCar(ctx context.Context, car core.Car) (core.Car, error) {
	var out core.Car
	err := c.do(ctx, http.MethodPost, "/api/cars", car, &out)
	return out, err
}

func (c *Client) UpdateCar(ctx context.Context, car core.Car) (core.Car, error) {
	var out core.Car
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/cars/%d", car.ID), car, &out)
	return out, err
}

// ArchiveCar retires a car without deleting its history.
func (c *Client) ArchiveCar(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/cars/%d", id), nil, nil)
}

func (c *Client) Logs(ctx context.Context) ([]core.RefuelLog, error) {
	var out []core.RefuelLog
	if err := c.do(ctx, http.MethodGet, "/api/logs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Log(ctx context.Context, id int64) (core.RefuelLog, error) {
	var out core.RefuelLog
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/logs/%d", id), nil, &out)
	return out, err
}

func (c *Client) CreateLog(ctx context.Context, l core.RefuelLog) (core.RefuelLog, error) {
	var out core.RefuelLog
	err := c.do(ctx, http.MethodPost, "/api/logs", l, &out)
	return out, err
}

func (c *Client) UpdateLog(ctx context.Context, l core.RefuelLog) (core.RefuelLog, error) {
	var out core.RefuelLog
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/logs/%d", l.ID), l, &out)
	return out, err
}

func (c *Client) DeleteLog(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/logs/%d", id), nil, nil)
}

func (c *Client) Currencies(ctx context.Context) ([]core.Currency, error) {
	var out []core.Currency
	if err := c.do(ctx, http.MethodGet, "/api/currencies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c *Client) Login(ctx context.Context, username, password string) (core.User, error) {
	var out core.User
	err := c.do(ctx, http.MethodPost, "/api/login", Credentials{Username: username, Password: password}, &out)
	return out, err
}

// Snapshot bundles the three collections every view needs.
type Snapshot struct {
	Cars       []core.Car
	Logs       []core.RefuelLog
	Currencies []core.Currency
}

// FetchAll loads cars, logs and currencies in parallel. One failed fetch
// cancels the others and the whole snapshot fails.
func (c *Client) FetchAll(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.Cars, err = c.Cars(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Logs, err = c.Logs(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Currencies, err = c.Currencies(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("fetching snapshot: %w", err)
	}
	return snap, nil
}
