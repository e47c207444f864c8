package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gridsense/gridsense/pkg/common"
	"github.com/gridsense/gridsense/pkg/log"
	"github.com/gridsense/gridsense/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// responses larger than this are rejected rather than buffered
const maxResponseBytes = 32 << 20

// Client talks to the analytics API of the backend. The bearer credential is
// handed over at construction and treated as an opaque string.
type Client struct {
	apiURL string
	token  string
	client *http.Client
	now    func() time.Time
}

// Configured sets up flags for the analytics API and returns the client.
// It uses lflag to register command-line flags for configuration.
func Configured() *Client {
	c := &Client{now: time.Now}
	apiURL := lflag.String("analytics-api-url", "http://127.0.0.1:8000", "Base URL of the analytics API")
	token := lflag.String("analytics-api-token", "", "Bearer token presented to the analytics API")
	timeout := lflag.Duration("analytics-http-timeout", 15*time.Second, "Timeout of a single analytics request")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.token = *token
		c.client = common.HTTPClient(*timeout)
		if err := c.Validate(); err != nil {
			panic(fmt.Sprintf("analytics validation failed: %v", err))
		}
	})

	return c
}

// New returns a client for the API at apiURL. A nil httpClient gets the default
// client with a 15 second timeout.
func New(apiURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = common.HTTPClient(15 * time.Second)
	}
	return &Client{
		apiURL: apiURL,
		token:  token,
		client: httpClient,
		now:    time.Now,
	}
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.apiURL == "" {
		return fmt.Errorf("analytics-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse analytics url (%s): %w", c.apiURL, err)
	}
	return nil
}

func (c *Client) endpoint(path string, query url.Values) (string, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	u = u.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// get issues one authenticated GET and returns the trimmed body. Every
// failure is a *types.FetchError.
func (c *Client) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	if c.token == "" {
		return nil, &types.FetchError{Kind: types.ErrorKindAuth, Op: op, Err: errors.New("missing credential")}
	}
	u, err := c.endpoint(path, query)
	if err != nil {
		return nil, &types.FetchError{Kind: types.ErrorKindTransport, Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, &types.FetchError{Kind: types.ErrorKindTransport, Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	log.Ctx(ctx).DebugContext(ctx, "fetching analytics", slog.String("op", op), slog.String("url", u))
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &types.FetchError{Kind: types.ErrorKindTransport, Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &types.FetchError{Kind: types.ErrorKindAuth, Op: op, Err: fmt.Errorf("analytics api returned status: %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &types.FetchError{Kind: types.ErrorKindTransport, Op: op, Err: fmt.Errorf("analytics api returned status: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &types.FetchError{Kind: types.ErrorKindTransport, Op: op, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if len(body) > maxResponseBytes {
		return nil, &types.FetchError{Kind: types.ErrorKindInvalidResponse, Op: op, Err: fmt.Errorf("response exceeds %d bytes", maxResponseBytes)}
	}
	return bytes.TrimSpace(body), nil
}

// getArray fetches a collection endpoint. Anything but a JSON array whose
// elements decode into out is an invalid response.
func (c *Client) getArray(ctx context.Context, op, path string, query url.Values, out any) error {
	body, err := c.get(ctx, op, path, query)
	if err != nil {
		return err
	}
	if len(body) == 0 || body[0] != '[' {
		log.Ctx(ctx).WarnContext(ctx, "analytics response is not an array", slog.String("op", op), slog.Int("bytes", len(body)))
		return &types.FetchError{Kind: types.ErrorKindInvalidResponse, Op: op, Err: errors.New("expected a JSON array")}
	}
	if err := json.Unmarshal(body, out); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode analytics response", slog.String("op", op), slog.Any("error", err))
		return &types.FetchError{Kind: types.ErrorKindInvalidResponse, Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// DailyEnergy returns the total energy per calendar day, ordered by date.
func (c *Client) DailyEnergy(ctx context.Context) ([]types.EnergyBucket, error) {
	var out []types.EnergyBucket
	if err := c.getArray(ctx, "daily-energy", "/analytics/daily-energy", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HourlyPower returns the average power per hour-of-day.
func (c *Client) HourlyPower(ctx context.Context) ([]types.PowerBucket, error) {
	var out []types.PowerBucket
	if err := c.getArray(ctx, "hourly-average-power", "/analytics/hourly-average-power", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PeakLoads returns the readings above threshold. The filtering happens
// server-side and is not repeated here.
func (c *Client) PeakLoads(ctx context.Context, threshold float64) ([]types.PeakEvent, error) {
	q := url.Values{}
	q.Set("threshold", strconv.FormatFloat(threshold, 'f', -1, 64))
	var out []types.PeakEvent
	if err := c.getArray(ctx, "peak-loads", "/analytics/peak-loads", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Anomalies returns the readings flagged by the anomaly model.
func (c *Client) Anomalies(ctx context.Context) ([]types.AnomalyEvent, error) {
	var out []types.AnomalyEvent
	if err := c.getArray(ctx, "anomalies", "/analytics/anomalies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Forecast returns the predicted energy for the next hours.
func (c *Client) Forecast(ctx context.Context, hours int) (types.Forecast, error) {
	const op = "predict-energy"
	q := url.Values{}
	q.Set("hours", strconv.Itoa(hours))
	body, err := c.get(ctx, op, "/analytics/predict-energy", q)
	if err != nil {
		return types.Forecast{}, err
	}

	var res struct {
		Error       string          `json:"error"`
		Predictions json.RawMessage `json:"predictions"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return types.Forecast{}, &types.FetchError{Kind: types.ErrorKindInvalidResponse, Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if res.Error != "" {
		return types.Forecast{}, &types.FetchError{Kind: types.ErrorKindInvalidResponse, Op: op, Err: errors.New(res.Error)}
	}
	preds := bytes.TrimSpace(res.Predictions)
	if len(preds) == 0 || preds[0] != '[' {
		return types.Forecast{}, &types.FetchError{Kind: types.ErrorKindInvalidResponse, Op: op, Err: errors.New("expected a predictions array")}
	}

	f := types.Forecast{Hours: hours}
	if err := json.Unmarshal(preds, &f.Predictions); err != nil {
		return types.Forecast{}, &types.FetchError{Kind: types.ErrorKindInvalidResponse, Op: op, Err: fmt.Errorf("failed to decode predictions: %w", err)}
	}
	return f, nil
}
