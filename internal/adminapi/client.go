package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/R3E-Network/animal_rescue/internal/incident"
	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/middleware"
	"github.com/R3E-Network/animal_rescue/internal/mirror"
	"github.com/R3E-Network/animal_rescue/internal/reconcile"
	"github.com/R3E-Network/animal_rescue/internal/resolver"
)

// Client calls the operator API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// ClientConfig configures a Client. Token is sent as a bearer token when
// set.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   middleware.ErrorBody
}

func (e *APIError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("%s: %s (status %d)", e.Body.Code, e.Body.Message, e.Status)
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

func (c *Client) do(ctx context.Context, method, path string, body, target interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr.Body)
		return apiErr
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ListReconciliations returns records in state, or every open and surfaced
// record when state is empty.
func (c *Client) ListReconciliations(ctx context.Context, state journal.State, limit int) ([]journal.Record, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", string(state))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/reconciliations"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []journal.Record
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

func (c *Client) GetReconciliation(ctx context.Context, id string) (journal.Record, error) {
	var out journal.Record
	return out, c.do(ctx, http.MethodGet, "/v1/reconciliations/"+url.PathEscape(id), nil, &out)
}

func (c *Client) Replay(ctx context.Context, id string) (ReplayResponse, error) {
	var out ReplayResponse
	return out, c.do(ctx, http.MethodPost, "/v1/reconciliations/"+url.PathEscape(id)+"/replay", nil, &out)
}

func (c *Client) RunPass(ctx context.Context) (reconcile.PassReport, error) {
	var out reconcile.PassReport
	return out, c.do(ctx, http.MethodPost, "/v1/reconciliations/pass", nil, &out)
}

func (c *Client) ListIncidents(ctx context.Context, all bool) ([]incident.Incident, error) {
	var out []incident.Incident
	return out, c.do(ctx, http.MethodGet, "/v1/incidents?all="+strconv.FormatBool(all), nil, &out)
}

func (c *Client) AckIncident(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/incidents/"+url.PathEscape(id)+"/ack", nil, nil)
}

// ResolveMint re-runs token id recovery for a mint transaction.
func (c *Client) ResolveMint(ctx context.Context, txHash, recipient string) (resolver.Result, error) {
	var out resolver.Result
	return out, c.do(ctx, http.MethodPost, "/v1/mints/resolve", ResolveRequest{TxHash: txHash, Recipient: recipient}, &out)
}

// ResolveAnimal recovers and records the token id of an animal whose mint
// confirmed unresolved.
func (c *Client) ResolveAnimal(ctx context.Context, animalID string) (mirror.Animal, error) {
	var out mirror.Animal
	return out, c.do(ctx, http.MethodPost, "/v1/animals/"+url.PathEscape(animalID)+"/resolve", nil, &out)
}
